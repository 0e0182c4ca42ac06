// Package countdown converts an absolute auction deadline into a
// remaining-whole-seconds value updated once per second. Remaining time
// is recomputed from the clock on every tick rather than decremented,
// so a suspended tab or a drifting interval never skews the value.
package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// State is the externally visible countdown value
type State struct {
	RemainingSeconds int  `json:"remaining_seconds"`
	IsExpired        bool `json:"is_expired"`
}

// Timer counts down to an absolute target timestamp and fires a
// one-shot callback exactly once when remaining time reaches zero
type Timer struct {
	mu sync.Mutex

	clock     clockwork.Clock
	target    time.Time
	remaining int
	expired   bool
	fired     bool

	onExpire func()
	onTick   func(State)

	stopCh chan struct{} // non-nil while the tick loop runs
	gen    int           // invalidates stale tick loops across restarts
}

// Option configures a Timer
type Option func(*Timer)

// WithClock injects a clock; tests use a clockwork fake
func WithClock(clock clockwork.Clock) Option {
	return func(t *Timer) { t.clock = clock }
}

// OnExpire sets the terminal callback
func OnExpire(fn func()) Option {
	return func(t *Timer) { t.onExpire = fn }
}

// OnTick sets an optional per-second observer
func OnTick(fn func(State)) Option {
	return func(t *Timer) { t.onTick = fn }
}

// New creates a stopped timer. Call Start with a target to begin.
func New(opts ...Option) *Timer {
	t := &Timer{
		clock:   clockwork.NewRealClock(),
		expired: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current countdown state
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{RemainingSeconds: t.remaining, IsExpired: t.expired}
}

// Start arms the countdown against an absolute target. A zero or past
// target is treated as already expired: no tick loop is started and the
// expiry callback fires once. Starting again (e.g. after an extension
// moved the deadline) replaces any running countdown and re-arms the
// one-shot callback for the new target.
func (t *Timer) Start(target time.Time) {
	t.mu.Lock()
	t.stopLocked()

	if target.IsZero() {
		// Missing or unparsable deadline: no countdown, treated as
		// expired but the terminal callback stays unfired
		t.target = time.Time{}
		t.remaining = 0
		t.expired = true
		t.fired = true
		t.mu.Unlock()
		log.Debug().Msg("countdown started with no target, treating as expired")
		return
	}

	t.target = target
	t.fired = false
	t.remaining = remainingSeconds(t.clock.Now(), target)
	t.expired = t.remaining == 0

	if t.expired {
		// Already past the deadline: never start the loop
		t.fireLocked()
		t.mu.Unlock()
		return
	}

	t.gen++
	gen := t.gen
	stopCh := make(chan struct{})
	t.stopCh = stopCh
	t.mu.Unlock()

	go t.run(gen, stopCh)
}

// Stop halts the countdown without firing the callback. Idempotent.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopLocked()
	t.mu.Unlock()
}

func (t *Timer) stopLocked() {
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
		// Invalidate the loop immediately; it may otherwise consume one
		// more tick before it notices the stop
		t.gen++
	}
}

func (t *Timer) run(gen int, stopCh chan struct{}) {
	ticker := t.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			t.mu.Lock()
			if gen != t.gen {
				// A restart replaced this loop
				t.mu.Unlock()
				return
			}
			t.remaining = remainingSeconds(t.clock.Now(), t.target)
			if t.remaining == 0 {
				t.expired = true
				t.stopCh = nil
				t.fireLocked()
				t.mu.Unlock()
				return
			}
			onTick := t.onTick
			state := State{RemainingSeconds: t.remaining}
			t.mu.Unlock()
			if onTick != nil {
				onTick(state)
			}
		}
	}
}

// fireLocked invokes the terminal callback exactly once per Start
func (t *Timer) fireLocked() {
	if t.fired {
		return
	}
	t.fired = true
	fn := t.onExpire
	if fn != nil {
		// Release the lock for the callback so it may Start/Stop us
		t.mu.Unlock()
		fn()
		t.mu.Lock()
	}
}

// remainingSeconds computes whole seconds left, clamped at zero
func remainingSeconds(now, target time.Time) int {
	remaining := int(target.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}
