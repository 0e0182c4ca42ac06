package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Handle is the indirection every consumer goes through to reach the
// live transport. The transport may be torn down and recreated across
// reconnections; the handle re-resolves the instance on every access
// and replays recorded subscription intent onto a replacement, so no
// subscriber is ever left closed over a stale instance.
type Handle struct {
	mu        sync.Mutex
	transport Transport

	// Recorded subscription intent, replayed on Replace
	listeners []*listenerIntent
	presence  []*presenceIntent

	// Channel interest refcounts; Leave only reaches the transport
	// when the last interested subscriber is gone
	refs map[string]int

	onConnect    func()
	onDisconnect func(err error)
	onError      func(err error)
}

type listenerIntent struct {
	channel string
	event   string
	handler func(data []byte)
	removed bool
}

type presenceIntent struct {
	channel string
	here    func(members []Member)
	joining func(member Member)
	leaving func(member Member)
	removed bool
}

// NewHandle creates a handle over an initial transport
func NewHandle(transport Transport) *Handle {
	h := &Handle{
		transport: transport,
		refs:      make(map[string]int),
	}
	h.bindSignalsLocked()
	return h
}

// Get resolves the current live transport
func (h *Handle) Get() Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transport
}

// Replace swaps in a new transport instance and replays all recorded
// subscription intent onto it. The old transport is closed.
func (h *Handle) Replace(transport Transport) {
	h.mu.Lock()
	old := h.transport
	h.transport = transport
	h.bindSignalsLocked()
	h.replayLocked()
	h.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Msg("closing replaced transport")
		}
	}
	log.Info().Msg("transport replaced, subscriptions replayed")
}

// Connect connects the current transport
func (h *Handle) Connect(ctx context.Context) error {
	return h.Get().Connect(ctx)
}

// Listen subscribes a handler to an event on a channel and returns an
// unsubscribe func that removes only this subscriber's interest
func (h *Handle) Listen(channel, event string, handler func(data []byte)) func() {
	intent := &listenerIntent{channel: channel, event: event, handler: handler}

	h.mu.Lock()
	h.listeners = append(h.listeners, intent)
	h.refs[channel]++
	h.transport.Channel(channel).Listen(event, handler)
	h.mu.Unlock()

	return func() { h.remove(channel, func() { intent.removed = true }) }
}

// Presence subscribes presence callbacks on a channel and returns an
// unsubscribe func
func (h *Handle) Presence(channel string, here func([]Member), joining, leaving func(Member)) func() {
	intent := &presenceIntent{channel: channel, here: here, joining: joining, leaving: leaving}

	h.mu.Lock()
	h.presence = append(h.presence, intent)
	h.refs[channel]++
	h.subscribePresenceLocked(intent)
	h.mu.Unlock()

	return func() { h.remove(channel, func() { intent.removed = true }) }
}

// OnConnect registers the connect signal hook, surviving replacement
func (h *Handle) OnConnect(fn func()) {
	h.mu.Lock()
	h.onConnect = fn
	h.bindSignalsLocked()
	h.mu.Unlock()
}

// OnDisconnect registers the disconnect signal hook
func (h *Handle) OnDisconnect(fn func(err error)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.bindSignalsLocked()
	h.mu.Unlock()
}

// OnError registers the transport failure hook
func (h *Handle) OnError(fn func(err error)) {
	h.mu.Lock()
	h.onError = fn
	h.bindSignalsLocked()
	h.mu.Unlock()
}

// Close closes the current transport
func (h *Handle) Close() error {
	return h.Get().Close()
}

// remove drops one subscriber's interest in a channel and leaves the
// channel on the transport only when no interest remains
func (h *Handle) remove(channel string, mark func()) {
	h.mu.Lock()
	mark()
	h.refs[channel]--
	last := h.refs[channel] <= 0
	if last {
		delete(h.refs, channel)
	}
	transport := h.transport
	h.mu.Unlock()

	if last {
		transport.Leave(channel)
		log.Debug().Str("channel", channel).Msg("left channel, no subscribers remain")
	}
}

// replayLocked re-applies all live subscription intent to the current
// transport. Caller holds the lock.
func (h *Handle) replayLocked() {
	for _, intent := range h.listeners {
		if intent.removed {
			continue
		}
		h.transport.Channel(intent.channel).Listen(intent.event, intent.handler)
	}
	for _, intent := range h.presence {
		if intent.removed {
			continue
		}
		h.subscribePresenceLocked(intent)
	}
}

func (h *Handle) subscribePresenceLocked(intent *presenceIntent) {
	ch := h.transport.PresenceChannel(intent.channel)
	if intent.here != nil {
		ch.Here(intent.here)
	}
	if intent.joining != nil {
		ch.Joining(intent.joining)
	}
	if intent.leaving != nil {
		ch.Leaving(intent.leaving)
	}
}

func (h *Handle) bindSignalsLocked() {
	if h.transport == nil {
		return
	}
	if h.onConnect != nil {
		h.transport.OnConnect(h.onConnect)
	}
	if h.onDisconnect != nil {
		h.transport.OnDisconnect(h.onDisconnect)
	}
	if h.onError != nil {
		h.transport.OnError(h.onError)
	}
}
