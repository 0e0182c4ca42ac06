// Package bidding implements the optimistic bid submission flow: local
// precondition checks, the remote call, the speculative state patch
// applied through the reconciler, classified failures with a bounded
// caller-driven retry, and the quick-bid duplicate-submission guard.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelhouse/gavel/internal/apiclient"
	"github.com/gavelhouse/gavel/internal/auction"
)

const (
	// MaxRetries bounds caller-driven retries of a transient failure
	MaxRetries = 3

	// DefaultDebounceWindow coalesces rapid same-amount quick-bid taps
	DefaultDebounceWindow = 300 * time.Millisecond

	// DefaultFlashDuration is how long the transient feedback flags stay set
	DefaultFlashDuration = 2 * time.Second
)

var (
	// ErrSuppressed is returned when a submission is coalesced into an
	// identical one already in flight or just completed
	ErrSuppressed = errors.New("duplicate bid submission suppressed")

	// ErrNoRetry is returned by Retry when there is no retryable attempt
	ErrNoRetry = errors.New("no retryable bid attempt")

	// ErrRetriesExhausted is returned by Retry once the attempt budget is spent
	ErrRetriesExhausted = errors.New("bid retry budget exhausted")

	// ErrClosed is returned after the controller has been torn down
	ErrClosed = errors.New("bid controller closed")
)

// BidAPI is the remote surface the controller needs. *apiclient.Client
// satisfies it.
type BidAPI interface {
	SubmitBid(ctx context.Context, auctionID string, amount decimal.Decimal, maxAutoBid *decimal.Decimal) (*apiclient.BidResult, error)
	Register(ctx context.Context, auctionID string) error
}

// NetworkReporter receives a signal when a submission fails for
// network-class reasons, so the connection monitor can reflect it
type NetworkReporter interface {
	ReportNetworkError()
}

// attempt retains a failed transient submission for caller-driven retry
type attempt struct {
	amount     decimal.Decimal
	maxAutoBid *decimal.Decimal
	tries      int
}

// Controller orchestrates bid submissions for one auction
type Controller struct {
	mu sync.Mutex

	clock      clockwork.Clock
	api        BidAPI
	reconciler *auction.Reconciler
	auctionID  string
	bidderName string

	authenticated bool
	registered    bool
	closed        bool

	offline func() bool
	network NetworkReporter

	onSuccess func(*apiclient.BidResult)
	onFailure func(*BidError)

	successFlash bool
	failureFlash bool

	debounceWindow time.Duration
	flashDuration  time.Duration

	inFlight    bool
	guardAmount decimal.Decimal
	guardUntil  time.Time

	lastAttempt *attempt
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithControllerClock injects a clock for the debounce window and flash timers
func WithControllerClock(clock clockwork.Clock) ControllerOption {
	return func(c *Controller) { c.clock = clock }
}

// WithOfflineHint injects the reported-offline check consulted during
// error classification
func WithOfflineHint(fn func() bool) ControllerOption {
	return func(c *Controller) { c.offline = fn }
}

// WithNetworkReporter wires network-classified failures to the monitor
func WithNetworkReporter(n NetworkReporter) ControllerOption {
	return func(c *Controller) { c.network = n }
}

// WithDebounceWindow overrides the quick-bid coalescing window
func WithDebounceWindow(d time.Duration) ControllerOption {
	return func(c *Controller) { c.debounceWindow = d }
}

// WithFlashDuration overrides the feedback flag lifetime
func WithFlashDuration(d time.Duration) ControllerOption {
	return func(c *Controller) { c.flashDuration = d }
}

// NewController creates a bid controller for one auction. bidderName is
// the display name the server will announce this user's bids under; it
// is what speculative entries are matched on.
func NewController(api BidAPI, reconciler *auction.Reconciler, auctionID, bidderName string, opts ...ControllerOption) *Controller {
	c := &Controller{
		clock:          clockwork.NewRealClock(),
		api:            api,
		reconciler:     reconciler,
		auctionID:      auctionID,
		bidderName:     bidderName,
		debounceWindow: DefaultDebounceWindow,
		flashDuration:  DefaultFlashDuration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuthenticated records whether the local user is signed in
func (c *Controller) SetAuthenticated(authenticated bool) {
	c.mu.Lock()
	c.authenticated = authenticated
	c.mu.Unlock()
}

// SetRegistered records whether the local user is registered to bid
func (c *Controller) SetRegistered(registered bool) {
	c.mu.Lock()
	c.registered = registered
	c.mu.Unlock()
}

// OnSuccess registers the success notification signal
func (c *Controller) OnSuccess(fn func(*apiclient.BidResult)) {
	c.mu.Lock()
	c.onSuccess = fn
	c.mu.Unlock()
}

// OnFailure registers the failure notification signal
func (c *Controller) OnFailure(fn func(*BidError)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// SuccessFlash reports the transient visual-feedback flag set after a
// successful submission; it self-clears after the flash duration
func (c *Controller) SuccessFlash() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successFlash
}

// FailureFlash reports the transient failure flag
func (c *Controller) FailureFlash() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureFlash
}

// RetriesRemaining reports how many caller-driven retries are left for
// the last transient failure, zero when there is nothing to retry
func (c *Controller) RetriesRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAttempt == nil {
		return 0
	}
	remaining := MaxRetries - c.lastAttempt.tries
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Close tears the controller down. A submission still in flight will
// have its eventual result discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.onSuccess = nil
	c.onFailure = nil
	c.mu.Unlock()
}

// SubmitBid places a bid. Preconditions are checked before any network
// call; shared state is only mutated after a successful response. A
// rapid repeat of the same amount within the debounce window returns
// ErrSuppressed.
func (c *Controller) SubmitBid(ctx context.Context, amount decimal.Decimal, maxAutoBid *decimal.Decimal) (*apiclient.BidResult, error) {
	return c.submit(ctx, amount, maxAutoBid, nil)
}

// Retry re-submits the last transient failure. At most MaxRetries
// attempts total are made for one amount; validation failures are
// never retryable.
func (c *Controller) Retry(ctx context.Context) (*apiclient.BidResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	att := c.lastAttempt
	if att == nil {
		c.mu.Unlock()
		return nil, ErrNoRetry
	}
	if att.tries >= MaxRetries {
		c.mu.Unlock()
		return nil, ErrRetriesExhausted
	}
	// A retry is an explicit user action, never coalesced
	c.guardUntil = time.Time{}
	c.mu.Unlock()

	return c.submit(ctx, att.amount, att.maxAutoBid, att)
}

func (c *Controller) submit(ctx context.Context, amount decimal.Decimal, maxAutoBid *decimal.Decimal, retryOf *attempt) (*apiclient.BidResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	// Token-bucket-of-one guard: coalesce same-amount rapid repeats.
	// A different amount is a different intent and goes through.
	if c.guardAmount.Cmp(amount) == 0 {
		if c.inFlight || c.clock.Now().Before(c.guardUntil) {
			c.mu.Unlock()
			log.Debug().
				Str("auction_id", c.auctionID).
				Str("amount", amount.String()).
				Msg("coalesced duplicate bid submission")
			return nil, ErrSuppressed
		}
	} else if c.inFlight {
		// One submission in flight at a time regardless of amount
		c.mu.Unlock()
		return nil, ErrSuppressed
	}

	if bidErr := c.checkPreconditionsLocked(amount); bidErr != nil {
		c.mu.Unlock()
		c.reportFailure(bidErr)
		return nil, bidErr
	}

	c.inFlight = true
	c.guardAmount = amount
	c.mu.Unlock()

	result, err := c.api.SubmitBid(ctx, c.auctionID, amount, maxAutoBid)

	c.mu.Lock()
	c.inFlight = false
	c.guardUntil = c.clock.Now().Add(c.debounceWindow)
	if c.closed {
		// The view unmounted while the call was pending; drop the result
		c.mu.Unlock()
		return nil, ErrClosed
	}

	if err != nil {
		offline := false
		if c.offline != nil {
			offline = c.offline()
		}
		bidErr := Classify(err, offline)
		if bidErr.Retryable() {
			if retryOf != nil {
				retryOf.tries++
				c.lastAttempt = retryOf
			} else {
				c.lastAttempt = &attempt{amount: amount, maxAutoBid: maxAutoBid, tries: 1}
			}
		} else {
			c.lastAttempt = nil
		}
		c.mu.Unlock()

		log.Warn().
			Str("auction_id", c.auctionID).
			Str("amount", amount.String()).
			Str("kind", string(bidErr.Kind)).
			Err(err).
			Msg("bid submission failed")

		if bidErr.Kind == KindNetworkError || bidErr.Kind == KindTimeout {
			if c.network != nil {
				c.network.ReportNetworkError()
			}
		}

		c.reportFailure(bidErr)
		return nil, bidErr
	}

	c.lastAttempt = nil
	onSuccess := c.onSuccess
	c.mu.Unlock()

	// Speculative patch: counters advance and the new bid goes to the
	// head of the timeline through the reconciler's duplicate-aware
	// insertion, so the broadcast echo promotes instead of duplicating.
	minimumNext := result.Auction.MinimumBid
	if minimumNext.IsZero() {
		minimumNext = result.Bid.Amount.Add(result.Auction.BidIncrement)
	}
	bidderName := result.Bid.BidderName
	if bidderName == "" {
		bidderName = c.bidderName
	}
	c.reconciler.ApplyLocalBid(result.Bid.Amount, bidderName, minimumNext)

	log.Info().
		Str("auction_id", c.auctionID).
		Str("amount", result.Bid.Amount.String()).
		Msg("bid accepted")

	c.setFlash(&c.successFlash)
	if onSuccess != nil {
		onSuccess(result)
	}
	return result, nil
}

// checkPreconditionsLocked runs the fail-fast client-side checks.
// Caller holds the lock.
func (c *Controller) checkPreconditionsLocked(amount decimal.Decimal) *BidError {
	if !c.authenticated {
		return newKindError(KindNotAuthenticated, nil)
	}
	if !c.registered {
		return newKindError(KindNotRegistered, nil)
	}
	snap := c.reconciler.Snapshot()
	if !snap.IsLive() {
		switch snap.Status {
		case auction.StatusScheduled:
			return newKindError(KindAuctionNotStarted, nil)
		case auction.StatusPaused:
			return newKindError(KindAuctionNotLive, nil)
		default:
			return newKindError(KindAuctionEnded, nil)
		}
	}
	if amount.Cmp(snap.MinimumNextBid) < 0 {
		e := newKindError(KindBidTooLow, nil)
		e.Message = fmt.Sprintf("Your bid of %s is below the minimum next bid of %s.", amount.String(), snap.MinimumNextBid.String())
		e.Suggestion = fmt.Sprintf("Bid at least %s.", snap.MinimumNextBid.String())
		return e
	}
	return nil
}

// Register registers the user for the auction. Failures are classified;
// anything that is not more specific becomes RegistrationFailed.
func (c *Controller) Register(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.authenticated {
		c.mu.Unlock()
		bidErr := newKindError(KindNotAuthenticated, nil)
		c.reportFailure(bidErr)
		return bidErr
	}
	c.mu.Unlock()

	if err := c.api.Register(ctx, c.auctionID); err != nil {
		offline := false
		if c.offline != nil {
			offline = c.offline()
		}
		bidErr := Classify(err, offline)
		if bidErr.Kind == KindServerError {
			bidErr = newKindError(KindRegistrationFailed, err)
		}
		log.Warn().
			Str("auction_id", c.auctionID).
			Str("kind", string(bidErr.Kind)).
			Err(err).
			Msg("auction registration failed")
		c.reportFailure(bidErr)
		return bidErr
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	log.Info().Str("auction_id", c.auctionID).Msg("registered for auction")
	return nil
}

// setFlash raises a feedback flag and schedules its self-clear
func (c *Controller) setFlash(flag *bool) {
	c.mu.Lock()
	*flag = true
	c.mu.Unlock()

	c.clock.AfterFunc(c.flashDuration, func() {
		c.mu.Lock()
		*flag = false
		c.mu.Unlock()
	})
}

func (c *Controller) reportFailure(bidErr *BidError) {
	c.setFlash(&c.failureFlash)
	c.mu.Lock()
	onFailure := c.onFailure
	c.mu.Unlock()
	if onFailure != nil {
		onFailure(bidErr)
	}
}
