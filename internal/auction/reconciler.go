package auction

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DefaultMergeWindow bounds how far back a broadcast bid event may
// match a speculative local entry by (amount, bidder) value. Two
// different bidders landing the same amount outside this window are
// kept as distinct entries.
const DefaultMergeWindow = 10 * time.Second

// Reconciler owns the auction snapshot and bid timeline and is the
// single writer for both. Server events and the bid controller's
// speculative patches all go through its mutation surface, so no other
// component ever races on the underlying state.
type Reconciler struct {
	mu sync.Mutex

	clock       clockwork.Clock
	mergeWindow time.Duration

	snapshot     Snapshot
	bids         []Bid
	announcement *Announcement

	// Bid event IDs already applied, for at-least-once delivery
	appliedBidIDs map[string]bool

	// Counter state saved before the outstanding speculative patch, so
	// a rollback restores exactly what the patch displaced
	savedPatch *counterPatch

	onChange func(Snapshot)
}

type counterPatch struct {
	currentBid     *decimal.Decimal
	minimumNextBid decimal.Decimal
}

// ReconcilerOption configures a Reconciler
type ReconcilerOption func(*Reconciler)

// WithClock injects a clock, used for the speculative-merge recency
// window and announcement timestamps
func WithClock(clock clockwork.Clock) ReconcilerOption {
	return func(r *Reconciler) {
		r.clock = clock
	}
}

// WithMergeWindow overrides the speculative-merge recency window
func WithMergeWindow(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.mergeWindow = d
	}
}

// NewReconciler creates a reconciler seeded from an initial snapshot,
// typically the result of the first auction fetch
func NewReconciler(initial Snapshot, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		clock:         clockwork.NewRealClock(),
		mergeWindow:   DefaultMergeWindow,
		snapshot:      initial,
		appliedBidIDs: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers a callback invoked with a snapshot copy after
// every applied mutation. Invoked synchronously on the mutating
// goroutine; keep it cheap.
func (r *Reconciler) OnChange(fn func(Snapshot)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Snapshot returns a copy of the current auction snapshot
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Bids returns a copy of the bid timeline, newest first
func (r *Reconciler) Bids() []Bid {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Bid, len(r.bids))
	copy(out, r.bids)
	return out
}

// Announcement returns the latest stored announcement, or nil
func (r *Reconciler) Announcement() *Announcement {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.announcement == nil {
		return nil
	}
	a := *r.announcement
	return &a
}

// Apply reconciles one server event into local state. Events may
// arrive out of order and more than once; Apply is idempotent per bid
// event ID and never regresses monotonic counters.
func (r *Reconciler) Apply(event Event) {
	r.mu.Lock()
	changed := false

	switch e := event.(type) {
	case BidPlacedEvent:
		changed = r.applyBidPlaced(e)
	case StartedEvent:
		changed = r.applyStarted(e)
	case EndedEvent:
		changed = r.applyEnded(e)
	case ExtendedEvent:
		changed = r.applyExtended(e)
	case PausedEvent:
		changed = r.applyStatus(StatusPaused)
	case ResumedEvent:
		changed = r.applyResumed(e)
	case StatusChangedEvent:
		changed = r.applyStatus(e.Status)
	case AnnouncementEvent:
		r.announcement = &Announcement{
			Message:    e.Message,
			Kind:       e.Type,
			ReceivedAt: r.clock.Now(),
		}
		changed = true
	default:
		log.Warn().
			Str("auction_id", r.snapshot.ID).
			Str("event_kind", string(event.Kind())).
			Msg("ignoring event with no reconciler handler")
	}

	r.notifyLocked(changed)
}

// ApplyLocalBid records a successful bid submission speculatively:
// counters advance and an unconfirmed entry goes to the head of the
// timeline, unless the authoritative broadcast already arrived, in
// which case the existing entry is just claimed as ours.
func (r *Reconciler) ApplyLocalBid(amount decimal.Decimal, bidderName string, minimumNext decimal.Decimal) {
	r.mu.Lock()

	// The broadcast may have beaten the HTTP response. If a confirmed
	// bid with this value is already in the timeline, do not advance
	// counters a second time.
	if i := r.findBidByValue(amount, bidderName, true); i >= 0 {
		r.bids[i].IsMine = true
		log.Debug().
			Str("auction_id", r.snapshot.ID).
			Str("amount", amount.String()).
			Msg("broadcast arrived before bid response, claimed existing entry")
		r.notifyLocked(true)
		return
	}

	bid := Bid{
		Amount:     amount,
		BidderName: bidderName,
		PlacedAt:   r.clock.Now(),
		IsMine:     true,
	}
	r.bids = append([]Bid{bid}, r.bids...)
	r.savedPatch = &counterPatch{
		currentBid:     r.snapshot.CurrentBid,
		minimumNextBid: r.snapshot.MinimumNextBid,
	}
	r.snapshot.CurrentBid = &amount
	r.snapshot.MinimumNextBid = minimumNext
	r.snapshot.BidCount++

	log.Debug().
		Str("auction_id", r.snapshot.ID).
		Str("amount", amount.String()).
		Int("bid_count", r.snapshot.BidCount).
		Msg("speculative bid applied")

	r.notifyLocked(true)
}

// RemoveLocalBid withdraws an unconfirmed speculative entry and rolls
// back its counter patch. A no-op if the entry was already promoted by
// an authoritative event. It exists for callers that speculate before
// the submission is confirmed; the bidding controller patches only
// after a successful response and never needs it.
func (r *Reconciler) RemoveLocalBid(amount decimal.Decimal, bidderName string) {
	r.mu.Lock()

	i := r.findBidByValue(amount, bidderName, false)
	if i < 0 {
		r.notifyLocked(false)
		return
	}

	r.bids = append(r.bids[:i], r.bids[i+1:]...)
	r.snapshot.BidCount--
	if r.savedPatch != nil {
		r.snapshot.CurrentBid = r.savedPatch.currentBid
		r.snapshot.MinimumNextBid = r.savedPatch.minimumNextBid
		r.savedPatch = nil
	} else {
		r.snapshot.MinimumNextBid = r.nextMinimumLocked()
	}

	log.Debug().
		Str("auction_id", r.snapshot.ID).
		Str("amount", amount.String()).
		Msg("speculative bid rolled back")

	r.notifyLocked(true)
}

func (r *Reconciler) applyBidPlaced(e BidPlacedEvent) bool {
	// At-least-once delivery: a bid event is identified by its server
	// bid ID, reapplying it is a no-op.
	if e.Bid.ID != "" && r.appliedBidIDs[e.Bid.ID] {
		log.Debug().
			Str("auction_id", r.snapshot.ID).
			Str("bid_id", e.Bid.ID).
			Msg("duplicate bid event ignored")
		return false
	}

	// Never regress the bid counter. A stale event only wins if it
	// carries a terminal status, in which case the terminal fields take
	// effect and everything else is dropped.
	if e.Auction.BidCount < r.snapshot.BidCount {
		if e.Auction.Status.IsTerminal() {
			return r.applyStatus(e.Auction.Status)
		}
		log.Warn().
			Str("auction_id", r.snapshot.ID).
			Int("event_bid_count", e.Auction.BidCount).
			Int("current_bid_count", r.snapshot.BidCount).
			Msg("stale bid event rejected")
		return false
	}

	if e.Bid.ID != "" {
		r.appliedBidIDs[e.Bid.ID] = true
	}

	// Duplicate resolution against a speculative local entry: promote
	// in place rather than appending, so a user's own bid never shows
	// twice regardless of HTTP-response/broadcast ordering.
	if i := r.findSpeculativeMatch(e.Bid.Amount, e.Bid.BidderName); i >= 0 {
		r.bids[i].ID = e.Bid.ID
		r.bids[i].PlacedAt = e.Bid.BidTime
		r.bids[i].IsAutoBid = e.Bid.IsAutoBid
		r.savedPatch = nil
		log.Debug().
			Str("auction_id", r.snapshot.ID).
			Str("bid_id", e.Bid.ID).
			Msg("speculative bid promoted to authoritative")
	} else {
		bid := Bid{
			ID:         e.Bid.ID,
			Amount:     e.Bid.Amount,
			BidderName: e.Bid.BidderName,
			PlacedAt:   e.Bid.BidTime,
			IsAutoBid:  e.Bid.IsAutoBid,
		}
		r.bids = append([]Bid{bid}, r.bids...)
	}

	current := e.Auction.CurrentBid
	r.snapshot.CurrentBid = &current
	r.snapshot.MinimumNextBid = e.Auction.MinimumBid
	if e.Auction.BidCount > r.snapshot.BidCount {
		r.snapshot.BidCount = e.Auction.BidCount
	}
	if e.Auction.ExtensionsUsed > r.snapshot.ExtensionsUsed {
		r.snapshot.ExtensionsUsed = e.Auction.ExtensionsUsed
	}
	if e.Auction.Status != "" && e.Auction.Status != r.snapshot.Status {
		r.applyStatus(e.Auction.Status)
	}
	return true
}

func (r *Reconciler) applyStarted(e StartedEvent) bool {
	if !r.applyStatus(StatusLive) {
		return false
	}
	start := e.Auction.ActualStart
	r.snapshot.ActualStart = &start
	return true
}

func (r *Reconciler) applyEnded(e EndedEvent) bool {
	if !r.applyStatus(StatusEnded) {
		return false
	}
	r.snapshot.WinnerID = e.Auction.WinnerID
	r.snapshot.WinnerName = e.Auction.WinnerName
	r.snapshot.FinalPrice = e.Auction.FinalPrice
	if e.Auction.ActualEnd != nil {
		r.snapshot.ActualEnd = e.Auction.ActualEnd
	} else {
		now := r.clock.Now()
		r.snapshot.ActualEnd = &now
	}
	return true
}

func (r *Reconciler) applyExtended(e ExtendedEvent) bool {
	if r.snapshot.Status != StatusExtended && !r.applyStatus(StatusExtended) {
		return false
	}
	end := e.Auction.NewEndTime
	r.snapshot.ScheduledEnd = &end
	if e.Auction.ExtensionsUsed > r.snapshot.ExtensionsUsed {
		r.snapshot.ExtensionsUsed = e.Auction.ExtensionsUsed
	}
	return true
}

func (r *Reconciler) applyResumed(e ResumedEvent) bool {
	to := StatusLive
	if r.snapshot.ExtensionsUsed > 0 {
		to = StatusExtended
	}
	if !r.applyStatus(to) {
		return false
	}
	if e.ScheduledEnd != nil {
		r.snapshot.ScheduledEnd = e.ScheduledEnd
	}
	return true
}

// applyStatus performs a guarded status transition. Terminal states
// absorb every late-arriving transition: log and ignore, never crash.
func (r *Reconciler) applyStatus(to Status) bool {
	from := r.snapshot.Status
	if from == to {
		return false
	}
	if !CanTransition(from, to) {
		log.Warn().
			Str("auction_id", r.snapshot.ID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("ignoring disallowed status transition")
		return false
	}
	r.snapshot.Status = to
	log.Info().
		Str("auction_id", r.snapshot.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("auction status changed")
	return true
}

// findSpeculativeMatch locates an unconfirmed local bid matching the
// broadcast by value, bounded by the recency window
func (r *Reconciler) findSpeculativeMatch(amount decimal.Decimal, bidderName string) int {
	cutoff := r.clock.Now().Add(-r.mergeWindow)
	for i, b := range r.bids {
		if b.Confirmed() {
			continue
		}
		if b.Amount.Cmp(amount) == 0 && b.BidderName == bidderName && b.PlacedAt.After(cutoff) {
			return i
		}
	}
	return -1
}

// findBidByValue locates a bid by (amount, bidder); confirmed selects
// whether to match server-confirmed or speculative entries
func (r *Reconciler) findBidByValue(amount decimal.Decimal, bidderName string, confirmed bool) int {
	for i, b := range r.bids {
		if b.Confirmed() != confirmed {
			continue
		}
		if b.Amount.Cmp(amount) == 0 && b.BidderName == bidderName {
			return i
		}
	}
	return -1
}

// nextMinimumLocked recomputes the minimum next bid after a rollback
func (r *Reconciler) nextMinimumLocked() decimal.Decimal {
	if r.snapshot.CurrentBid == nil {
		return r.snapshot.StartingBid
	}
	return r.snapshot.CurrentBid.Add(r.snapshot.BidIncrement)
}

// notifyLocked releases the state lock and, when something changed,
// invokes the change callback with a snapshot copy outside the lock
func (r *Reconciler) notifyLocked(changed bool) {
	fn := r.onChange
	snap := r.snapshot
	r.mu.Unlock()
	if changed && fn != nil {
		fn(snap)
	}
}
