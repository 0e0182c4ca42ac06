package auction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle status of an auction
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusExtended  Status = "extended"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsBiddable reports whether bids are accepted in this status
func (s Status) IsBiddable() bool {
	return s == StatusLive || s == StatusExtended
}

// IsTerminal reports whether the status accepts no further transitions
// other than ended -> completed
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether a status transition is allowed.
// Transitions are driven exclusively by authoritative server events;
// the client never self-transitions.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusScheduled:
		return to == StatusLive || to == StatusCancelled
	case StatusLive:
		return to == StatusExtended || to == StatusPaused || to == StatusEnded || to == StatusCancelled
	case StatusExtended:
		return to == StatusPaused || to == StatusEnded || to == StatusCancelled
	case StatusPaused:
		return to == StatusLive || to == StatusExtended || to == StatusCancelled
	case StatusEnded:
		return to == StatusCompleted
	default:
		// completed and cancelled are absorbing
		return false
	}
}

// Snapshot is the client's view of one auction: the authoritative state
// reported by the server plus any speculative patches applied by the
// bid controller that a server event has not yet confirmed.
type Snapshot struct {
	ID              string           `json:"id"`
	Status          Status           `json:"status"`
	CurrentBid      *decimal.Decimal `json:"current_bid,omitempty"` // nil before the first bid
	MinimumNextBid  decimal.Decimal  `json:"minimum_next_bid"`
	BidIncrement    decimal.Decimal  `json:"bid_increment"` // server-supplied, opaque otherwise
	BidCount        int              `json:"bid_count"`
	StartingBid     decimal.Decimal  `json:"starting_bid"`
	ScheduledStart  *time.Time       `json:"scheduled_start,omitempty"`
	ScheduledEnd    *time.Time       `json:"scheduled_end,omitempty"`
	ActualStart     *time.Time       `json:"actual_start,omitempty"`
	ActualEnd       *time.Time       `json:"actual_end,omitempty"`
	WinnerID        *string          `json:"winner_id,omitempty"`
	WinnerName      *string          `json:"winner_name,omitempty"`
	FinalPrice      *decimal.Decimal `json:"final_price,omitempty"`
	ExtensionsUsed  int              `json:"extensions_used"`
}

// IsLive reports whether the auction is currently accepting bids
func (s Snapshot) IsLive() bool {
	return s.Status.IsBiddable()
}

// HasEnded reports whether the auction has reached a terminal status
func (s Snapshot) HasEnded() bool {
	return s.Status.IsTerminal()
}

// Bid is one entry in the auction's bid timeline. A speculative bid
// inserted by the bid controller carries no ID until the matching
// broadcast event promotes it.
type Bid struct {
	ID         string          `json:"id,omitempty"` // empty until server-assigned
	Amount     decimal.Decimal `json:"amount"`
	BidderName string          `json:"bidder_name"` // possibly privacy-redacted by the server
	PlacedAt   time.Time       `json:"placed_at"`
	IsAutoBid  bool            `json:"is_auto_bid"`
	IsMine     bool            `json:"is_mine"` // client-local annotation, never sent on the wire
}

// Confirmed reports whether the bid has been acknowledged by the server
func (b *Bid) Confirmed() bool {
	return b.ID != ""
}

// Announcement is a transient advisory message from the auctioneer.
// The core only stores the latest one; expiry scheduling is a UI concern.
type Announcement struct {
	Message    string    `json:"message"`
	Kind       string    `json:"kind"` // info, warning, urgent
	ReceivedAt time.Time `json:"received_at"`
}
