package auction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies a server event type
type EventKind string

const (
	EventKindBidPlaced     EventKind = "bid.placed"
	EventKindStarted       EventKind = "auction.started"
	EventKindEnded         EventKind = "auction.ended"
	EventKindExtended      EventKind = "auction.extended"
	EventKindPaused        EventKind = "auction.paused"
	EventKindResumed       EventKind = "auction.resumed"
	EventKindStatusChanged EventKind = "auction.status"
	EventKindAnnouncement  EventKind = "auction.announcement"
)

// Event is the sum type covering every server event the reconciler
// consumes. Transports are solely responsible for decoding wire
// messages into these variants before handing them to the reconciler.
type Event interface {
	Kind() EventKind
}

// BidPlacedEvent carries a newly accepted bid plus the server's view of
// the auction counters at the time the bid was accepted.
type BidPlacedEvent struct {
	Bid struct {
		ID         string          `json:"id"`
		BidderName string          `json:"bidderName"`
		Amount     decimal.Decimal `json:"amount"`
		BidTime    time.Time       `json:"bidTime"`
		IsAutoBid  bool            `json:"isAutoBid"`
	} `json:"bid"`
	Auction struct {
		CurrentBid     decimal.Decimal `json:"currentBid"`
		MinimumBid     decimal.Decimal `json:"minimumBid"`
		BidCount       int             `json:"bidCount"`
		TimeRemaining  int             `json:"timeRemaining"`
		Status         Status          `json:"status"`
		ExtensionsUsed int             `json:"extensionsUsed"`
	} `json:"auction"`
}

func (BidPlacedEvent) Kind() EventKind { return EventKindBidPlaced }

// StartedEvent marks the auction going live
type StartedEvent struct {
	Auction struct {
		ActualStart   time.Time `json:"actualStart"`
		TimeRemaining int       `json:"timeRemaining"`
	} `json:"auction"`
}

func (StartedEvent) Kind() EventKind { return EventKindStarted }

// EndedEvent carries the final outcome
type EndedEvent struct {
	Auction struct {
		WinnerID   *string          `json:"winnerId"`
		WinnerName *string          `json:"winnerName"`
		FinalPrice *decimal.Decimal `json:"finalPrice"`
		ActualEnd  *time.Time       `json:"actualEnd"`
	} `json:"auction"`
}

func (EndedEvent) Kind() EventKind { return EventKindEnded }

// ExtendedEvent moves the auction deadline later
type ExtendedEvent struct {
	Auction struct {
		NewEndTime     time.Time `json:"newEndTime"`
		TimeRemaining  int       `json:"timeRemaining"`
		ExtensionsUsed int       `json:"extensionsUsed"`
	} `json:"auction"`
}

func (ExtendedEvent) Kind() EventKind { return EventKindExtended }

// PausedEvent suspends bidding
type PausedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (PausedEvent) Kind() EventKind { return EventKindPaused }

// ResumedEvent resumes bidding, optionally with a corrected deadline
type ResumedEvent struct {
	ScheduledEnd  *time.Time `json:"scheduledEnd"`
	TimeRemaining int        `json:"timeRemaining"`
}

func (ResumedEvent) Kind() EventKind { return EventKindResumed }

// StatusChangedEvent is a bare status transition with no other payload
type StatusChangedEvent struct {
	Status Status `json:"status"`
}

func (StatusChangedEvent) Kind() EventKind { return EventKindStatusChanged }

// AnnouncementEvent is a transient auctioneer advisory
type AnnouncementEvent struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (AnnouncementEvent) Kind() EventKind { return EventKindAnnouncement }

// DecodeEvent decodes a wire payload for the named event into its
// typed variant. Unknown event names are an error so transports can
// log and drop them without crashing the dispatch loop.
func DecodeEvent(name string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch EventKind(name) {
	case EventKindBidPlaced:
		var e BidPlacedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventKindStarted:
		var e StartedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventKindEnded:
		var e EndedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventKindExtended:
		var e ExtendedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventKindPaused:
		var e PausedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventKindResumed:
		var e ResumedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventKindStatusChanged:
		var e StatusChangedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventKindAnnouncement:
		var e AnnouncementEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event name: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", name, err)
	}
	return ev, nil
}
