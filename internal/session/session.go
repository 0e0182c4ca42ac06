// Package session wires the synchronization core together for one
// auction view: server events flow from the transport through the
// decoder into the reconciler, the countdown follows the authoritative
// deadline, presence is tracked on the auction's presence channel, and
// the bid controller writes through the reconciler's mutation surface.
package session

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/gavelhouse/gavel/internal/apiclient"
	"github.com/gavelhouse/gavel/internal/auction"
	"github.com/gavelhouse/gavel/internal/bidding"
	"github.com/gavelhouse/gavel/internal/countdown"
	"github.com/gavelhouse/gavel/internal/realtime"
)

// subscribed event names on the auction's public channel
var eventNames = []auction.EventKind{
	auction.EventKindBidPlaced,
	auction.EventKindStarted,
	auction.EventKindEnded,
	auction.EventKindExtended,
	auction.EventKindPaused,
	auction.EventKindResumed,
	auction.EventKindStatusChanged,
	auction.EventKindAnnouncement,
}

// Config holds everything a session needs to come up
type Config struct {
	AuctionID  string
	BidderName string
	Handle     *realtime.Handle
	API        *apiclient.Client
	Clock      clockwork.Clock // nil for the real clock
}

// Session is one mounted auction view's synchronization state
type Session struct {
	auctionID string
	clock     clockwork.Clock
	handle    *realtime.Handle

	Reconciler *auction.Reconciler
	Controller *bidding.Controller
	Countdown  *countdown.Timer
	Presence   *realtime.PresenceTracker
	Monitor    *realtime.Monitor

	unsubs []func()
}

// ChannelName returns the public channel carrying an auction's events
func ChannelName(auctionID string) string {
	return "auctions." + auctionID
}

// PresenceChannelName returns the auction's presence channel
func PresenceChannelName(auctionID string) string {
	return "presence-auctions." + auctionID
}

// Start fetches the initial snapshot, builds the core components and
// subscribes them to the transport
func Start(ctx context.Context, cfg Config) (*Session, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	snap, err := cfg.API.FetchAuction(ctx, cfg.AuctionID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		auctionID: cfg.AuctionID,
		clock:     clock,
		handle:    cfg.Handle,
	}

	s.Reconciler = auction.NewReconciler(*snap, auction.WithClock(clock))
	s.Monitor = realtime.NewMonitor(cfg.Handle, cfg.API, realtime.WithMonitorClock(clock))
	s.Controller = bidding.NewController(cfg.API, s.Reconciler, cfg.AuctionID, cfg.BidderName,
		bidding.WithControllerClock(clock),
		bidding.WithOfflineHint(s.Monitor.Offline),
		bidding.WithNetworkReporter(s.Monitor),
	)
	s.Countdown = countdown.New(countdown.WithClock(clock))
	s.Presence = realtime.NewPresenceTracker(PresenceChannelName(cfg.AuctionID))

	channel := ChannelName(cfg.AuctionID)
	for _, name := range eventNames {
		name := string(name)
		unsub := cfg.Handle.Listen(channel, name, func(data []byte) {
			s.handleEvent(name, data)
		})
		s.unsubs = append(s.unsubs, unsub)
	}

	s.Presence.Track(cfg.Handle)

	if snap.ScheduledEnd != nil && snap.IsLive() {
		s.Countdown.Start(*snap.ScheduledEnd)
	}

	log.Info().
		Str("auction_id", cfg.AuctionID).
		Str("status", string(snap.Status)).
		Msg("auction session started")
	return s, nil
}

// handleEvent decodes one wire event and applies it, steering the
// countdown from the deadline-bearing events
func (s *Session) handleEvent(name string, data []byte) {
	event, err := auction.DecodeEvent(name, data)
	if err != nil {
		log.Warn().Err(err).Str("auction_id", s.auctionID).Str("event", name).Msg("dropping event")
		return
	}

	s.Reconciler.Apply(event)

	switch e := event.(type) {
	case auction.StartedEvent:
		if e.Auction.TimeRemaining > 0 {
			s.Countdown.Start(s.clock.Now().Add(time.Duration(e.Auction.TimeRemaining) * time.Second))
		}
	case auction.ExtendedEvent:
		// The deadline moved; the countdown holds no extension logic of
		// its own and is simply restarted against the new target
		s.Countdown.Start(e.Auction.NewEndTime)
	case auction.ResumedEvent:
		if e.ScheduledEnd != nil {
			s.Countdown.Start(*e.ScheduledEnd)
		} else if e.TimeRemaining > 0 {
			s.Countdown.Start(s.clock.Now().Add(time.Duration(e.TimeRemaining) * time.Second))
		}
	case auction.PausedEvent:
		s.Countdown.Stop()
	case auction.EndedEvent:
		s.Countdown.Stop()
	}
}

// BiddingAllowed gates the bid affordance: live auction and a healthy
// enough connection
func (s *Session) BiddingAllowed() bool {
	if !s.Reconciler.Snapshot().IsLive() {
		return false
	}
	return s.Monitor.State() == realtime.StateConnected
}

// Close unmounts the view: all channel interest is withdrawn and the
// controller discards any in-flight result
func (s *Session) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.Presence.Leave()
	s.Countdown.Stop()
	s.Controller.Close()
	log.Info().Str("auction_id", s.auctionID).Msg("auction session closed")
}
