package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelhouse/gavel/internal/auction"
	"github.com/gavelhouse/gavel/internal/session"
)

// simulator owns one in-memory auction and serves the REST surface the
// client core talks to, broadcasting events through the hub
type simulator struct {
	mu  sync.Mutex
	hub *hub

	snapshot auction.Snapshot
	bids     []auction.Bid
}

func newSimulator(cfg *Config, h *hub) *simulator {
	starting, _ := decimal.NewFromString(cfg.Auction.StartingBid)
	increment, _ := decimal.NewFromString(cfg.Auction.BidIncrement)

	now := time.Now()
	end := now.Add(cfg.AuctionDuration)

	return &simulator{
		hub: h,
		snapshot: auction.Snapshot{
			ID:             cfg.Auction.ID,
			Status:         auction.StatusLive,
			MinimumNextBid: starting,
			BidIncrement:   increment,
			StartingBid:    starting,
			ActualStart:    &now,
			ScheduledEnd:   &end,
		},
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func (s *simulator) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}

func (s *simulator) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	snap := s.snapshot
	s.mu.Unlock()

	if r.PathValue("id") != snap.ID {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "unknown auction"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *simulator) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := s.snapshot.ID
	s.mu.Unlock()

	if r.PathValue("id") != id {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "unknown auction"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

func (s *simulator) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount     decimal.Decimal  `json:"amount"`
		MaxAutoBid *decimal.Decimal `json:"maxAutoBid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid bid body"})
		return
	}

	bidderName := r.Header.Get("X-Bidder-Name")
	if bidderName == "" {
		bidderName = "anonymous"
	}

	s.mu.Lock()

	if r.PathValue("id") != s.snapshot.ID {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "unknown auction"})
		return
	}
	if !s.snapshot.IsLive() {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, errorBody{Code: "AUCTION_NOT_LIVE", Message: "the auction is not accepting bids"})
		return
	}
	if req.Amount.Cmp(s.snapshot.MinimumNextBid) < 0 {
		minimum := s.snapshot.MinimumNextBid
		s.mu.Unlock()
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Code:    "BID_TOO_LOW",
			Message: "bid must be at least " + minimum.String(),
		})
		return
	}

	bid := auction.Bid{
		ID:         uuid.New().String(),
		Amount:     req.Amount,
		BidderName: bidderName,
		PlacedAt:   time.Now(),
	}
	s.bids = append([]auction.Bid{bid}, s.bids...)
	amount := req.Amount
	s.snapshot.CurrentBid = &amount
	s.snapshot.MinimumNextBid = req.Amount.Add(s.snapshot.BidIncrement)
	s.snapshot.BidCount++

	snap := s.snapshot
	s.mu.Unlock()

	log.Info().
		Str("auction_id", snap.ID).
		Str("bidder", bidderName).
		Str("amount", req.Amount.String()).
		Int("bid_count", snap.BidCount).
		Msg("bid accepted")

	// Broadcast the authoritative event in the reconciler's wire shape
	event := map[string]any{
		"bid": map[string]any{
			"id":         bid.ID,
			"bidderName": bid.BidderName,
			"amount":     bid.Amount,
			"bidTime":    bid.PlacedAt,
			"isAutoBid":  false,
		},
		"auction": map[string]any{
			"currentBid":     snap.CurrentBid,
			"minimumBid":     snap.MinimumNextBid,
			"bidCount":       snap.BidCount,
			"status":         snap.Status,
			"extensionsUsed": snap.ExtensionsUsed,
		},
	}
	s.hub.broadcast(session.ChannelName(snap.ID), string(auction.EventKindBidPlaced), event)

	writeJSON(w, http.StatusCreated, map[string]any{
		"bid": map[string]any{
			"id":         bid.ID,
			"amount":     bid.Amount,
			"bidderName": bid.BidderName,
			"bidTime":    bid.PlacedAt,
		},
		"auction": map[string]any{
			"currentBid":   snap.CurrentBid,
			"minimumBid":   snap.MinimumNextBid,
			"bidCount":     snap.BidCount,
			"bidIncrement": snap.BidIncrement,
		},
	})
}

// end closes the auction and announces the outcome
func (s *simulator) end() {
	s.mu.Lock()
	if s.snapshot.HasEnded() {
		s.mu.Unlock()
		return
	}
	s.snapshot.Status = auction.StatusEnded
	now := time.Now()
	s.snapshot.ActualEnd = &now

	var winnerName *string
	var finalPrice *decimal.Decimal
	if len(s.bids) > 0 {
		winnerName = &s.bids[0].BidderName
		finalPrice = &s.bids[0].Amount
	}
	id := s.snapshot.ID
	s.mu.Unlock()

	s.hub.broadcast(session.ChannelName(id), string(auction.EventKindEnded), map[string]any{
		"auction": map[string]any{
			"winnerName": winnerName,
			"finalPrice": finalPrice,
			"actualEnd":  now,
		},
	})
	log.Info().Str("auction_id", id).Msg("auction ended")
}

func (s *simulator) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/ping", s.handlePing)
	mux.HandleFunc("GET /api/auctions/{id}", s.handleGetAuction)
	mux.HandleFunc("POST /api/auctions/{id}/register", s.handleRegister)
	mux.HandleFunc("POST /api/auctions/{id}/bids", s.handleSubmitBid)
	mux.HandleFunc("/ws", s.hub.handleWS)
}
