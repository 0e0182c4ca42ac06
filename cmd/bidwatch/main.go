// bidwatch connects the synchronization core to a running auction
// server (see cmd/auctionsim) and tails state changes, presence and
// connection health. With -bid it places one bid and shows how the
// broadcast echo reconciles onto the speculative entry.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelhouse/gavel/internal/apiclient"
	"github.com/gavelhouse/gavel/internal/auction"
	"github.com/gavelhouse/gavel/internal/realtime"
	"github.com/gavelhouse/gavel/internal/session"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8090", "auction server base URL")
	wsURL := flag.String("ws", "ws://localhost:8090/ws", "auction server websocket URL")
	auctionID := flag.String("auction", "demo", "auction ID to watch")
	name := flag.String("name", "bidwatch", "bidder display name")
	bid := flag.String("bid", "", "amount to bid once connected, empty to just watch")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := apiclient.NewClient(getEnv("AUCTION_API_URL", *serverURL))
	api.SetHeader("X-Bidder-Name", *name)

	transport := realtime.NewWebSocketTransport(
		realtime.DefaultWebSocketConfig(getEnv("AUCTION_WS_URL", *wsURL) + "?name=" + *name),
	)
	handle := realtime.NewHandle(transport)

	sess, err := session.Start(ctx, session.Config{
		AuctionID:  *auctionID,
		BidderName: *name,
		Handle:     handle,
		API:        api,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}
	defer sess.Close()

	sess.Reconciler.OnChange(func(snap auction.Snapshot) {
		current := "none"
		if snap.CurrentBid != nil {
			current = snap.CurrentBid.String()
		}
		log.Info().
			Str("status", string(snap.Status)).
			Str("current_bid", current).
			Str("minimum_next", snap.MinimumNextBid.String()).
			Int("bid_count", snap.BidCount).
			Msg("snapshot changed")
	})
	sess.Presence.OnJoin(func(m realtime.Member) {
		log.Info().Str("name", m.Name).Int("present", sess.Presence.Count()).Msg("participant joined")
	})
	sess.Presence.OnLeave(func(m realtime.Member) {
		log.Info().Str("name", m.Name).Int("present", sess.Presence.Count()).Msg("participant left")
	})
	sess.Monitor.OnStateChange(func(state realtime.ConnState) {
		log.Info().Str("state", string(state)).Str("quality", string(sess.Monitor.Quality())).Msg("connection")
	})

	if err := handle.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect transport")
	}
	go sess.Monitor.Start(ctx)

	sess.Controller.SetAuthenticated(true)
	if err := sess.Controller.Register(ctx); err != nil {
		log.Fatal().Err(err).Msg("registration failed")
	}

	if *bid != "" {
		amount, err := decimal.NewFromString(*bid)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid bid amount")
		}
		// Give the subscription a moment so we see our own echo
		time.Sleep(500 * time.Millisecond)
		if _, err := sess.Controller.SubmitBid(ctx, amount, nil); err != nil {
			log.Error().Err(err).Msg("bid failed")
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case <-ticker.C:
			state := sess.Countdown.State()
			log.Info().
				Int("remaining_sec", state.RemainingSeconds).
				Bool("expired", state.IsExpired).
				Bool("bidding_allowed", sess.BiddingAllowed()).
				Int("present", sess.Presence.Count()).
				Msg("tick")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
