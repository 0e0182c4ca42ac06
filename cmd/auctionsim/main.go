package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	h := newHub()
	sim := newSimulator(cfg, h)

	mux := http.NewServeMux()
	sim.routes(mux)

	// Close the auction when its configured duration elapses
	time.AfterFunc(cfg.AuctionDuration, sim.end)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Bidder-Name"},
	}).Handler(mux)

	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("auction_id", cfg.Auction.ID).
		Dur("duration", cfg.AuctionDuration).
		Msg("auction simulator listening")

	if err := http.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
