package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the simulator configuration, loaded from YAML with
// environment overrides for the listen address and auction duration
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Auction    struct {
		ID           string `yaml:"id"`
		StartingBid  string `yaml:"starting_bid"`
		BidIncrement string `yaml:"bid_increment"`
		Duration     string `yaml:"duration"`
	} `yaml:"auction"`

	// Parsed form of Auction.Duration, resolved by loadConfig
	AuctionDuration time.Duration `yaml:"-"`
}

func defaultConfig() *Config {
	cfg := &Config{ListenAddr: ":8090"}
	cfg.Auction.ID = "demo"
	cfg.Auction.StartingBid = "1000"
	cfg.Auction.BidIncrement = "100"
	cfg.Auction.Duration = "10m"
	return cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ListenAddr = getEnv("AUCTIONSIM_ADDR", cfg.ListenAddr)

	dur, err := time.ParseDuration(cfg.Auction.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid duration: %w", err)
	}
	if sec := getEnvAsInt("AUCTIONSIM_DURATION_SEC", 0); sec > 0 {
		dur = time.Duration(sec) * time.Second
	}
	cfg.AuctionDuration = dur

	if _, err := decimal.NewFromString(cfg.Auction.StartingBid); err != nil {
		return nil, fmt.Errorf("invalid starting_bid: %w", err)
	}
	if _, err := decimal.NewFromString(cfg.Auction.BidIncrement); err != nil {
		return nil, fmt.Errorf("invalid bid_increment: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
