package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the replication service
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug     bool
	Dashboard bool

	// Replication defaults
	StartingBalance decimal.Decimal // virtual account opening balance
	CopyPercentage  decimal.Decimal // default copy % when no risk config exists
	MinOrderSize    decimal.Decimal // exchange minimum, replicas below are skipped
	SlippageBand    decimal.Decimal // allowed live-price drift, e.g. 0.02

	// Feed
	DedupCacheSize int
	PriceCacheSize int
	PriceMaxAge    time.Duration
	SnapshotEvery  time.Duration

	// Market metadata API
	GammaURL string

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Telegram
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Mode
		Debug:     getEnvBool("DEBUG", false),
		Dashboard: getEnvBool("DASHBOARD", false),

		// Replication defaults
		StartingBalance: getEnvDecimal("STARTING_BALANCE", decimal.NewFromInt(1000)),
		CopyPercentage:  getEnvDecimal("COPY_PERCENTAGE", decimal.NewFromInt(100)),
		MinOrderSize:    getEnvDecimal("MIN_ORDER_SIZE", decimal.NewFromInt(1)),
		SlippageBand:    getEnvDecimal("SLIPPAGE_BAND", decimal.NewFromFloat(0.02)),

		// Feed
		DedupCacheSize: getEnvInt("DEDUP_CACHE_SIZE", 4096),
		PriceCacheSize: getEnvInt("PRICE_CACHE_SIZE", 4096),
		PriceMaxAge:    getEnvDuration("PRICE_MAX_AGE", 5*time.Minute),
		SnapshotEvery:  getEnvDuration("SNAPSHOT_EVERY", time.Hour),

		// Market metadata API
		GammaURL: getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),

		// Database
		DatabasePath: getEnv("DATABASE_PATH", "data/copyflow.db"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.CopyPercentage.LessThan(decimal.NewFromInt(1)) || cfg.CopyPercentage.GreaterThan(decimal.NewFromInt(200)) {
		return nil, fmt.Errorf("COPY_PERCENTAGE must be between 1 and 200")
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
