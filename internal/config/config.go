package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        int
	Environment string
	LogLevel    string

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	RedisURL  string
	NatsURL   string
	NatsToken string

	AnthropicAPIKey string
	AnthropicModel  string
	MaxTokens       int

	RosterFile     string
	RosterCacheTTL time.Duration

	InflightWait time.Duration
	InflightTTL  time.Duration
	MaxHandoffs  int
	HistoryLimit int
	MemoryLimit  int

	MemoryExtraction bool

	InboundRate  float64
	InboundBurst int
}

func Load() Config {
	return Config{
		Port:        envInt("SWITCHBOARD_PORT", 8760),
		Environment: envStr("ENVIRONMENT", "development"),
		LogLevel:    envStr("LOG_LEVEL", "info"),

		StoreDriver: envStr("STORE_DRIVER", "memory"),
		DatabaseURL: envStr("DATABASE_URL", ""),
		SQLitePath:  envStr("SQLITE_PATH", "./switchboard.db"),

		RedisURL:  envStr("REDIS_URL", ""),
		NatsURL:   envStr("NATS_URL", ""),
		NatsToken: envStr("NATS_TOKEN", ""),

		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("SWITCHBOARD_MODEL", "claude-sonnet-4-20250514"),
		MaxTokens:       envInt("MAX_TOKENS", 1024),

		RosterFile:     envStr("ROSTER_FILE", "./roster.yaml"),
		RosterCacheTTL: envDuration("ROSTER_CACHE_TTL", 30*time.Second),

		InflightWait: envDuration("INFLIGHT_WAIT", 30*time.Second),
		InflightTTL:  envDuration("INFLIGHT_TTL", 5*time.Minute),
		MaxHandoffs:  envInt("MAX_HANDOFFS", 1),
		HistoryLimit: envInt("HISTORY_LIMIT", 20),
		MemoryLimit:  envInt("MEMORY_LIMIT", 10),

		MemoryExtraction: envBool("MEMORY_EXTRACTION", false),

		InboundRate:  envFloat("INBOUND_RATE", 5),
		InboundBurst: envInt("INBOUND_BURST", 10),
	}
}

// Production reports whether ENVIRONMENT is production.
func (c Config) Production() bool {
	return c.Environment == "production"
}

// Validate checks what serve needs before it opens any connection.
func (c Config) Validate() error {
	var errs []error
	if c.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required"))
	}
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.Environment {
	case "development", "test", "production":
	default:
		errs = append(errs, fmt.Errorf("unknown ENVIRONMENT %q", c.Environment))
	}
	if c.MaxHandoffs < 0 {
		errs = append(errs, errors.New("MAX_HANDOFFS must not be negative"))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
