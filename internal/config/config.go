// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"
	CORSOrigins []string
	AdminToken  string // Bearer token for read/verify endpoints (optional)

	// Per-IP flood guard in front of the API (0 disables)
	RateLimitRPM   int
	RateLimitBurst int

	// Storage
	StoreDriver string // memory, postgres, sqlite
	DatabaseURL string // PostgreSQL connection string
	SQLitePath  string
	RedisURL    string // User state in Redis when set (optional)

	// Downstream generation endpoint
	DownstreamURL     string
	DownstreamTimeout time.Duration

	// Scoring parameters file (YAML, hot reloaded)
	TuningFile string

	// Audit trail
	AuditBufferSize    int
	AuditRetryAttempts int
	AuditRetryBase     time.Duration

	// Ledger anchoring (all optional; anchoring is disabled without a key)
	LedgerRPCURL     string
	LedgerChainID    int64
	LedgerPrivateKey string // Hex-encoded, with or without 0x prefix
	LedgerContract   string

	// Tracing
	OTLPEndpoint    string
	TraceSampleRate float64
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultSQLitePath         = "sentinel.db"
	DefaultDownstreamURL      = "http://localhost:8000/generate"
	DefaultDownstreamTimeout  = 30 * time.Second
	DefaultAuditBufferSize    = 4096
	DefaultAuditRetryAttempts = 3
	DefaultAuditRetryBase     = 100 * time.Millisecond
	DefaultLedgerRPCURL       = "http://127.0.0.1:8545"
	DefaultLedgerChainID      = 1337
	DefaultRateLimitRPM       = 600
	DefaultRateLimitBurst     = 100
	DefaultTraceSampleRate    = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "*")),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         getEnv("SQLITE_PATH", DefaultSQLitePath),
		RedisURL:           os.Getenv("REDIS_URL"),
		DownstreamURL:      getEnv("DOWNSTREAM_URL", DefaultDownstreamURL),
		DownstreamTimeout:  getEnvMillis("DOWNSTREAM_TIMEOUT_MS", DefaultDownstreamTimeout),
		TuningFile:         os.Getenv("TUNING_FILE"),
		AuditBufferSize:    int(getEnvInt64("AUDIT_BUFFER_SIZE", DefaultAuditBufferSize)),
		AuditRetryAttempts: int(getEnvInt64("AUDIT_RETRY_ATTEMPTS", DefaultAuditRetryAttempts)),
		AuditRetryBase:     getEnvMillis("AUDIT_RETRY_BASE_MS", DefaultAuditRetryBase),
		LedgerRPCURL:       getEnv("LEDGER_RPC_URL", DefaultLedgerRPCURL),
		LedgerChainID:      getEnvInt64("LEDGER_CHAIN_ID", DefaultLedgerChainID),
		LedgerPrivateKey:   os.Getenv("LEDGER_PRIVATE_KEY"),
		LedgerContract:     os.Getenv("LEDGER_CONTRACT"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRate:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRate),
	}

	cfg.StoreDriver = getEnv("STORE_DRIVER", "")
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, postgres, sqlite (got %q)", c.StoreDriver)
	}

	if c.DownstreamURL == "" {
		return fmt.Errorf("DOWNSTREAM_URL is required")
	}

	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst == 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when RATE_LIMIT_RPM is set")
	}

	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}

	if c.AuditRetryAttempts < 1 {
		return fmt.Errorf("AUDIT_RETRY_ATTEMPTS must be at least 1")
	}

	if c.LedgerEnabled() {
		key := strings.TrimPrefix(c.LedgerPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("LEDGER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.LedgerContract == "" {
			return fmt.Errorf("LEDGER_CONTRACT is required when LEDGER_PRIVATE_KEY is set")
		}
		if c.LedgerRPCURL == "" {
			return fmt.Errorf("LEDGER_RPC_URL is required when LEDGER_PRIVATE_KEY is set")
		}
	}

	return nil
}

// LedgerEnabled reports whether threat anchoring is configured.
func (c *Config) LedgerEnabled() bool {
	return c.LedgerPrivateKey != ""
}

// RateLimitEnabled reports whether the per-IP flood guard is on.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimitRPM > 0
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
