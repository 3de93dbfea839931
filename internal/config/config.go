// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory markets if not set)
	DatabaseURL     string
	StartingBalance float64

	// Chain settings. Without RPCURL signatures are still verified locally
	// but receipts and token ownership cannot be checked.
	RPCURL                   string
	ChainID                  int64
	PaymentTokenContract     string
	IdentityRegistryContract string

	// A2A protocol limits
	MaxConnections       int
	HandshakeMaxSkew     time.Duration
	AuthTimeout          time.Duration
	IdleTimeout          time.Duration
	SweepInterval        time.Duration
	RateLimitBurst       int
	RateLimitPerMinute   int
	PaymentTimeout       time.Duration
	PaymentSweepInterval time.Duration

	RequireTokenOwnership bool

	// HTTP transport
	HTTPRequireSignature bool
	AllowedOrigins       []string

	// Tracing (disabled when empty)
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultChainID              = 84532 // Base Sepolia
	DefaultStartingBalance      = 1000
	DefaultMaxConnections       = 1000
	DefaultHandshakeMaxSkew     = 5 * time.Minute
	DefaultAuthTimeout          = 30 * time.Second
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultSweepInterval        = 30 * time.Second
	DefaultRateLimitBurst       = 100
	DefaultRateLimitPerMinute   = 600
	DefaultPaymentTimeout       = 15 * time.Minute
	DefaultPaymentSweepInterval = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
// Signed HTTP identity headers are required unless ENV is development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      env,
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		StartingBalance:          getEnvFloat("STARTING_BALANCE", DefaultStartingBalance),
		RPCURL:                   os.Getenv("RPC_URL"),
		ChainID:                  getEnvInt64("CHAIN_ID", DefaultChainID),
		PaymentTokenContract:     os.Getenv("PAYMENT_TOKEN_CONTRACT"),
		IdentityRegistryContract: os.Getenv("IDENTITY_REGISTRY_CONTRACT"),
		MaxConnections:           int(getEnvInt64("A2A_MAX_CONNECTIONS", DefaultMaxConnections)),
		HandshakeMaxSkew:         getEnvDuration("A2A_HANDSHAKE_MAX_SKEW", DefaultHandshakeMaxSkew),
		AuthTimeout:              getEnvDuration("A2A_AUTH_TIMEOUT", DefaultAuthTimeout),
		IdleTimeout:              getEnvDuration("A2A_IDLE_TIMEOUT", DefaultIdleTimeout),
		SweepInterval:            getEnvDuration("A2A_SWEEP_INTERVAL", DefaultSweepInterval),
		RateLimitBurst:           int(getEnvInt64("A2A_RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		RateLimitPerMinute:       int(getEnvInt64("A2A_RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		PaymentTimeout:           getEnvDuration("A2A_PAYMENT_TIMEOUT", DefaultPaymentTimeout),
		PaymentSweepInterval:     getEnvDuration("A2A_PAYMENT_SWEEP_INTERVAL", DefaultPaymentSweepInterval),
		RequireTokenOwnership:    getEnvBool("A2A_REQUIRE_TOKEN_OWNERSHIP", false),
		HTTPRequireSignature:     getEnvBool("A2A_HTTP_REQUIRE_SIGNATURE", env != "development"),
		AllowedOrigins:           getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects limits that would disable the server and malformed
// contract addresses.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		ok   bool
	}{
		{"A2A_MAX_CONNECTIONS", c.MaxConnections > 0},
		{"A2A_HANDSHAKE_MAX_SKEW", c.HandshakeMaxSkew > 0},
		{"A2A_AUTH_TIMEOUT", c.AuthTimeout > 0},
		{"A2A_IDLE_TIMEOUT", c.IdleTimeout > 0},
		{"A2A_SWEEP_INTERVAL", c.SweepInterval > 0},
		{"A2A_RATE_LIMIT_BURST", c.RateLimitBurst > 0},
		{"A2A_RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute > 0},
		{"A2A_PAYMENT_TIMEOUT", c.PaymentTimeout > 0},
		{"A2A_PAYMENT_SWEEP_INTERVAL", c.PaymentSweepInterval > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.StartingBalance < 0 {
		return fmt.Errorf("STARTING_BALANCE must not be negative")
	}

	for name, addr := range map[string]string{
		"PAYMENT_TOKEN_CONTRACT":     c.PaymentTokenContract,
		"IDENTITY_REGISTRY_CONTRACT": c.IdentityRegistryContract,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s is not a valid address: %q", name, addr)
		}
	}

	if c.RequireTokenOwnership && (c.RPCURL == "" || c.IdentityRegistryContract == "") {
		return fmt.Errorf("A2A_REQUIRE_TOKEN_OWNERSHIP needs RPC_URL and IDENTITY_REGISTRY_CONTRACT")
	}

	return nil
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

// getEnvDuration accepts Go durations ("90s") or bare milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
