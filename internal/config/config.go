// Package config loads the Crank's typed runtime configuration from the
// environment, per §6 of the specification. No other package reads the
// environment directly; everything downstream takes a *Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the single typed configuration structure produced by Load.
type Config struct {
	// Crank enablement and cadence
	CrankEnabled       bool
	PollingIntervalMs  int
	MaxConcurrentMatch int
	UseRealMPC         bool

	// MPC timeouts
	MPCTimeoutMs         int
	MPCCallbackTimeoutMs int

	// Circuit breaker
	ErrorThreshold  int
	PauseDurationMs int

	// Blockhash cache
	BlockhashRefreshIntervalMs int
	BlockhashMaxAgeMs          int
	BlockhashPrefetchCount     int
	BlockhashFetchTimeoutMs    int

	// RPC
	RPCURL      string
	RPCPrimary  string
	RPCFallback []string

	// Wallet
	WalletPath      string
	WalletSecretKey string

	// Admin / environment
	AdminAPIKey  string
	DatabasePath string
	LogLevel     string
	NodeEnv      string

	// Program IDs (production validation, §6)
	ProgramID     string
	MXEProgramID  string
	ClusterOffset int

	ShutdownTimeout time.Duration
}

const devPlaceholderAPIKey = "dev-admin-key-change-me"

// Load reads the environment into a Config and validates it. Mirrors the
// teacher's config.Load(): inline defaults via getEnv* helpers, validation
// performed once at the end.
func Load() (*Config, error) {
	cfg := &Config{
		CrankEnabled:       getEnvBool("CRANK_ENABLED", false),
		PollingIntervalMs:  getEnvInt("CRANK_POLLING_INTERVAL_MS", 5000),
		MaxConcurrentMatch: getEnvInt("CRANK_MAX_CONCURRENT_MATCHES", 5),
		UseRealMPC:         getEnvBool("CRANK_USE_REAL_MPC", true),

		MPCTimeoutMs:         getEnvInt("MPC_TIMEOUT_MS", 120000),
		MPCCallbackTimeoutMs: getEnvInt("MPC_CALLBACK_TIMEOUT_MS", 30000),

		ErrorThreshold:  getEnvInt("CRANK_ERROR_THRESHOLD", 10),
		PauseDurationMs: getEnvInt("CRANK_PAUSE_DURATION_MS", 60000),

		BlockhashRefreshIntervalMs: getEnvInt("BLOCKHASH_REFRESH_INTERVAL_MS", 30000),
		BlockhashMaxAgeMs:          getEnvInt("BLOCKHASH_MAX_AGE_MS", 60000),
		BlockhashPrefetchCount:     getEnvInt("BLOCKHASH_PREFETCH_COUNT", 2),
		BlockhashFetchTimeoutMs:    getEnvInt("BLOCKHASH_FETCH_TIMEOUT_MS", 5000),

		RPCURL:     getEnv("RPC_URL", ""),
		RPCPrimary: getEnv("CRANK_RPC_PRIMARY", ""),

		WalletPath:      getEnv("CRANK_WALLET_PATH", ""),
		WalletSecretKey: getEnv("CRANK_WALLET_SECRET_KEY", ""),

		AdminAPIKey:  getEnv("ADMIN_API_KEY", devPlaceholderAPIKey),
		DatabasePath: getEnv("DATABASE_PATH", "data/crank.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		NodeEnv:      getEnv("NODE_ENV", "development"),

		ProgramID:     getEnv("CRANK_PROGRAM_ID", ""),
		MXEProgramID:  getEnv("CRANK_MXE_PROGRAM_ID", ""),
		ClusterOffset: getEnvInt("MPC_CLUSTER_OFFSET", 456),

		ShutdownTimeout: getEnvDuration("CRANK_SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if fb := getEnv("CRANK_RPC_FALLBACK", ""); fb != "" {
		for _, u := range strings.Split(fb, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				cfg.RPCFallback = append(cfg.RPCFallback, u)
			}
		}
	}

	if err := cfg.clamp(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) clamp() error {
	if c.PollingIntervalMs < 1000 || c.PollingIntervalMs > 60000 {
		return fmt.Errorf("CRANK_POLLING_INTERVAL_MS must be between 1000 and 60000, got %d", c.PollingIntervalMs)
	}
	if c.MaxConcurrentMatch < 1 || c.MaxConcurrentMatch > 20 {
		return fmt.Errorf("CRANK_MAX_CONCURRENT_MATCHES must be between 1 and 20, got %d", c.MaxConcurrentMatch)
	}
	if c.MPCTimeoutMs < 30000 || c.MPCTimeoutMs > 300000 {
		return fmt.Errorf("MPC_TIMEOUT_MS must be between 30000 and 300000, got %d", c.MPCTimeoutMs)
	}
	if c.MPCCallbackTimeoutMs < 10000 || c.MPCCallbackTimeoutMs > 60000 {
		return fmt.Errorf("MPC_CALLBACK_TIMEOUT_MS must be between 10000 and 60000, got %d", c.MPCCallbackTimeoutMs)
	}
	return nil
}

// validate applies the production environment checks of §6: in production,
// ADMIN_API_KEY (at least 16 characters), an RPC endpoint, and
// CRANK_PROGRAM_ID are required, and the dev placeholder key is rejected
// outright. CRANK_MXE_PROGRAM_ID is not checked.
func (c *Config) validate() error {
	if c.NodeEnv != "production" {
		return nil
	}
	if c.AdminAPIKey == "" || c.AdminAPIKey == devPlaceholderAPIKey {
		return fmt.Errorf("ADMIN_API_KEY is required in production and must not be the development placeholder")
	}
	if len(c.AdminAPIKey) < 16 {
		return fmt.Errorf("ADMIN_API_KEY must be at least 16 characters in production")
	}
	if c.RPCPrimary == "" && c.RPCURL == "" {
		return fmt.Errorf("CRANK_RPC_PRIMARY or RPC_URL is required in production")
	}
	if c.ProgramID == "" {
		return fmt.Errorf("CRANK_PROGRAM_ID is required in production")
	}
	return nil
}

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
