// Package config loads service configuration from the environment, plus
// optional per-tenant YAML profiles for verification policy.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port                string
	LogLevel            string
	DatabaseURL         string
	KeystorePath        string
	RedisAddr           string
	OTLPEndpoint        string
	AuthSecret          string
	ProfileDir          string
	RequiredVerifiers   int
	VerificationTimeout time.Duration
	SweepInterval       time.Duration
	IntegrityInterval   time.Duration
}

// Load reads configuration from environment variables with local-dev
// defaults.
func Load() *Config {
	return &Config{
		Port:                getenv("PORT", "8080"),
		LogLevel:            getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:         getenv("DATABASE_URL", "caseledger.db"),
		KeystorePath:        getenv("KEYSTORE_PATH", "data/keys/ledger.json"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
		AuthSecret:          getenv("AUTH_SECRET", "dev-only-secret"),
		ProfileDir:          os.Getenv("TENANT_PROFILE_DIR"),
		RequiredVerifiers:   getenvInt("REQUIRED_VERIFIERS", 2),
		VerificationTimeout: getenvDuration("VERIFICATION_TIMEOUT", 7*24*time.Hour),
		SweepInterval:       getenvDuration("SWEEP_INTERVAL", time.Hour),
		IntegrityInterval:   getenvDuration("INTEGRITY_INTERVAL", 6*time.Hour),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
