package waitlistapi

import (
	"os"
	"strconv"
	"strings"
)

const defaultMaxBodyBytes = 64 << 10

// Config controls HTTP-level behaviour of the waitlist endpoints.
type Config struct {
	// TrustProxy makes client IP resolution honour X-Forwarded-For / X-Real-IP.
	TrustProxy   bool
	MaxBodyBytes int64
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:   envBool("WAITLIST_TRUST_PROXY", false),
		MaxBodyBytes: envInt64("WAITLIST_MAX_BODY_BYTES", defaultMaxBodyBytes),
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
