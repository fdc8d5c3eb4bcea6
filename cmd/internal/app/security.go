package app

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/louhenhq/louhen-landing-sub000/cmd/security/token"
)

const minTokenHMACKeyBytes = 32

// ValidateSecurityConfig enforces the token hashing policy at startup.
// It fails fast instead of falling back to unkeyed lookups.
func ValidateSecurityConfig(cfg Config) error {
	if err := validateRateLimitSecret(cfg); err != nil {
		return err
	}
	if !cfg.RequireTokenHMAC {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(minTokenHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: WAITLIST_REQUIRE_TOKEN_HMAC=true but WAITLIST_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: WAITLIST_REQUIRE_TOKEN_HMAC=true but WAITLIST_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: WAITLIST_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}

// newTokenCodec builds the codec from WAITLIST_TOKEN_HMAC_KEY. A missing key selects dev mode.
func newTokenCodec(cfg Config, log *slog.Logger) (*token.Codec, error) {
	minBytes := 0
	if cfg.RequireTokenHMAC {
		minBytes = minTokenHMACKeyBytes
	}
	key, err := token.HMACKeyFromEnv(minBytes)
	switch {
	case errors.Is(err, token.ErrHMACKeyMissing):
		log.Warn("security.token_hmac.disabled", "hint", "set WAITLIST_TOKEN_HMAC_KEY in production")
		key = nil
	case err != nil:
		return nil, err
	}

	codec, err := token.NewCodec(key)
	if err != nil {
		return nil, err
	}
	if cfg.RequireTokenHMAC && !codec.HMACEnabled() {
		return nil, errors.New("security policy: token codec is not in HMAC mode")
	}
	return codec, nil
}

// validateRateLimitSecret rejects shared counter stores without a shared hashing secret.
// Each instance would otherwise hash identifiers differently and count them apart.
func validateRateLimitSecret(cfg Config) error {
	if cfg.RateLimitSecret != "" {
		return nil
	}
	backend := cfg.ResolvedRateLimitBackend()
	if backend == BackendMemory {
		return nil
	}
	if _, err := token.HMACKeyFromEnv(minTokenHMACKeyBytes); err != nil {
		return fmt.Errorf("security policy: rate limit backend %q needs WAITLIST_RATE_LIMIT_SECRET or a WAITLIST_TOKEN_HMAC_KEY of at least %d bytes: %w",
			backend, minTokenHMACKeyBytes, err)
	}
	return nil
}

// rateLimitSecret picks the identifier hashing secret: the dedicated key, then the
// token HMAC key. Only the memory backend falls back to a per-process random key.
func rateLimitSecret(cfg Config, log *slog.Logger) ([]byte, error) {
	if cfg.RateLimitSecret != "" {
		return []byte(cfg.RateLimitSecret), nil
	}
	key, err := token.HMACKeyFromEnv(minTokenHMACKeyBytes)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, token.ErrHMACKeyTooShort) {
		log.Warn("security.ratelimit_secret.token_key_too_short", "min_bytes", minTokenHMACKeyBytes)
	}
	if err := validateRateLimitSecret(cfg); err != nil {
		return nil, err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rate limit secret: %w", err)
	}
	log.Warn("security.ratelimit_secret.ephemeral", "hint", "set WAITLIST_RATE_LIMIT_SECRET so counters survive restarts")
	return b, nil
}
