package app

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name    string
		require bool
		key     string
		wantErr bool
	}{
		{name: "not required", require: false, key: "", wantErr: false},
		{name: "missing", require: true, key: "", wantErr: true},
		{name: "too short", require: true, key: "short", wantErr: true},
		{name: "ok", require: true, key: "0123456789abcdef0123456789abcdef", wantErr: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("WAITLIST_TOKEN_HMAC_KEY", tc.key)
			err := ValidateSecurityConfig(Config{RequireTokenHMAC: tc.require})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestNewTokenCodecDevMode(t *testing.T) {
	t.Setenv("WAITLIST_TOKEN_HMAC_KEY", "")

	codec, err := newTokenCodec(Config{}, discardLogger())
	if err != nil {
		t.Fatalf("newTokenCodec: %v", err)
	}
	if codec.HMACEnabled() {
		t.Fatalf("expected dev mode without key")
	}

	if _, err := newTokenCodec(Config{RequireTokenHMAC: true}, discardLogger()); err == nil {
		t.Fatalf("expected policy error without key")
	}
}

func TestRateLimitSecretPrecedence(t *testing.T) {
	t.Setenv("WAITLIST_TOKEN_HMAC_KEY", "0123456789abcdef0123456789abcdef")

	got, err := rateLimitSecret(Config{RateLimitSecret: "dedicated-secret-value"}, discardLogger())
	if err != nil || string(got) != "dedicated-secret-value" {
		t.Fatalf("dedicated: %q %v", got, err)
	}
	got, err = rateLimitSecret(Config{RateLimitBackend: BackendRedis}, discardLogger())
	if err != nil || string(got) != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("hmac fallback: %q %v", got, err)
	}

	t.Setenv("WAITLIST_TOKEN_HMAC_KEY", "")
	a, err := rateLimitSecret(Config{}, discardLogger())
	if err != nil || len(a) != 32 {
		t.Fatalf("ephemeral: len=%d err=%v", len(a), err)
	}
	b, _ := rateLimitSecret(Config{}, discardLogger())
	if bytes.Equal(a, b) {
		t.Fatalf("ephemeral secrets must differ")
	}
}

func TestRateLimitSecretRequiredForSharedBackends(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		key     string
		wantErr bool
	}{
		{name: "redis without secret", cfg: Config{RateLimitBackend: BackendRedis}, wantErr: true},
		{name: "postgres without secret", cfg: Config{RateLimitBackend: BackendPostgres}, wantErr: true},
		{name: "auto with database", cfg: Config{DatabaseURL: "postgres://db/waitlist"}, wantErr: true},
		{name: "auto with redis", cfg: Config{RedisURL: "redis://cache:6379"}, wantErr: true},
		{name: "redis with short token key", cfg: Config{RateLimitBackend: BackendRedis}, key: "short", wantErr: true},
		{name: "redis with dedicated secret", cfg: Config{RateLimitBackend: BackendRedis, RateLimitSecret: "shared"}},
		{name: "postgres with token key", cfg: Config{RateLimitBackend: BackendPostgres}, key: "0123456789abcdef0123456789abcdef"},
		{name: "memory without secret", cfg: Config{RateLimitBackend: BackendMemory}, key: "short"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("WAITLIST_TOKEN_HMAC_KEY", tc.key)

			_, err := rateLimitSecret(tc.cfg, discardLogger())
			if (err != nil) != tc.wantErr {
				t.Fatalf("rateLimitSecret err=%v wantErr=%v", err, tc.wantErr)
			}
			if err := ValidateSecurityConfig(tc.cfg); (err != nil) != tc.wantErr {
				t.Fatalf("ValidateSecurityConfig err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestRateLimitSecretWarnsOnShortTokenKey(t *testing.T) {
	t.Setenv("WAITLIST_TOKEN_HMAC_KEY", "short")

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	if _, err := rateLimitSecret(Config{RateLimitBackend: BackendMemory}, log); err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if !strings.Contains(buf.String(), "security.ratelimit_secret.token_key_too_short") {
		t.Fatalf("expected short key warning, got %q", buf.String())
	}
}

func TestNewRejectsSharedBackendWithoutSecret(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("WAITLIST_TOKEN_HMAC_KEY", "")

	cfg := testConfig()
	cfg.RateLimitSecret = ""
	cfg.RateLimitBackend = BackendRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	if a, err := New(context.Background(), cfg, discardLogger()); err == nil {
		a.Close()
		t.Fatalf("expected startup error without a shared rate limit secret")
	}
}

func TestInstancesShareRedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.RateLimitSecret = ""
	cfg.RateLimitBackend = BackendRedis
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.Rules.SignupEmail.Limit = 1

	first := newTestApp(t, cfg)
	second := newTestApp(t, cfg)

	if rec := serve(t, first.Handler(), http.MethodPost, "/waitlist/signup", `{"email":"dana@example.com"}`); rec.Code != http.StatusOK {
		t.Fatalf("first instance status=%d", rec.Code)
	}
	if rec := serve(t, second.Handler(), http.MethodPost, "/waitlist/signup", `{"email":"dana@example.com"}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second instance must see the shared counter, got %d", rec.Code)
	}
}
