package app

import (
	"strings"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/captcha"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/mailer"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/pgutil"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/signup"
	waitlistapi "github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist/api"
)

// Rate limit backends selectable through WAITLIST_RATE_LIMIT_BACKEND.
const (
	BackendAuto     = "auto"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	RedisURL         string
	RateLimitBackend string
	RateLimitSecret  string
	// SweepInterval controls how often expired counters are purged.
	SweepInterval    time.Duration

	// Security policy:
	// If true, WAITLIST_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and token lookups must be HMAC-based.
	RequireTokenHMAC bool

	ConfirmTTL    time.Duration
	PublicBaseURL string
	ConfirmURL    string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	API     waitlistapi.Config
	SMTP    mailer.SMTPConfig
	Captcha captcha.SiteverifyConfig
	Rules   signup.Rules
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:  EnvString("WAITLIST_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WAITLIST_LOG_LEVEL", "info"),
		LogFormat: EnvString("WAITLIST_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WAITLIST_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WAITLIST_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WAITLIST_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WAITLIST_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("WAITLIST_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("WAITLIST_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("WAITLIST_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("WAITLIST_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("WAITLIST_DB_SCHEMA", pgutil.DefaultSchema),
		DBAutoMigrate: EnvBool("WAITLIST_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("WAITLIST_READINESS_REQUIRE_DB", false),

		RedisURL:         EnvString("WAITLIST_REDIS_URL", ""),
		RateLimitBackend: strings.ToLower(EnvString("WAITLIST_RATE_LIMIT_BACKEND", BackendAuto)),
		RateLimitSecret:  EnvString("WAITLIST_RATE_LIMIT_SECRET", ""),
		SweepInterval:    EnvDuration("WAITLIST_RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),

		ConfirmTTL: EnvDuration("WAITLIST_CONFIRM_TTL", 72*time.Hour),

		CORSAllowedOrigins:   EnvList("WAITLIST_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("WAITLIST_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("WAITLIST_CORS_MAX_AGE_SECONDS", 600),

		API: waitlistapi.LoadConfigFromEnv(),

		SMTP: mailer.SMTPConfig{
			Host:     EnvString("WAITLIST_SMTP_HOST", ""),
			Port:     EnvInt("WAITLIST_SMTP_PORT", 587),
			Username: EnvString("WAITLIST_SMTP_USERNAME", ""),
			Password: EnvString("WAITLIST_SMTP_PASSWORD", ""),
			From:     EnvString("WAITLIST_SMTP_FROM", ""),
			FromName: EnvString("WAITLIST_SMTP_FROM_NAME", ""),
		},

		Captcha: captcha.SiteverifyConfig{
			Endpoint: EnvString("WAITLIST_CAPTCHA_ENDPOINT", "https://challenges.cloudflare.com/turnstile/v0/siteverify"),
			Secret:   EnvString("WAITLIST_CAPTCHA_SECRET", ""),
			Timeout:  EnvDuration("WAITLIST_CAPTCHA_TIMEOUT", 5*time.Second),
			RetryMax: EnvInt("WAITLIST_CAPTCHA_RETRY_MAX", 2),
		},

		Rules: LoadRules(signup.DefaultRules()),
	}

	// A configured database means a deployed instance: keyed token hashing is the default there.
	cfg.RequireTokenHMAC = EnvBool("WAITLIST_REQUIRE_TOKEN_HMAC", cfg.DatabaseURL != "")

	cfg.PublicBaseURL = strings.TrimRight(EnvString("WAITLIST_PUBLIC_BASE_URL", runtimeBaseURL(cfg.HTTPAddr)), "/")
	cfg.ConfirmURL = EnvString("WAITLIST_CONFIRM_URL", cfg.PublicBaseURL+"/waitlist/confirm")
	return cfg
}

// LoadRules overlays WAITLIST_RL_<RULE>_LIMIT and WAITLIST_RL_<RULE>_WINDOW onto defaults.
func LoadRules(defaults signup.Rules) signup.Rules {
	out := defaults
	for _, r := range []*ratelimit.Rule{
		&out.SignupIP, &out.SignupEmail,
		&out.ResendIP, &out.ResendEmail,
		&out.DraftIP, &out.ReferralIP,
	} {
		prefix := "WAITLIST_RL_" + strings.ToUpper(r.Name)
		r.Limit = EnvInt(prefix+"_LIMIT", r.Limit)
		r.Window = EnvDuration(prefix+"_WINDOW", r.Window)
	}
	return out
}

// SMTPEnabled reports whether an SMTP relay is configured.
func (c Config) SMTPEnabled() bool { return strings.TrimSpace(c.SMTP.Host) != "" }

// CaptchaEnabled reports whether resend requests are checked against a siteverify endpoint.
func (c Config) CaptchaEnabled() bool { return strings.TrimSpace(c.Captcha.Secret) != "" }

// ResolvedRateLimitBackend maps "auto" to redis, then postgres, then memory,
// depending on which connections are configured.
func (c Config) ResolvedRateLimitBackend() string {
	if c.RateLimitBackend != "" && c.RateLimitBackend != BackendAuto {
		return c.RateLimitBackend
	}
	switch {
	case c.RedisURL != "":
		return BackendRedis
	case c.DatabaseURL != "":
		return BackendPostgres
	default:
		return BackendMemory
	}
}
