// Package captcha verifies challenge tokens submitted with resend requests.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

var (
	ErrInvalidConfig = errors.New("invalid captcha config")
	// ErrUnavailable wraps transport and provider failures.
	ErrUnavailable = errors.New("captcha provider unavailable")
)

const (
	defaultTimeout   = 5 * time.Second
	maxResponseBytes = 64 << 10
)

// Result is the provider's verdict.
type Result struct {
	Success    bool
	ErrorCodes []string
}

// Verifier checks a captcha token for the given client IP.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (Result, error)
}

// NoopVerifier accepts every token. It is the default when no secret is configured.
type NoopVerifier struct{}

func (NoopVerifier) Verify(context.Context, string, string) (Result, error) {
	return Result{Success: true}, nil
}

// SiteverifyConfig configures SiteverifyVerifier.
type SiteverifyConfig struct {
	// Endpoint is a reCAPTCHA/hCaptcha/Turnstile compatible siteverify URL.
	Endpoint string
	Secret   string
	Timeout  time.Duration
	// RetryMax bounds retries on transport errors and 5xx responses.
	RetryMax int
	Logger   *slog.Logger
}

// SiteverifyVerifier posts tokens to a siteverify endpoint.
type SiteverifyVerifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

// NewSiteverifyVerifier validates cfg and constructs a SiteverifyVerifier.
func NewSiteverifyVerifier(cfg SiteverifyConfig) (*SiteverifyVerifier, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Secret = strings.TrimSpace(cfg.Secret)
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidConfig)
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q", ErrInvalidConfig, cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	if cfg.Logger != nil {
		rc.Logger = cfg.Logger
	} else {
		rc.Logger = nil
	}

	return &SiteverifyVerifier{
		endpoint: u.String(),
		secret:   cfg.Secret,
		client:   rc.StandardClient(),
	}, nil
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

func (v *SiteverifyVerifier) Verify(ctx context.Context, token, remoteIP string) (Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Result{ErrorCodes: []string{"missing-input-response"}}, nil
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return Result{Success: out.Success, ErrorCodes: out.ErrorCodes}, nil
}
