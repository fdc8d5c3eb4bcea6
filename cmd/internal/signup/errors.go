package signup

import (
	"errors"
	"fmt"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
)

var (
	ErrInvalidEmail  = errors.New("invalid email")
	ErrCaptchaFailed = errors.New("captcha failed")
	ErrInvalidConfig = errors.New("invalid signup config")

	// ErrRateLimited is shared with the ratelimit package so either sentinel matches.
	ErrRateLimited = ratelimit.ErrRateLimited
)

// RateLimitedError reports which rule refused the request.
type RateLimitedError struct {
	Rule       string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %s", e.Rule, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds is the Retry-After header value.
func (e *RateLimitedError) RetryAfterSeconds() int64 {
	return ratelimit.RetryAfterSeconds(e.RetryAfter)
}
