package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Scope selects how an identifier is normalized.
type Scope string

const (
	ScopeIP    Scope = "ip"
	ScopeEmail Scope = "email"
)

var (
	// ErrRateLimited is the kind of every denial returned as an error.
	ErrRateLimited = errors.New("rate limited")

	ErrInvalidRule       = errors.New("invalid rate limit rule")
	ErrInvalidIdentifier = errors.New("invalid rate limit identifier")

	// ErrStoreUnavailable wraps counter backend failures.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// Rule declares one quota.
type Rule struct {
	Name   string
	Scope  Scope
	Window time.Duration
	Limit  int
}

// Validate checks the rule is usable.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	if r.Scope != ScopeIP && r.Scope != ScopeEmail {
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidRule, r.Scope)
	}
	if r.Window < time.Millisecond {
		return fmt.Errorf("%w: window too small", ErrInvalidRule)
	}
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidRule)
	}
	return nil
}

// Decision is the outcome of one Enforce call.
type Decision struct {
	Rule       string
	Allowed    bool
	Count      int
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// LimitError reports a denied request together with its back-off hint.
type LimitError struct {
	Rule       string
	RetryAfter time.Duration
}

func (e LimitError) Error() string {
	return fmt.Sprintf("%s: %s: retry after %s", ErrRateLimited, e.Rule, e.RetryAfter)
}

func (e LimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds the back-off up to whole seconds (min 1), as sent in Retry-After.
func RetryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// NormalizeIdentifier applies the scope's canonicalization.
func NormalizeIdentifier(scope Scope, v string) string {
	switch scope {
	case ScopeEmail:
		return strings.ToLower(strings.TrimSpace(v))
	default:
		return v
	}
}

// windowBucket returns the bucket index for now and the instant the bucket ends.
func windowBucket(now time.Time, window time.Duration) (int64, time.Time) {
	w := window.Milliseconds()
	ms := now.UnixMilli()
	bucket := ms / w
	if ms < 0 && ms%w != 0 {
		bucket--
	}
	return bucket, time.UnixMilli((bucket + 1) * w).UTC()
}
