package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/metrics"
	"github.com/louhenhq/louhen-landing-sub000/cmd/security/token"
)

const minSecretBytes = 16

// Limiter enforces Rules against a CounterStore.
type Limiter struct {
	store  CounterStore
	secret []byte
}

// New constructs a Limiter. The secret keys identifier hashing.
func New(store CounterStore, secret []byte) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("ratelimit: secret must be at least %d bytes", minSecretBytes)
	}
	return &Limiter{store: store, secret: append([]byte(nil), secret...)}, nil
}

// Enforce counts one request for identifier under rule and reports the decision.
func (l *Limiter) Enforce(ctx context.Context, rule Rule, identifier string, now time.Time) (Decision, error) {
	if err := rule.Validate(); err != nil {
		return Decision{}, err
	}
	id := NormalizeIdentifier(rule.Scope, identifier)
	if id == "" {
		return Decision{}, ErrInvalidIdentifier
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	key, expiresAt := l.counterKey(rule, id, now)
	c, err := l.store.Increment(ctx, key, rule.Limit, expiresAt, now)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, rule.Name, err)
	}

	d := decide(rule, c, now)
	metrics.ObserveRateLimit(rule.Name, d.Allowed)
	return d, nil
}

// Allow is Enforce for callers that only need a go/no-go. Denials come back as LimitError.
func (l *Limiter) Allow(ctx context.Context, rule Rule, identifier string, now time.Time) (Decision, error) {
	d, err := l.Enforce(ctx, rule, identifier, now)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		return d, LimitError{Rule: rule.Name, RetryAfter: d.RetryAfter}
	}
	return d, nil
}

// IdentifierHash returns the storage form of identifier under scope.
func (l *Limiter) IdentifierHash(scope Scope, identifier string) string {
	return token.HashHMACSHA256Hex(string(scope)+":"+NormalizeIdentifier(scope, identifier), l.secret)
}

func (l *Limiter) counterKey(rule Rule, id string, now time.Time) (string, time.Time) {
	bucket, expiresAt := windowBucket(now, rule.Window)

	var b strings.Builder
	b.WriteString(rule.Name)
	b.WriteByte(':')
	b.WriteString(string(rule.Scope))
	b.WriteByte(':')
	b.WriteString(l.IdentifierHash(rule.Scope, id))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(bucket, 10))
	return b.String(), expiresAt
}

func decide(rule Rule, c Counter, now time.Time) Decision {
	limit := c.Limit
	if limit <= 0 {
		limit = rule.Limit
	}
	retry := c.ExpiresAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	remaining := limit - c.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Rule:       rule.Name,
		Allowed:    c.Count <= limit,
		Count:      c.Count,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: retry,
		ResetAt:    c.ExpiresAt,
	}
}
