// Package referral credits referrers and records why a referral was refused.
//
// Unknown codes are refused silently so callers cannot probe which codes exist.
// Every decision, accepted or not, is appended to an EventStore.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ids"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/metrics"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist"
)

const maxStoredCodeLen = 64

// Referrers is the narrow slice of the waitlist repository the guard may touch.
type Referrers interface {
	FindByReferralCode(ctx context.Context, code string) (waitlist.Record, error)
	IncrementReferralCount(ctx context.Context, id string) (int, error)
}

// Limiter enforces the per-IP referral cap.
type Limiter interface {
	Enforce(ctx context.Context, rule ratelimit.Rule, identifier string, now time.Time) (ratelimit.Decision, error)
	IdentifierHash(scope ratelimit.Scope, identifier string) string
}

// ApplyInput describes a signup that carried a referral code.
type ApplyInput struct {
	Code         string
	RefereeID    string
	RefereeEmail string
	IP           string
	// Created is true when the signup created the referee's record.
	Created bool
	Now     time.Time
}

// Result is what the signup flow learns about a referral.
type Result struct {
	Accepted bool
	Reason   Reason
	// RateLimited is set when the per-IP cap refused the credit.
	RateLimited bool
	// ReferrerCount is the referrer's credit total after an accepted referral.
	ReferrerCount int
}

// Guard decides whether a referral earns a credit.
type Guard struct {
	referrers Referrers
	events    EventStore
	limiter   Limiter
	rule      ratelimit.Rule
	log       *slog.Logger
}

// Option configures the Guard.
type Option func(*Guard) error

// WithLogger sets the logger used for event-append failures.
func WithLogger(log *slog.Logger) Option {
	return func(g *Guard) error {
		if log == nil {
			return ErrInvalidInput
		}
		g.log = log
		return nil
	}
}

// NewGuard constructs a Guard. rule is the per-IP referral cap.
func NewGuard(referrers Referrers, events EventStore, limiter Limiter, rule ratelimit.Rule, opts ...Option) (*Guard, error) {
	if referrers == nil || events == nil || limiter == nil {
		return nil, ErrInvalidInput
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.Scope != ratelimit.ScopeIP {
		return nil, fmt.Errorf("%w: referral cap must be ip scoped", ratelimit.ErrInvalidRule)
	}
	g := &Guard{
		referrers: referrers,
		events:    events,
		limiter:   limiter,
		rule:      rule,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Apply evaluates one referral. The signup itself never depends on the result; an
// error means the decision could not be made or recorded.
func (g *Guard) Apply(ctx context.Context, in ApplyInput) (Result, error) {
	if strings.TrimSpace(in.RefereeID) == "" {
		return Result{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	ev := Event{
		RefereeID: in.RefereeID,
		Code:      storedCode(in.Code),
		CreatedAt: in.Now.UTC(),
	}
	if ip := strings.TrimSpace(in.IP); ip != "" {
		h := g.limiter.IdentifierHash(ratelimit.ScopeIP, ip)
		ev.IPHash = &h
	}
	if ev.Code == "" {
		return Result{Reason: ReasonUnknownCode}, nil
	}

	referrer, err := g.referrers.FindByReferralCode(ctx, in.Code)
	if errors.Is(err, waitlist.ErrNotFound) {
		return g.block(ctx, ev, ReasonUnknownCode, false)
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve referral code: %w", err)
	}
	ev.Code = referrer.ReferralCode
	ev.ReferrerID = &referrer.ID

	switch {
	case referrer.ID == in.RefereeID || referrer.EmailNormalized == waitlist.NormalizeEmail(in.RefereeEmail):
		return g.block(ctx, ev, ReasonSelf, false)
	case !in.Created:
		return g.block(ctx, ev, ReasonDuplicate, false)
	}

	if strings.TrimSpace(in.IP) != "" {
		d, err := g.limiter.Enforce(ctx, g.rule, in.IP, in.Now)
		if err != nil {
			return Result{}, fmt.Errorf("referral ip cap: %w", err)
		}
		if !d.Allowed {
			return g.block(ctx, ev, ReasonIPCap, true)
		}
	}

	n, err := g.referrers.IncrementReferralCount(ctx, referrer.ID)
	if err != nil {
		return Result{}, fmt.Errorf("credit referrer %s: %w", referrer.ID, err)
	}
	ev.Type = TypeCredit
	if err := g.append(ctx, ev); err != nil {
		return Result{Accepted: true, ReferrerCount: n}, err
	}
	return Result{Accepted: true, ReferrerCount: n}, nil
}

func (g *Guard) block(ctx context.Context, ev Event, reason Reason, rateLimited bool) (Result, error) {
	ev.Type = TypeBlocked
	ev.Reason = reason
	res := Result{Reason: reason, RateLimited: rateLimited}
	return res, g.append(ctx, ev)
}

func (g *Guard) append(ctx context.Context, ev Event) error {
	id, err := ids.NewULID(ev.CreatedAt)
	if err != nil {
		return err
	}
	ev.ID = id

	if err := g.events.Append(ctx, ev); err != nil {
		g.log.Error("referral.event.append.fail",
			"type", string(ev.Type),
			"reason", string(ev.Reason),
			"referee_id", ev.RefereeID,
			"err", err,
		)
		return fmt.Errorf("append referral event: %w", err)
	}
	metrics.ObserveReferral(string(ev.Type), string(ev.Reason))
	return nil
}

func storedCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) > maxStoredCodeLen {
		code = strings.ToValidUTF8(code[:maxStoredCodeLen], "")
	}
	return code
}
