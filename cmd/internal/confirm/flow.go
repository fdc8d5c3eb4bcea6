// Package confirm turns a confirmation link into a terminal page state.
//
// The record state machine lives in the waitlist repository; this package only
// verifies the token and picks the transition.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/metrics"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist"
	"github.com/louhenhq/louhen-landing-sub000/cmd/security/token"
)

// State is what the confirmation page shows.
type State string

const (
	StateSuccess State = "success"
	StateAlready State = "already"
	StateExpired State = "expired"
	StateInvalid State = "invalid"
)

var ErrInvalidConfig = errors.New("invalid confirm flow config")

// Codec is the token hashing the flow depends on.
type Codec interface {
	LookupHash(tok string) (string, error)
	Verify(tok, hash, salt string) bool
}

// Share is the referral payload shown after a confirmation.
type Share struct {
	ReferralCode string
	ShareURL     string
}

// Result is the outcome of one confirmation attempt.
type Result struct {
	State State
	// Share is set for success and already.
	Share    *Share
	RecordID string
}

// Flow verifies confirmation tokens.
type Flow struct {
	repo      waitlist.Repository
	codec     Codec
	shareBase *url.URL
	log       *slog.Logger
	now       func() time.Time
}

// Option configures the Flow.
type Option func(*Flow) error

// WithShareBaseURL sets the public URL referral links are built on.
func WithShareBaseURL(raw string) Option {
	return func(f *Flow) error {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			f.shareBase = nil
			return nil
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: share base url %q", ErrInvalidConfig, raw)
		}
		f.shareBase = u
		return nil
	}
}

// WithLogger sets the flow logger.
func WithLogger(log *slog.Logger) Option {
	return func(f *Flow) error {
		if log == nil {
			return ErrInvalidConfig
		}
		f.log = log
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Flow) error {
		if now == nil {
			return ErrInvalidConfig
		}
		f.now = now
		return nil
	}
}

// NewFlow constructs a Flow.
func NewFlow(repo waitlist.Repository, codec Codec, opts ...Option) (*Flow, error) {
	if repo == nil || codec == nil {
		return nil, ErrInvalidConfig
	}
	f := &Flow{
		repo:  repo,
		codec: codec,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Confirm resolves raw to a State. Errors are internal failures only; every
// client-side problem maps to StateInvalid.
func (f *Flow) Confirm(ctx context.Context, raw string) (Result, error) {
	res, err := f.confirm(ctx, strings.TrimSpace(raw))
	if err != nil {
		return Result{}, err
	}
	metrics.ObserveConfirmation(string(res.State))
	return res, nil
}

func (f *Flow) confirm(ctx context.Context, tok string) (Result, error) {
	if token.CheckShape(tok) != nil {
		return Result{State: StateInvalid}, nil
	}
	lookup, err := f.codec.LookupHash(tok)
	if err != nil {
		return Result{State: StateInvalid}, nil
	}

	rec, err := f.repo.FindByTokenHash(ctx, lookup)
	switch {
	case err == nil:
		if rec.ConfirmTokenHash == nil || rec.ConfirmSalt == nil ||
			!f.codec.Verify(tok, *rec.ConfirmTokenHash, *rec.ConfirmSalt) {
			f.log.Warn("waitlist.confirm.verify.mismatch", "record_id", rec.ID)
			return Result{State: StateInvalid}, nil
		}
	case errors.Is(err, waitlist.ErrNotFound):
		// A consumed token is still recognised by the repository's tombstone.
	default:
		return Result{}, fmt.Errorf("find by token: %w", err)
	}

	now := f.now()
	out, rec, err := f.repo.MarkConfirmedByTokenHash(ctx, lookup, now)
	if err != nil {
		return Result{}, fmt.Errorf("mark confirmed: %w", err)
	}

	switch out {
	case waitlist.OutcomeConfirmed:
		f.log.Info("waitlist.confirm.success", "record_id", rec.ID)
		return Result{State: StateSuccess, Share: f.share(rec), RecordID: rec.ID}, nil
	case waitlist.OutcomeAlready:
		return Result{State: StateAlready, Share: f.share(rec), RecordID: rec.ID}, nil
	case waitlist.OutcomeExpired:
		exp, err := f.repo.MarkExpiredByTokenHash(ctx, lookup, now)
		if err != nil {
			return Result{}, fmt.Errorf("mark expired: %w", err)
		}
		if exp == waitlist.OutcomeAlready {
			return Result{State: StateAlready, Share: f.share(rec), RecordID: rec.ID}, nil
		}
		if exp == waitlist.OutcomeExpired && rec.Status == waitlist.StatusPending {
			f.log.Info("waitlist.confirm.expired", "record_id", rec.ID)
		}
		return Result{State: StateExpired, RecordID: rec.ID}, nil
	default:
		return Result{State: StateInvalid}, nil
	}
}

func (f *Flow) share(rec waitlist.Record) *Share {
	if rec.ReferralCode == "" {
		return nil
	}
	s := &Share{ReferralCode: rec.ReferralCode}
	if f.shareBase != nil {
		u := *f.shareBase
		q := u.Query()
		q.Set("ref", rec.ReferralCode)
		u.RawQuery = q.Encode()
		s.ShareURL = u.String()
	}
	return s
}
