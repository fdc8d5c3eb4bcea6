// Package signup orchestrates waitlist signups, resends and draft saves.
//
// A signup passes admission control, mints a confirmation token, upserts the
// pending record, mails the link and finally lets the referral guard look at any
// code the visitor arrived with. Only the first three steps can fail the request.
package signup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/captcha"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/mailer"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/metrics"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/referral"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist"
	"github.com/louhenhq/louhen-landing-sub000/cmd/security/token"
)

const (
	// CodeReferralRateLimit marks a successful signup whose referral hit the per-IP cap.
	CodeReferralRateLimit = "referral_rate_limit"

	defaultConfirmTTL = 72 * time.Hour
	maxLocaleLen      = 35
	maxRefLen         = 64
	maxUTMFieldLen    = 128
)

var validate = validator.New()

// Limiter is the admission control the Service needs.
type Limiter interface {
	Enforce(ctx context.Context, rule ratelimit.Rule, identifier string, now time.Time) (ratelimit.Decision, error)
}

// TokenCodec mints and hashes confirmation tokens.
type TokenCodec interface {
	Generate() (string, error)
	Hash(tok string) (token.Hashed, error)
}

// ReferralApplier credits referrers.
type ReferralApplier interface {
	Apply(ctx context.Context, in referral.ApplyInput) (referral.Result, error)
}

// Deps are the collaborators of a Service. Mailer, Captcha and Referrals are optional.
type Deps struct {
	Repo      waitlist.Repository
	Limiter   Limiter
	Codec     TokenCodec
	Mailer    mailer.Sender
	Captcha   captcha.Verifier
	Referrals ReferralApplier
	Logger    *slog.Logger
	Now       func() time.Time
}

// Config tunes a Service.
type Config struct {
	// ConfirmURL is the public confirmation endpoint; the token is added as ?token=.
	ConfirmURL string
	ConfirmTTL time.Duration
	Rules      Rules
}

// Service runs signup flows.
type Service struct {
	repo      waitlist.Repository
	limiter   Limiter
	codec     TokenCodec
	mailer    mailer.Sender
	captcha   captcha.Verifier
	referrals ReferralApplier
	log       *slog.Logger
	now       func() time.Time

	confirmURL *url.URL
	ttl        time.Duration
	rules      Rules
}

// NewService validates deps and cfg and constructs a Service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Repo == nil || deps.Limiter == nil || deps.Codec == nil {
		return nil, fmt.Errorf("%w: repo, limiter and codec are required", ErrInvalidConfig)
	}
	u, err := url.Parse(strings.TrimSpace(cfg.ConfirmURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: confirm url %q", ErrInvalidConfig, cfg.ConfirmURL)
	}
	if cfg.ConfirmTTL <= 0 {
		cfg.ConfirmTTL = defaultConfirmTTL
	}
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		repo:       deps.Repo,
		limiter:    deps.Limiter,
		codec:      deps.Codec,
		mailer:     deps.Mailer,
		captcha:    deps.Captcha,
		referrals:  deps.Referrals,
		log:        deps.Logger,
		now:        deps.Now,
		confirmURL: u,
		ttl:        cfg.ConfirmTTL,
		rules:      cfg.Rules,
	}
	if s.mailer == nil {
		s.mailer = mailer.NoopSender{}
	}
	if s.captcha == nil {
		s.captcha = captcha.NoopVerifier{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// SignupInput is one signup submission.
type SignupInput struct {
	Email   string
	Consent bool
	Locale  string
	Ref     string
	UTM     *waitlist.UTM
	IP      string
}

// SignupResult is what the client learns about a signup.
type SignupResult struct {
	Status  waitlist.Status
	Created bool
	// RefAccepted is nil when no referral code was supplied or it could not be evaluated.
	RefAccepted *bool
	Code        string
}

// Signup runs the full signup flow.
func (s *Service) Signup(ctx context.Context, in SignupInput) (SignupResult, error) {
	email, err := validEmail(in.Email)
	if err != nil {
		return SignupResult{}, err
	}
	now := s.now()

	if err := s.admit(ctx, now, s.rules.SignupIP, in.IP, s.rules.SignupEmail, email); err != nil {
		return SignupResult{}, err
	}

	tok, hashed, err := s.mint()
	if err != nil {
		return SignupResult{}, err
	}
	res, err := s.repo.UpsertPending(ctx, waitlist.UpsertPendingInput{
		Email:      email,
		TokenHash:  hashed.Hash,
		LookupHash: hashed.LookupHash,
		Salt:       hashed.Salt,
		ExpiresAt:  now.Add(s.ttl),
		Consent:    in.Consent,
		Locale:     bounded(in.Locale, maxLocaleLen),
		Ref:        bounded(in.Ref, maxRefLen),
		UTM:        clipUTM(in.UTM),
		Now:        now,
	})
	if err != nil {
		s.log.Error("waitlist.signup.upsert.fail", "err", err)
		return SignupResult{}, fmt.Errorf("upsert pending: %w", err)
	}
	metrics.ObserveSignup(string(res.Status), res.Created)

	if res.TokenIssued {
		s.sendConfirmation(ctx, res.ID, email, in.Locale, tok)
	}

	out := SignupResult{Status: res.Status, Created: res.Created}
	if ref := strings.TrimSpace(in.Ref); ref != "" && s.referrals != nil {
		rr, err := s.referrals.Apply(ctx, referral.ApplyInput{
			Code:         ref,
			RefereeID:    res.ID,
			RefereeEmail: email,
			IP:           in.IP,
			Created:      res.Created,
			Now:          now,
		})
		if err != nil {
			s.log.Warn("waitlist.signup.referral.fail", "record_id", res.ID, "err", err)
			return out, nil
		}
		accepted := rr.Accepted
		out.RefAccepted = &accepted
		if rr.RateLimited {
			out.Code = CodeReferralRateLimit
		}
	}
	return out, nil
}

// ResendInput is a request for a fresh confirmation link.
type ResendInput struct {
	Email        string
	CaptchaToken string
	IP           string
}

// Resend issues a new token to a pending or expired record. It succeeds silently
// for unknown and confirmed addresses so callers cannot enumerate signups.
func (s *Service) Resend(ctx context.Context, in ResendInput) error {
	cr, err := s.captcha.Verify(ctx, in.CaptchaToken, in.IP)
	if err != nil {
		return fmt.Errorf("captcha verify: %w", err)
	}
	if !cr.Success {
		return ErrCaptchaFailed
	}
	email, err := validEmail(in.Email)
	if err != nil {
		return err
	}
	now := s.now()

	if err := s.admit(ctx, now, s.rules.ResendIP, in.IP, s.rules.ResendEmail, email); err != nil {
		return err
	}

	rec, err := s.repo.FindByEmail(ctx, email)
	if errors.Is(err, waitlist.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find by email: %w", err)
	}
	if rec.Status == waitlist.StatusConfirmed {
		return nil
	}

	tok, hashed, err := s.mint()
	if err != nil {
		return err
	}
	res, err := s.repo.UpsertPending(ctx, waitlist.UpsertPendingInput{
		Email:      rec.Email,
		TokenHash:  hashed.Hash,
		LookupHash: hashed.LookupHash,
		Salt:       hashed.Salt,
		ExpiresAt:  now.Add(s.ttl),
		Consent:    rec.Consent.Granted,
		Now:        now,
	})
	if err != nil {
		s.log.Error("waitlist.resend.upsert.fail", "record_id", rec.ID, "err", err)
		return fmt.Errorf("upsert pending: %w", err)
	}
	if res.TokenIssued {
		locale := ""
		if rec.Locale != nil {
			locale = *rec.Locale
		}
		s.sendConfirmation(ctx, res.ID, rec.Email, locale, tok)
	}
	return nil
}

// DraftInput is a pre-onboarding draft save.
type DraftInput struct {
	Email string
	Draft waitlist.Draft
	IP    string
}

// SaveDraft stores a draft. Only rate limiting fails the call; every other problem
// is logged and swallowed.
func (s *Service) SaveDraft(ctx context.Context, in DraftInput) error {
	now := s.now()
	if ip := strings.TrimSpace(in.IP); ip != "" {
		if err := s.enforce(ctx, now, s.rules.DraftIP, ip); err != nil {
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				return err
			}
			s.log.Warn("waitlist.draft.ratelimit.fail", "err", err)
		}
	}

	email, err := validEmail(in.Email)
	if err != nil {
		return nil
	}
	if err := s.repo.SaveDraft(ctx, email, in.Draft, now); err != nil && !errors.Is(err, waitlist.ErrNotFound) {
		s.log.Warn("waitlist.draft.save.fail", "err", err)
	}
	return nil
}

// admit enforces an IP rule (when the IP is known) and then an email rule.
func (s *Service) admit(ctx context.Context, now time.Time, ipRule ratelimit.Rule, ip string, emailRule ratelimit.Rule, email string) error {
	if ip = strings.TrimSpace(ip); ip != "" {
		if err := s.enforce(ctx, now, ipRule, ip); err != nil {
			return err
		}
	}
	return s.enforce(ctx, now, emailRule, email)
}

func (s *Service) enforce(ctx context.Context, now time.Time, rule ratelimit.Rule, id string) error {
	d, err := s.limiter.Enforce(ctx, rule, id, now)
	if err != nil {
		s.log.Error("waitlist.ratelimit.fail", "rule", rule.Name, "err", err)
		return fmt.Errorf("rate limit %s: %w", rule.Name, err)
	}
	if !d.Allowed {
		s.log.Info("waitlist.ratelimit.deny", "rule", rule.Name, "retry_after_ms", d.RetryAfter.Milliseconds())
		return &RateLimitedError{Rule: rule.Name, RetryAfter: d.RetryAfter}
	}
	return nil
}

func (s *Service) mint() (string, token.Hashed, error) {
	tok, err := s.codec.Generate()
	if err != nil {
		return "", token.Hashed{}, fmt.Errorf("generate token: %w", err)
	}
	h, err := s.codec.Hash(tok)
	if err != nil {
		return "", token.Hashed{}, fmt.Errorf("hash token: %w", err)
	}
	return tok, h, nil
}

// sendConfirmation mails the link. Failures are logged, never returned: the
// record is already pending and the visitor can ask for a resend.
func (s *Service) sendConfirmation(ctx context.Context, recordID, email, locale, tok string) {
	u := *s.confirmURL
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()

	err := s.mailer.SendConfirmationEmail(ctx, mailer.ConfirmationEmail{
		Email:      email,
		Locale:     strings.TrimSpace(locale),
		ConfirmURL: u.String(),
	})
	if err != nil {
		metrics.EmailSendFailures.Inc()
		s.log.Error("waitlist.email.send.fail", "record_id", recordID, "err", err)
	}
}

func validEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if err := validate.Var(email, "required,email,max=254"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// bounded drops values longer than n instead of truncating them.
func bounded(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return ""
	}
	return s
}

func clipUTM(u *waitlist.UTM) *waitlist.UTM {
	if u.IsZero() {
		return nil
	}
	return &waitlist.UTM{
		Source:   bounded(u.Source, maxUTMFieldLen),
		Medium:   bounded(u.Medium, maxUTMFieldLen),
		Campaign: bounded(u.Campaign, maxUTMFieldLen),
		Term:     bounded(u.Term, maxUTMFieldLen),
		Content:  bounded(u.Content, maxUTMFieldLen),
	}
}
