package signup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/captcha"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/mailer"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/referral"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist"
	"github.com/louhenhq/louhen-landing-sub000/cmd/security/token"
)

type captureMailer struct {
	mu   sync.Mutex
	msgs []mailer.ConfirmationEmail
	err  error
}

func (m *captureMailer) SendConfirmationEmail(_ context.Context, msg mailer.ConfirmationEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.err
}

func (m *captureMailer) last(t *testing.T) mailer.ConfirmationEmail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		t.Fatalf("no email sent")
	}
	return m.msgs[len(m.msgs)-1]
}

func (m *captureMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

type stubCaptcha struct {
	res captcha.Result
	err error
}

func (s stubCaptcha) Verify(context.Context, string, string) (captcha.Result, error) {
	return s.res, s.err
}

type harness struct {
	svc    *Service
	repo   *waitlist.MemoryRepository
	mail   *captureMailer
	events *referral.MemoryEventStore
	codec  *token.Codec
	clock  time.Time
}

func newHarness(t *testing.T, rules Rules, verifier captcha.Verifier) *harness {
	t.Helper()

	codec, err := token.NewCodec([]byte("signup-test-hmac-key-0123456789abcdef"),
		token.WithKDFParams(token.KDFParams{Iterations: 1, MemoryKiB: 64, Parallelism: 1, KeyLength: 16}))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(), []byte("signup-test-ratelimit-secret"))
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	h := &harness{
		repo:   waitlist.NewMemoryRepository(),
		mail:   &captureMailer{},
		events: referral.NewMemoryEventStore(),
		codec:  codec,
		clock:  time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	guard, err := referral.NewGuard(h.repo, h.events, limiter, rules.ReferralIP)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	h.svc, err = NewService(Deps{
		Repo:      h.repo,
		Limiter:   limiter,
		Codec:     codec,
		Mailer:    h.mail,
		Captcha:   verifier,
		Referrals: guard,
		Now:       func() time.Time { return h.clock },
	}, Config{
		ConfirmURL: "https://example.com/waitlist/confirm",
		ConfirmTTL: time.Hour,
		Rules:      rules,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return h
}

func tokenFrom(t *testing.T, msg mailer.ConfirmationEmail) string {
	t.Helper()
	u, err := url.Parse(msg.ConfirmURL)
	if err != nil {
		t.Fatalf("parse confirm url: %v", err)
	}
	tok := u.Query().Get("token")
	if tok == "" {
		t.Fatalf("confirm url carries no token")
	}
	return tok
}

func TestSignup_CreatesPendingAndMails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultRules(), nil)
	ctx := context.Background()

	res, err := h.svc.Signup(ctx, SignupInput{
		Email:   " Alice@X.com ",
		Consent: true,
		Locale:  "de-DE",
		UTM:     &waitlist.UTM{Source: "ig"},
		IP:      "198.51.100.1",
	})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if !res.Created || res.Status != waitlist.StatusPending || res.RefAccepted != nil || res.Code != "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	msg := h.mail.last(t)
	if msg.Email != "Alice@X.com" || msg.Locale != "de-DE" {
		t.Fatalf("unexpected email: %+v", msg)
	}
	tok := tokenFrom(t, msg)
	lookup, _ := h.codec.LookupHash(tok)
	rec, err := h.repo.FindByTokenHash(ctx, lookup)
	if err != nil {
		t.Fatalf("token from email should resolve: %v", err)
	}
	if rec.EmailNormalized != "alice@x.com" || !rec.Consent.Granted || rec.UTM == nil || rec.UTM.Source != "ig" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.ConfirmExpiresAt.Equal(h.clock.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", rec.ConfirmExpiresAt)
	}
}

func TestSignup_InvalidEmail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultRules(), nil)
	for _, email := range []string{"", "not-an-email", "a@", fmt.Sprintf("%0250d@x.com", 1)} {
		if _, err := h.svc.Signup(context.Background(), SignupInput{Email: email}); !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("%q: expected ErrInvalidEmail, got %v", email, err)
		}
	}
	if h.mail.count() != 0 {
		t.Fatalf("no email should be sent")
	}
}

func TestSignup_RateLimited(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	rules.SignupEmail.Limit = 2
	h := newHarness(t, rules, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Signup(ctx, SignupInput{Email: "rl@x.com", IP: "198.51.100.2"}); err != nil {
			t.Fatalf("signup %d: %v", i, err)
		}
	}
	_, err := h.svc.Signup(ctx, SignupInput{Email: "RL@x.com", IP: "198.51.100.3"})
	var rl *RateLimitedError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.Rule != "signup_email" || rl.RetryAfterSeconds() != 1800 {
		t.Fatalf("unexpected limit error: %+v (%ds)", rl, rl.RetryAfterSeconds())
	}
}

func TestSignup_ConfirmedIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultRules(), nil)
	ctx := context.Background()

	if _, err := h.svc.Signup(ctx, SignupInput{Email: "done@x.com"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	lookup, _ := h.codec.LookupHash(tokenFrom(t, h.mail.last(t)))
	if out, _, err := h.repo.MarkConfirmedByTokenHash(ctx, lookup, h.clock); err != nil || out != waitlist.OutcomeConfirmed {
		t.Fatalf("confirm: %s %v", out, err)
	}

	res, err := h.svc.Signup(ctx, SignupInput{Email: "done@x.com"})
	if err != nil {
		t.Fatalf("signup again: %v", err)
	}
	if res.Status != waitlist.StatusConfirmed || res.Created {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.mail.count() != 1 {
		t.Fatalf("confirmed address must not get another link, sent=%d", h.mail.count())
	}
}

func TestSignup_EmailFailureDoesNotFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultRules(), nil)
	h.mail.err = errors.New("smtp down")

	res, err := h.svc.Signup(context.Background(), SignupInput{Email: "x@x.com"})
	if err != nil {
		t.Fatalf("signup should succeed despite mail failure: %v", err)
	}
	if res.Status != waitlist.StatusPending {
		t.Fatalf("unexpected status %s", res.Status)
	}
}

func TestSignup_Referrals(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	h := newHarness(t, rules, nil)
	ctx := context.Background()

	if _, err := h.svc.Signup(ctx, SignupInput{Email: "referrer@x.com", IP: "192.0.2.1"}); err != nil {
		t.Fatalf("signup referrer: %v", err)
	}
	rec, _ := h.repo.FindByEmail(ctx, "referrer@x.com")
	code := rec.ReferralCode

	// Self referral: signup succeeds, credit withheld.
	res, err := h.svc.Signup(ctx, SignupInput{Email: "referrer@x.com", Ref: code, IP: "192.0.2.1"})
	if err != nil {
		t.Fatalf("self signup: %v", err)
	}
	if res.RefAccepted == nil || *res.RefAccepted {
		t.Fatalf("self referral must not be accepted: %+v", res)
	}

	// Unknown code: silently not accepted.
	res, err = h.svc.Signup(ctx, SignupInput{Email: "u@x.com", Ref: "NOSUCH99", IP: "192.0.2.2"})
	if err != nil {
		t.Fatalf("unknown code signup: %v", err)
	}
	if res.RefAccepted == nil || *res.RefAccepted || res.Code != "" {
		t.Fatalf("unknown code should be quietly refused: %+v", res)
	}

	// Ten credits from one IP, the eleventh hits the cap but still signs up.
	for i := 1; i <= 11; i++ {
		res, err := h.svc.Signup(ctx, SignupInput{Email: fmt.Sprintf("friend%d@x.com", i), Ref: code, IP: "203.0.113.77"})
		if err != nil {
			t.Fatalf("friend %d: %v", i, err)
		}
		if res.Status != waitlist.StatusPending || !res.Created {
			t.Fatalf("friend %d: signup must succeed: %+v", i, res)
		}
		if i <= 10 && (res.RefAccepted == nil || !*res.RefAccepted) {
			t.Fatalf("friend %d: referral should be accepted: %+v", i, res)
		}
		if i == 11 && (res.RefAccepted == nil || *res.RefAccepted || res.Code != CodeReferralRateLimit) {
			t.Fatalf("friend 11: expected referral_rate_limit, got %+v", res)
		}
	}

	rec, _ = h.repo.FindByEmail(ctx, "referrer@x.com")
	if rec.ReferralCount != 10 {
		t.Fatalf("referral count=%d want 10", rec.ReferralCount)
	}
}

func TestResend_BobScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultRules(), nil)
	ctx := context.Background()

	if _, err := h.svc.Signup(ctx, SignupInput{Email: "bob@x.com", Locale: "en"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	first := tokenFrom(t, h.mail.last(t))
	firstLookup, _ := h.codec.LookupHash(first)

	h.clock = h.clock.Add(2 * time.Hour)
	if out, err := h.repo.MarkExpiredByTokenHash(ctx, firstLookup, h.clock); err != nil || out != waitlist.OutcomeExpired {
		t.Fatalf("expire: %s %v", out, err)
	}

	if err := h.svc.Resend(ctx, ResendInput{Email: "BOB@x.com", IP: "198.51.100.20"}); err != nil {
		t.Fatalf("resend: %v", err)
	}
	msg := h.mail.last(t)
	second := tokenFrom(t, msg)
	if second == first {
		t.Fatalf("resend must mint a distinct token")
	}
	if msg.Locale != "en" {
		t.Fatalf("resend should reuse the stored locale, got %q", msg.Locale)
	}
	rec, err := h.repo.FindByEmail(ctx, "bob@x.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Status != waitlist.StatusPending || !rec.HasLiveToken() {
		t.Fatalf("expected pending again: %+v", rec)
	}
}

func TestResend_SilentForUnknownAndConfirmed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultRules(), nil)
	ctx := context.Background()

	if err := h.svc.Resend(ctx, ResendInput{Email: "nobody@x.com"}); err != nil {
		t.Fatalf("resend unknown: %v", err)
	}
	if h.mail.count() != 0 {
		t.Fatalf("unknown email must not be mailed")
	}

	if _, err := h.svc.Signup(ctx, SignupInput{Email: "c@x.com"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	lookup, _ := h.codec.LookupHash(tokenFrom(t, h.mail.last(t)))
	if _, _, err := h.repo.MarkConfirmedByTokenHash(ctx, lookup, h.clock); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := h.svc.Resend(ctx, ResendInput{Email: "c@x.com"}); err != nil {
		t.Fatalf("resend confirmed: %v", err)
	}
	if h.mail.count() != 1 {
		t.Fatalf("confirmed email must not be mailed again")
	}
}

func TestResend_CaptchaAndLimits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultRules(), stubCaptcha{res: captcha.Result{Success: false}})
	if err := h.svc.Resend(context.Background(), ResendInput{Email: "a@x.com", CaptchaToken: "x"}); !errors.Is(err, ErrCaptchaFailed) {
		t.Fatalf("expected ErrCaptchaFailed, got %v", err)
	}

	h = newHarness(t, DefaultRules(), stubCaptcha{err: captcha.ErrUnavailable})
	err := h.svc.Resend(context.Background(), ResendInput{Email: "a@x.com"})
	if err == nil || errors.Is(err, ErrCaptchaFailed) {
		t.Fatalf("provider outage should be an internal error, got %v", err)
	}

	h = newHarness(t, DefaultRules(), nil)
	ctx := context.Background()
	if err := h.svc.Resend(ctx, ResendInput{Email: "bad"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := h.svc.Resend(ctx, ResendInput{Email: "lim@x.com"}); err != nil {
			t.Fatalf("resend %d: %v", i, err)
		}
	}
	if err := h.svc.Resend(ctx, ResendInput{Email: "lim@x.com"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit on 4th resend, got %v", err)
	}
}

func TestSaveDraft(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	rules.DraftIP.Limit = 2
	h := newHarness(t, rules, nil)
	ctx := context.Background()

	// Unknown email and malformed email are swallowed.
	if err := h.svc.SaveDraft(ctx, DraftInput{Email: "ghost@x.com", Draft: waitlist.Draft{Notes: "x"}}); err != nil {
		t.Fatalf("draft for unknown email: %v", err)
	}
	if err := h.svc.SaveDraft(ctx, DraftInput{Email: "nope"}); err != nil {
		t.Fatalf("draft for bad email: %v", err)
	}

	if _, err := h.svc.Signup(ctx, SignupInput{Email: "d@x.com"}); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if err := h.svc.SaveDraft(ctx, DraftInput{Email: "d@x.com", Draft: waitlist.Draft{ParentName: "Dana"}, IP: "192.0.2.9"}); err != nil {
		t.Fatalf("draft: %v", err)
	}
	rec, _ := h.repo.FindByEmail(ctx, "d@x.com")
	if rec.Draft == nil || rec.Draft.ParentName != "Dana" {
		t.Fatalf("draft not stored: %+v", rec.Draft)
	}

	_ = h.svc.SaveDraft(ctx, DraftInput{Email: "d@x.com", IP: "192.0.2.9"})
	if err := h.svc.SaveDraft(ctx, DraftInput{Email: "d@x.com", IP: "192.0.2.9"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected draft rate limit, got %v", err)
	}
}

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewService(Deps{}, Config{ConfirmURL: "https://x.com"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for missing deps, got %v", err)
	}
}
