package waitlistapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/confirm"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/signup"
)

// Signups is the signup service surface the handler drives.
type Signups interface {
	Signup(ctx context.Context, in signup.SignupInput) (signup.SignupResult, error)
	Resend(ctx context.Context, in signup.ResendInput) error
	SaveDraft(ctx context.Context, in signup.DraftInput) error
}

// Confirmer resolves confirmation tokens.
type Confirmer interface {
	Confirm(ctx context.Context, raw string) (confirm.Result, error)
}

// Handler wires HTTP waitlist endpoints to the signup and confirm services.
type Handler struct {
	log *slog.Logger
	cfg Config

	signups   Signups
	confirmer Confirmer
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLogger overrides slog.Default.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if h == nil || log == nil {
			return
		}
		h.log = log
	}
}

// NewHandler constructs a waitlist Handler.
func NewHandler(signups Signups, confirmer Confirmer, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if signups == nil || confirmer == nil {
		return nil, errors.New("waitlistapi: signup and confirm services are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{
		log:       slog.Default(),
		cfg:       cfg,
		signups:   signups,
		confirmer: confirmer,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires waitlist routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/waitlist/signup", h.handleSignup)
	mux.HandleFunc("/waitlist/confirm", h.handleConfirm)
	mux.HandleFunc("/waitlist/resend", h.handleResend)
	mux.HandleFunc("/waitlist/draft", h.handleDraft)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.signups.Signup(r.Context(), signup.SignupInput{
		Email:   req.Email,
		Consent: req.Consent,
		Locale:  strings.TrimSpace(req.Locale),
		Ref:     req.Ref,
		UTM:     req.UTM.toUTM(),
		IP:      clientIP(r, h.cfg.TrustProxy),
	})
	if err != nil {
		h.writeServiceError(w, "waitlist.api.signup.fail", err)
		return
	}

	writeJSON(w, http.StatusOK, signupResponse{
		OK:          true,
		Code:        res.Code,
		RefAccepted: res.RefAccepted,
	})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	res, err := h.confirmer.Confirm(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.log.Error("waitlist.api.confirm.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}

	out := confirmResponse{State: string(res.State)}
	if res.Share != nil {
		out.ReferralCode = res.Share.ReferralCode
		out.ShareURL = res.Share.ShareURL
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	err := h.signups.Resend(r.Context(), signup.ResendInput{
		Email:        req.Email,
		CaptchaToken: strings.TrimSpace(req.CaptchaToken),
		IP:           clientIP(r, h.cfg.TrustProxy),
	})
	if err != nil {
		h.writeServiceError(w, "waitlist.api.resend.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleDraft(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Malformed drafts are acknowledged like any other save.
	var req draftRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.log.Debug("waitlist.api.draft.decode.fail", "err", err)
		writeJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}

	err := h.signups.SaveDraft(r.Context(), signup.DraftInput{
		Email: req.Email,
		Draft: req.Draft.toDraft(),
		IP:    clientIP(r, h.cfg.TrustProxy),
	})
	var rl *signup.RateLimitedError
	if errors.As(err, &rl) {
		writeRateLimited(w, rl.RetryAfterSeconds())
		return
	}
	if err != nil {
		h.log.Warn("waitlist.api.draft.fail", "err", err)
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	var rl *signup.RateLimitedError
	switch {
	case errors.As(err, &rl):
		writeRateLimited(w, rl.RetryAfterSeconds())
	case errors.Is(err, signup.ErrRateLimited):
		writeRateLimited(w, 1)
	case errors.Is(err, signup.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, "invalid_email", "a valid email address is required")
	case errors.Is(err, signup.ErrCaptchaFailed):
		writeError(w, http.StatusBadRequest, "captcha_failed", "captcha verification failed")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
	}
}
