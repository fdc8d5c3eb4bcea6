// Package app wires the waitlist server runtime: config, logging, storage backends and HTTP routes.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/captcha"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/confirm"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/mailer"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/referral"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/signup"
	waitlistapi "github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist/api"
)

// App is the waitlist server runtime: it owns HTTP server wiring and storage backends.
type App struct {
	cfg Config
	log Logger

	back    *backends
	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	codec, err := newTokenCodec(cfg, log)
	if err != nil {
		return nil, err
	}
	secret, err := rateLimitSecret(cfg, log)
	if err != nil {
		return nil, err
	}

	back, err := newBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, log, back, codec, secret)
	if err != nil {
		back.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, back *backends, codec confirmCodec, secret []byte) (*App, error) {
	limiter, err := ratelimit.New(back.counters, secret)
	if err != nil {
		return nil, err
	}

	var sender mailer.Sender = mailer.NoopSender{}
	if cfg.SMTPEnabled() {
		smtp, err := mailer.NewSMTPSender(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		sender = smtp
	} else {
		log.Warn("mailer.disabled", "hint", "set WAITLIST_SMTP_HOST to deliver confirmation emails")
	}

	var verifier captcha.Verifier = captcha.NoopVerifier{}
	if cfg.CaptchaEnabled() {
		ccfg := cfg.Captcha
		ccfg.Logger = log
		v, err := captcha.NewSiteverifyVerifier(ccfg)
		if err != nil {
			return nil, err
		}
		verifier = v
	} else {
		log.Warn("captcha.disabled", "hint", "set WAITLIST_CAPTCHA_SECRET to protect resend")
	}

	guard, err := referral.NewGuard(back.repo, back.events, limiter, cfg.Rules.ReferralIP, referral.WithLogger(log))
	if err != nil {
		return nil, err
	}

	svc, err := signup.NewService(signup.Deps{
		Repo:      back.repo,
		Limiter:   limiter,
		Codec:     codec,
		Mailer:    sender,
		Captcha:   verifier,
		Referrals: guard,
		Logger:    log,
	}, signup.Config{
		ConfirmURL: cfg.ConfirmURL,
		ConfirmTTL: cfg.ConfirmTTL,
		Rules:      cfg.Rules,
	})
	if err != nil {
		return nil, err
	}

	flow, err := confirm.NewFlow(back.repo, codec,
		confirm.WithShareBaseURL(cfg.PublicBaseURL+"/"),
		confirm.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	api, err := waitlistapi.NewHandler(svc, flow, cfg.API, waitlistapi.WithLogger(log))
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, back, api)

	return &App{
		cfg:     cfg,
		log:     log,
		back:    back,
		handler: WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log),
	}, nil
}

// confirmCodec is what both the signup service and the confirm flow need from the token codec.
type confirmCodec interface {
	signup.TokenCodec
	confirm.Codec
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Close releases storage resources. Run calls it on shutdown.
func (a *App) Close() { a.back.Close() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.back.pool != nil,
		"ratelimit_backend", a.back.rateLimitBackend,
		"public_base_url", a.cfg.PublicBaseURL,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	if a.back.sweep != nil {
		g.Go(func() error {
			a.sweepLoop(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) sweepLoop(ctx context.Context) {
	t := time.NewTicker(nonZeroDuration(a.cfg.SweepInterval, 5*time.Minute))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := a.back.sweep(ctx, now.UTC()); err != nil && ctx.Err() == nil {
				a.log.Warn("ratelimit.sweep.fail", "err", err)
			}
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL derives a local base URL from the listen address.
func runtimeBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
