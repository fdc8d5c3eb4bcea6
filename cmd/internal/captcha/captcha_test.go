package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNoopVerifier(t *testing.T) {
	t.Parallel()

	res, err := NoopVerifier{}.Verify(context.Background(), "", "")
	if err != nil || !res.Success {
		t.Fatalf("noop verifier should accept: %+v %v", res, err)
	}
}

func TestNewSiteverifyVerifier_Validation(t *testing.T) {
	t.Parallel()

	cases := []SiteverifyConfig{
		{Endpoint: "https://x.com/siteverify"},
		{Endpoint: "", Secret: "s"},
		{Endpoint: "ftp://x.com", Secret: "s"},
		{Endpoint: "https://", Secret: "s"},
	}
	for _, cfg := range cases {
		if _, err := NewSiteverifyVerifier(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("cfg %+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}

func TestSiteverifyVerifier_Verify(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("secret") != "shh" {
			t.Errorf("unexpected secret %q", r.PostForm.Get("secret"))
		}
		if r.PostForm.Get("remoteip") != "203.0.113.9" {
			t.Errorf("unexpected remoteip %q", r.PostForm.Get("remoteip"))
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("response") == "good" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	t.Cleanup(srv.Close)

	v, err := NewSiteverifyVerifier(SiteverifyConfig{Endpoint: srv.URL, Secret: "shh"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()

	res, err := v.Verify(ctx, "good", "203.0.113.9")
	if err != nil || !res.Success {
		t.Fatalf("expected success, got %+v %v", res, err)
	}

	res, err = v.Verify(ctx, "bad", "203.0.113.9")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Success || len(res.ErrorCodes) != 1 || res.ErrorCodes[0] != "invalid-input-response" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = v.Verify(ctx, "  ", "203.0.113.9")
	if err != nil || res.Success {
		t.Fatalf("blank token must fail without a request: %+v %v", res, err)
	}
}

func TestSiteverifyVerifier_RetriesThenFails(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	v, err := NewSiteverifyVerifier(SiteverifyConfig{Endpoint: srv.URL, Secret: "shh", RetryMax: 1})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := v.Verify(context.Background(), "tok", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}
