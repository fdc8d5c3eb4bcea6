package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var tokenSeq atomic.Int64

func newInput(email string, now time.Time) UpsertPendingInput {
	n := tokenSeq.Add(1)
	return UpsertPendingInput{
		Email:      email,
		TokenHash:  fmt.Sprintf("hash-%d", n),
		LookupHash: fmt.Sprintf("lookup-%d", n),
		Salt:       fmt.Sprintf("salt-%d", n),
		ExpiresAt:  now.Add(24 * time.Hour),
		Consent:    true,
		Now:        now,
	}
}

// runRepositoryContract exercises the behaviour every Repository must share.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("create then confirm then replay", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)

		in := newInput("Alice@X.com", now)
		res, err := repo.UpsertPending(ctx, in)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if !res.Created || res.Status != StatusPending || !res.TokenIssued || res.ReferralCode == "" {
			t.Fatalf("unexpected result: %+v", res)
		}

		rec, err := repo.FindByTokenHash(ctx, in.LookupHash)
		if err != nil {
			t.Fatalf("find by token: %v", err)
		}
		if rec.EmailNormalized != "alice@x.com" || !rec.HasLiveToken() || !rec.Consent.Granted || rec.Consent.At == nil {
			t.Fatalf("unexpected record: %+v", rec)
		}

		out, rec, err := repo.MarkConfirmedByTokenHash(ctx, in.LookupHash, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("confirm: %v", err)
		}
		if out != OutcomeConfirmed || rec.Status != StatusConfirmed || rec.ConfirmedAt == nil {
			t.Fatalf("unexpected confirm: %s %+v", out, rec)
		}
		if rec.ConfirmTokenHash != nil || rec.ConfirmTokenLookupHash != nil || rec.ConfirmSalt != nil || rec.ConfirmExpiresAt != nil {
			t.Fatalf("token fields should be cleared")
		}

		out, rec, err = repo.MarkConfirmedByTokenHash(ctx, in.LookupHash, now.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("confirm replay: %v", err)
		}
		if out != OutcomeAlready || rec.ReferralCode != res.ReferralCode {
			t.Fatalf("replay should be already with share code, got %s %+v", out, rec)
		}

		if _, err := repo.FindByTokenHash(ctx, in.LookupHash); !errors.Is(err, ErrNotFound) {
			t.Fatalf("consumed token must not resolve, got %v", err)
		}

		stored, err := repo.FindByEmail(ctx, "alice@x.com")
		if err != nil {
			t.Fatalf("find by email: %v", err)
		}
		if stored.ConfirmedAt == nil || !stored.ConfirmedAt.Equal(now.Add(time.Minute)) {
			t.Fatalf("replay must not restamp confirmedAt: %+v", stored.ConfirmedAt)
		}
	})

	t.Run("confirmed upsert is a no-op", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		in := newInput("carol@x.com", now)
		if _, err := repo.UpsertPending(ctx, in); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if out, _, err := repo.MarkConfirmedByTokenHash(ctx, in.LookupHash, now); err != nil || out != OutcomeConfirmed {
			t.Fatalf("confirm: %s %v", out, err)
		}

		again := newInput("carol@x.com", now)
		res, err := repo.UpsertPending(ctx, again)
		if err != nil {
			t.Fatalf("upsert again: %v", err)
		}
		if res.Created || res.TokenIssued || res.Status != StatusConfirmed {
			t.Fatalf("confirmed record must not be touched: %+v", res)
		}
		if _, err := repo.FindByTokenHash(ctx, again.LookupHash); !errors.Is(err, ErrNotFound) {
			t.Fatalf("no token must be stored for a confirmed record, got %v", err)
		}
	})

	t.Run("expiry then resend", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		in := newInput("bob@x.com", now)
		in.Locale = "de"
		in.UTM = &UTM{Source: "newsletter"}
		if _, err := repo.UpsertPending(ctx, in); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		late := in.ExpiresAt.Add(time.Second)
		out, _, err := repo.MarkConfirmedByTokenHash(ctx, in.LookupHash, late)
		if err != nil || out != OutcomeExpired {
			t.Fatalf("expected expired, got %s %v", out, err)
		}
		rec, err := repo.FindByEmail(ctx, "bob@x.com")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if rec.Status != StatusPending || !rec.HasLiveToken() {
			t.Fatalf("expired confirm must not mutate: %+v", rec)
		}

		if out, err := repo.MarkExpiredByTokenHash(ctx, in.LookupHash, late); err != nil || out != OutcomeExpired {
			t.Fatalf("mark expired: %s %v", out, err)
		}
		if out, err := repo.MarkExpiredByTokenHash(ctx, in.LookupHash, late); err != nil || out != OutcomeExpired {
			t.Fatalf("mark expired replay: %s %v", out, err)
		}
		rec, _ = repo.FindByEmail(ctx, "bob@x.com")
		if rec.Status != StatusExpired || rec.HasLiveToken() {
			t.Fatalf("expected expired without token: %+v", rec)
		}

		resend := newInput("bob@x.com", late)
		resend.UTM = &UTM{Campaign: "relaunch"}
		res, err := repo.UpsertPending(ctx, resend)
		if err != nil {
			t.Fatalf("resend upsert: %v", err)
		}
		if res.Created || !res.TokenIssued || res.Status != StatusPending {
			t.Fatalf("unexpected resend result: %+v", res)
		}
		rec, err = repo.FindByTokenHash(ctx, resend.LookupHash)
		if err != nil {
			t.Fatalf("find new token: %v", err)
		}
		if *rec.ConfirmTokenLookupHash == in.LookupHash {
			t.Fatalf("expected a fresh token")
		}
		if rec.Locale == nil || *rec.Locale != "de" {
			t.Fatalf("locale should survive resend: %v", rec.Locale)
		}
		if rec.UTM == nil || rec.UTM.Source != "newsletter" || rec.UTM.Campaign != "relaunch" {
			t.Fatalf("utm should merge: %+v", rec.UTM)
		}

		if out, _, err := repo.MarkConfirmedByTokenHash(ctx, in.LookupHash, late); err != nil || out != OutcomeMissing {
			t.Fatalf("old token after rotation should be missing, got %s %v", out, err)
		}
	})

	t.Run("rotation invalidates previous token", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		first := newInput("dave@x.com", now)
		if _, err := repo.UpsertPending(ctx, first); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		second := newInput("dave@x.com", now)
		if _, err := repo.UpsertPending(ctx, second); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := repo.FindByTokenHash(ctx, first.LookupHash); !errors.Is(err, ErrNotFound) {
			t.Fatalf("first token should be gone, got %v", err)
		}
		if out, _, err := repo.MarkConfirmedByTokenHash(ctx, second.LookupHash, now); err != nil || out != OutcomeConfirmed {
			t.Fatalf("second token should confirm: %s %v", out, err)
		}
	})

	t.Run("concurrent upserts leave one live token", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		const n = 8
		inputs := make([]UpsertPendingInput, n)
		for i := range inputs {
			inputs[i] = newInput("erin@x.com", now)
		}

		var (
			wg      sync.WaitGroup
			created atomic.Int64
		)
		for i := range inputs {
			wg.Add(1)
			go func(in UpsertPendingInput) {
				defer wg.Done()
				res, err := repo.UpsertPending(ctx, in)
				if err != nil {
					t.Errorf("upsert: %v", err)
					return
				}
				if res.Created {
					created.Add(1)
				}
			}(inputs[i])
		}
		wg.Wait()

		if created.Load() != 1 {
			t.Fatalf("expected exactly one create, got %d", created.Load())
		}
		live := 0
		for _, in := range inputs {
			if _, err := repo.FindByTokenHash(ctx, in.LookupHash); err == nil {
				live++
			}
		}
		if live != 1 {
			t.Fatalf("expected exactly one live token, got %d", live)
		}
	})

	t.Run("referral codes and counts", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		res, err := repo.UpsertPending(ctx, newInput("frank@x.com", now))
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		rec, err := repo.FindByReferralCode(ctx, " "+res.ReferralCode+" ")
		if err != nil || rec.ID != res.ID {
			t.Fatalf("find by code: %+v %v", rec, err)
		}
		if _, err := repo.FindByReferralCode(ctx, "NOPE0000"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		for i := 1; i <= 3; i++ {
			got, err := repo.IncrementReferralCount(ctx, res.ID)
			if err != nil || got != i {
				t.Fatalf("increment %d: %d %v", i, got, err)
			}
		}
		if _, err := repo.IncrementReferralCount(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("draft requires record", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		if err := repo.SaveDraft(ctx, "ghost@x.com", Draft{ParentName: "G"}, now); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := repo.UpsertPending(ctx, newInput("gina@x.com", now)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := repo.SaveDraft(ctx, "GINA@x.com", Draft{ParentName: "<i>Gina</i>", Children: []DraftChild{{Name: "Kai", WeightKg: f64(100)}}}, now); err != nil {
			t.Fatalf("save draft: %v", err)
		}
		if err := repo.SaveDraft(ctx, "gina@x.com", Draft{Notes: "hi"}, now); err != nil {
			t.Fatalf("save draft: %v", err)
		}
		rec, err := repo.FindByEmail(ctx, "gina@x.com")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if rec.Draft == nil || rec.Draft.ParentName != "Gina" || rec.Draft.Notes != "hi" || len(rec.Draft.Children) != 1 {
			t.Fatalf("unexpected draft: %+v", rec.Draft)
		}
		if *rec.Draft.Children[0].WeightKg != MaxChildWeightKg {
			t.Fatalf("weight should be clamped")
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		ctx := context.Background()
		now := time.Now().UTC()

		bad := newInput("  ", now)
		if _, err := repo.UpsertPending(ctx, bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
		bad = newInput("h@x.com", now)
		bad.ExpiresAt = now.Add(-time.Second)
		if _, err := repo.UpsertPending(ctx, bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for past expiry, got %v", err)
		}

		first := newInput("i@x.com", now)
		if _, err := repo.UpsertPending(ctx, first); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		clash := newInput("j@x.com", now)
		clash.LookupHash = first.LookupHash
		if _, err := repo.UpsertPending(ctx, clash); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected invalid input for lookup hash collision, got %v", err)
		}
		if _, err := repo.FindByEmail(ctx, "j@x.com"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("colliding signup must not be stored, got %v", err)
		}

		if out, _, err := repo.MarkConfirmedByTokenHash(ctx, "unknown", now); err != nil || out != OutcomeMissing {
			t.Fatalf("unknown lookup should be missing: %s %v", out, err)
		}
		if out, err := repo.MarkExpiredByTokenHash(ctx, "unknown", now); err != nil || out != OutcomeMissing {
			t.Fatalf("unknown lookup should be missing: %s %v", out, err)
		}
	})
}
