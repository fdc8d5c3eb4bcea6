package waitlist

import (
	"context"
	"strings"
	"time"
)

// UpsertPendingInput carries a freshly issued token and the signup attribution.
// Only hashed token material is accepted.
type UpsertPendingInput struct {
	Email string

	TokenHash  string
	LookupHash string
	Salt       string
	ExpiresAt  time.Time

	Consent bool
	Locale  string
	Ref     string
	UTM     *UTM

	Now time.Time
}

func (in *UpsertPendingInput) normalize() (string, error) {
	norm := NormalizeEmail(in.Email)
	if norm == "" || len(norm) > maxEmailLength {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(in.TokenHash) == "" || strings.TrimSpace(in.LookupHash) == "" || strings.TrimSpace(in.Salt) == "" {
		return "", ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	if !in.ExpiresAt.After(in.Now) {
		return "", ErrInvalidInput
	}
	in.Email = strings.TrimSpace(in.Email)
	return norm, nil
}

// UpsertResult reports what UpsertPending did.
type UpsertResult struct {
	ID           string
	Status       Status
	Created      bool
	ReferralCode string
	// TokenIssued is false only for the confirmed no-op; the supplied token is then discarded.
	TokenIssued bool
}

// Repository is the persistence boundary for waitlist records.
// Implementations serialize writes per email; different emails never contend.
type Repository interface {
	// UpsertPending creates a pending record, or rotates the token of a pending or
	// expired one. A confirmed record is left untouched.
	UpsertPending(ctx context.Context, in UpsertPendingInput) (UpsertResult, error)

	// MarkConfirmedByTokenHash confirms the record holding lookupHash. An expired
	// pending token reports OutcomeExpired without mutating anything.
	MarkConfirmedByTokenHash(ctx context.Context, lookupHash string, now time.Time) (Outcome, Record, error)

	// MarkExpiredByTokenHash moves the pending record holding lookupHash to expired.
	MarkExpiredByTokenHash(ctx context.Context, lookupHash string, now time.Time) (Outcome, error)

	FindByEmail(ctx context.Context, email string) (Record, error)
	FindByTokenHash(ctx context.Context, lookupHash string) (Record, error)
	FindByReferralCode(ctx context.Context, code string) (Record, error)

	// IncrementReferralCount credits the record's owner and returns the new total.
	IncrementReferralCount(ctx context.Context, id string) (int, error)

	// SaveDraft merges a sanitized draft into an existing record.
	SaveDraft(ctx context.Context, email string, draft Draft, now time.Time) error
}

// rotate installs a new token on r and merges attribution. r must not be confirmed.
func rotate(r *Record, in UpsertPendingInput) {
	tokenHash, lookup, salt := in.TokenHash, in.LookupHash, in.Salt
	exp := in.ExpiresAt.UTC()
	r.Status = StatusPending
	r.ConfirmTokenHash = &tokenHash
	r.ConfirmTokenLookupHash = &lookup
	r.ConfirmSalt = &salt
	r.ConfirmExpiresAt = &exp
	r.ConsumedTokenLookupHash = nil

	at := in.Now.UTC()
	r.Consent = Consent{Granted: in.Consent, At: &at}
	if v := optionalString(in.Locale); v != nil {
		r.Locale = v
	}
	if v := optionalString(in.Ref); v != nil {
		r.Ref = v
	}
	r.UTM = MergeUTM(r.UTM, in.UTM)
	r.UpdatedAt = at
}
