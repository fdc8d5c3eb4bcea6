package waitlist

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusExpired:
		return true
	default:
		return false
	}
}

// Outcome is the result of a token-driven transition.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeAlready   Outcome = "already"
	OutcomeExpired   Outcome = "expired"
	OutcomeMissing   Outcome = "missing"
)

// Consent is the marketing/processing consent captured with each token issuance.
type Consent struct {
	Granted bool       `json:"granted"`
	At      *time.Time `json:"at,omitempty"`
}

// UTM carries campaign attribution.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
	Term     string `json:"term,omitempty"`
	Content  string `json:"content,omitempty"`
}

// IsZero reports whether no field is set.
func (u *UTM) IsZero() bool {
	return u == nil || *u == UTM{}
}

// MergeUTM overlays non-empty fields of next onto prev.
func MergeUTM(prev, next *UTM) *UTM {
	if next.IsZero() {
		if prev.IsZero() {
			return nil
		}
		cp := *prev
		return &cp
	}
	var out UTM
	if prev != nil {
		out = *prev
	}
	pick := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	pick(&out.Source, next.Source)
	pick(&out.Medium, next.Medium)
	pick(&out.Campaign, next.Campaign)
	pick(&out.Term, next.Term)
	pick(&out.Content, next.Content)
	return &out
}

// Record is the canonical waitlist entry shared by every backend.
// Token fields are non-nil only while Status is pending.
type Record struct {
	ID              string
	Email           string
	EmailNormalized string
	Status          Status

	ConfirmTokenHash       *string
	ConfirmTokenLookupHash *string
	ConfirmSalt            *string
	ConfirmExpiresAt       *time.Time

	// ConsumedTokenLookupHash is the lookup hash of the token that last left pending.
	// It is never accepted for confirmation.
	ConsumedTokenLookupHash *string

	Consent Consent
	UTM     *UTM
	Ref     *string
	Locale  *string

	ReferralCode  string
	ReferralCount int
	Draft         *Draft

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
}

// HasLiveToken reports whether the record carries a confirmable token.
func (r Record) HasLiveToken() bool {
	return r.Status == StatusPending && r.ConfirmTokenLookupHash != nil && r.ConfirmTokenHash != nil && r.ConfirmSalt != nil
}

// TokenExpired reports whether a pending token is past its expiry at now.
func (r Record) TokenExpired(now time.Time) bool {
	return r.ConfirmExpiresAt != nil && !r.ConfirmExpiresAt.After(now)
}

// clone returns a deep copy so callers cannot mutate stored state.
func (r Record) clone() Record {
	out := r
	out.ConfirmTokenHash = cloneString(r.ConfirmTokenHash)
	out.ConfirmTokenLookupHash = cloneString(r.ConfirmTokenLookupHash)
	out.ConfirmSalt = cloneString(r.ConfirmSalt)
	out.ConfirmExpiresAt = cloneTime(r.ConfirmExpiresAt)
	out.ConsumedTokenLookupHash = cloneString(r.ConsumedTokenLookupHash)
	out.Consent.At = cloneTime(r.Consent.At)
	out.Ref = cloneString(r.Ref)
	out.Locale = cloneString(r.Locale)
	out.ConfirmedAt = cloneTime(r.ConfirmedAt)
	if r.UTM != nil {
		u := *r.UTM
		out.UTM = &u
	}
	if r.Draft != nil {
		d := r.Draft.clone()
		out.Draft = &d
	}
	return out
}

// clearToken drops the live token, remembering its lookup hash as a tombstone.
func (r *Record) clearToken() {
	r.ConsumedTokenLookupHash = r.ConfirmTokenLookupHash
	r.ConfirmTokenHash = nil
	r.ConfirmTokenLookupHash = nil
	r.ConfirmSalt = nil
	r.ConfirmExpiresAt = nil
}

const maxEmailLength = 254

// NormalizeEmail trims and lowercases an address. Shape validation is the caller's job.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const (
	referralCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	referralCodeLength   = 8
	maxReferralCodeLen   = 32
)

// NewReferralCode returns a random share code without ambiguous characters.
func NewReferralCode() (string, error) {
	buf := make([]byte, referralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("referral code: %w", err)
	}
	out := make([]byte, referralCodeLength)
	for i, b := range buf {
		out[i] = referralCodeAlphabet[int(b)%len(referralCodeAlphabet)]
	}
	return string(out), nil
}

// NormalizeReferralCode canonicalizes an inbound code. It returns "" for input that
// cannot be a code, so lookups never run on junk.
func NormalizeReferralCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || len(code) > maxReferralCodeLen {
		return ""
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return code
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
