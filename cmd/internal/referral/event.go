package referral

import (
	"context"
	"errors"
	"time"
)

// Type classifies a referral event.
type Type string

const (
	TypeCredit  Type = "credit"
	TypeBlocked Type = "blocked"
)

// Reason explains a blocked referral.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonSelf        Reason = "self"
	ReasonIPCap       Reason = "ip_cap"
	ReasonUnknownCode Reason = "unknown_code"
	// ReasonDuplicate marks a resubmission of an existing signup; it never earns a credit.
	ReasonDuplicate Reason = "duplicate"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

// Event is one append-only referral observation.
type Event struct {
	ID         string
	Type       Type
	ReferrerID *string
	RefereeID  string
	Code       string
	Reason     Reason
	IPHash     *string
	CreatedAt  time.Time
}

func (e Event) validate() error {
	if e.ID == "" || e.RefereeID == "" || e.Code == "" || e.CreatedAt.IsZero() {
		return ErrInvalidInput
	}
	switch e.Type {
	case TypeCredit:
		if e.Reason != ReasonNone || e.ReferrerID == nil {
			return ErrInvalidInput
		}
	case TypeBlocked:
		if e.Reason == ReasonNone {
			return ErrInvalidInput
		}
	default:
		return ErrInvalidInput
	}
	return nil
}

// EventStore appends and reads referral events. Events are never updated.
type EventStore interface {
	Append(ctx context.Context, e Event) error
	// ListByReferrer returns the referrer's events, oldest first.
	ListByReferrer(ctx context.Context, referrerID string, limit int) ([]Event, error)
}
