package waitlist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ids"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/keylock"
)

// MemoryRepository is a process-local Repository for dev and tests.
//
// Writes for one email are serialized by a per-email lock; the index maps are
// guarded by a RWMutex held only for map access.
type MemoryRepository struct {
	locks keylock.Locks

	mu         sync.RWMutex
	records    map[string]*Record // id -> record
	byEmail    map[string]string  // email_normalized -> id
	byLookup   map[string]string  // live lookup hash -> id
	byConsumed map[string]string  // tombstoned lookup hash -> id
	byCode     map[string]string  // referral code -> id
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:    make(map[string]*Record),
		byEmail:    make(map[string]string),
		byLookup:   make(map[string]string),
		byConsumed: make(map[string]string),
		byCode:     make(map[string]string),
	}
}

func (m *MemoryRepository) UpsertPending(ctx context.Context, in UpsertPendingInput) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	norm, err := in.normalize()
	if err != nil {
		return UpsertResult{}, err
	}

	unlock := m.locks.Lock(norm)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if other, ok := m.byLookup[in.LookupHash]; ok {
		if r := m.records[other]; r == nil || r.EmailNormalized != norm {
			return UpsertResult{}, ErrInvalidInput
		}
	}

	if id, ok := m.byEmail[norm]; ok {
		r := m.records[id]
		if r.Status == StatusConfirmed {
			return UpsertResult{ID: r.ID, Status: r.Status, ReferralCode: r.ReferralCode}, nil
		}
		m.unindexTokens(r)
		rotate(r, in)
		m.indexTokens(r)
		return UpsertResult{ID: r.ID, Status: r.Status, ReferralCode: r.ReferralCode, TokenIssued: true}, nil
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return UpsertResult{}, err
	}
	code, err := m.freeReferralCodeLocked()
	if err != nil {
		return UpsertResult{}, err
	}
	r := &Record{
		ID:              id,
		Email:           in.Email,
		EmailNormalized: norm,
		ReferralCode:    code,
		CreatedAt:       in.Now.UTC(),
	}
	rotate(r, in)

	m.records[id] = r
	m.byEmail[norm] = id
	m.byCode[code] = id
	m.indexTokens(r)

	return UpsertResult{ID: id, Status: r.Status, Created: true, ReferralCode: code, TokenIssued: true}, nil
}

func (m *MemoryRepository) MarkConfirmedByTokenHash(ctx context.Context, lookupHash string, now time.Time) (Outcome, Record, error) {
	return m.transition(ctx, lookupHash, now, func(r *Record, now time.Time) Outcome {
		if r.TokenExpired(now) {
			return OutcomeExpired
		}
		at := now.UTC()
		r.Status = StatusConfirmed
		r.ConfirmedAt = &at
		r.UpdatedAt = at
		return OutcomeConfirmed
	})
}

func (m *MemoryRepository) MarkExpiredByTokenHash(ctx context.Context, lookupHash string, now time.Time) (Outcome, error) {
	out, _, err := m.transition(ctx, lookupHash, now, func(r *Record, now time.Time) Outcome {
		r.Status = StatusExpired
		r.UpdatedAt = now.UTC()
		return OutcomeExpired
	})
	return out, err
}

// transition resolves lookupHash to a record, locks its email and applies fn to a
// pending record. fn returns the outcome; any status change clears the token.
func (m *MemoryRepository) transition(ctx context.Context, lookupHash string, now time.Time, fn func(*Record, time.Time) Outcome) (Outcome, Record, error) {
	if err := ctx.Err(); err != nil {
		return "", Record{}, err
	}
	lookupHash = strings.TrimSpace(lookupHash)
	if lookupHash == "" {
		return "", Record{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for {
		email, ok := m.emailFor(lookupHash)
		if !ok {
			return OutcomeMissing, Record{}, nil
		}

		unlock := m.locks.Lock(email)
		m.mu.Lock()

		id, live := m.byLookup[lookupHash]
		if !live {
			id = m.byConsumed[lookupHash]
		}
		r := m.records[id]
		if r == nil || r.EmailNormalized != email {
			// Rotated or re-keyed between the index read and the lock.
			m.mu.Unlock()
			unlock()
			continue
		}

		var out Outcome
		switch {
		case !live:
			out = tombstoneOutcome(r.Status)
		case r.Status != StatusPending:
			out = tombstoneOutcome(r.Status)
		default:
			prev := r.Status
			out = fn(r, now)
			if r.Status != prev {
				m.unindexTokens(r)
				r.clearToken()
				m.indexTokens(r)
			}
		}
		snap := r.clone()
		m.mu.Unlock()
		unlock()
		return out, snap, nil
	}
}

func tombstoneOutcome(s Status) Outcome {
	switch s {
	case StatusConfirmed:
		return OutcomeAlready
	case StatusExpired:
		return OutcomeExpired
	default:
		return OutcomeMissing
	}
}

func (m *MemoryRepository) emailFor(lookupHash string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byLookup[lookupHash]
	if !ok {
		id, ok = m.byConsumed[lookupHash]
	}
	if !ok {
		return "", false
	}
	r := m.records[id]
	if r == nil {
		return "", false
	}
	return r.EmailNormalized, true
}

func (m *MemoryRepository) FindByEmail(ctx context.Context, email string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	norm := NormalizeEmail(email)
	if norm == "" {
		return Record{}, ErrInvalidInput
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(m.byEmail[norm])
}

func (m *MemoryRepository) FindByTokenHash(ctx context.Context, lookupHash string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	lookupHash = strings.TrimSpace(lookupHash)
	if lookupHash == "" {
		return Record{}, ErrInvalidInput
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(m.byLookup[lookupHash])
}

func (m *MemoryRepository) FindByReferralCode(ctx context.Context, code string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	code = NormalizeReferralCode(code)
	if code == "" {
		return Record{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(m.byCode[code])
}

func (m *MemoryRepository) IncrementReferralCount(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.records[strings.TrimSpace(id)]
	if r == nil {
		return 0, ErrNotFound
	}
	r.ReferralCount++
	r.UpdatedAt = time.Now().UTC()
	return r.ReferralCount, nil
}

func (m *MemoryRepository) SaveDraft(ctx context.Context, email string, draft Draft, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	norm := NormalizeEmail(email)
	if norm == "" {
		return ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	unlock := m.locks.Lock(norm)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.records[m.byEmail[norm]]
	if r == nil {
		return ErrNotFound
	}
	merged := MergeDraft(r.Draft, draft, now)
	r.Draft = &merged
	r.UpdatedAt = now.UTC()
	return nil
}

func (m *MemoryRepository) snapshotLocked(id string) (Record, error) {
	r := m.records[id]
	if r == nil {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryRepository) indexTokens(r *Record) {
	if r.ConfirmTokenLookupHash != nil {
		m.byLookup[*r.ConfirmTokenLookupHash] = r.ID
	}
	if r.ConsumedTokenLookupHash != nil {
		m.byConsumed[*r.ConsumedTokenLookupHash] = r.ID
	}
}

func (m *MemoryRepository) unindexTokens(r *Record) {
	if r.ConfirmTokenLookupHash != nil {
		delete(m.byLookup, *r.ConfirmTokenLookupHash)
	}
	if r.ConsumedTokenLookupHash != nil {
		delete(m.byConsumed, *r.ConsumedTokenLookupHash)
	}
}

func (m *MemoryRepository) freeReferralCodeLocked() (string, error) {
	for {
		code, err := NewReferralCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.byCode[code]; !taken {
			return code, nil
		}
	}
}
