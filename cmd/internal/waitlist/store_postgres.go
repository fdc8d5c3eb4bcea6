package waitlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ids"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/pgutil"
)

const (
	lookupHashConstraint   = "waitlist_records_lookup_hash_key"
	referralCodeConstraint = "waitlist_records_referral_code_key"
	maxInsertAttempts      = 5
)

const recordColumns = `id, email, email_normalized, status,
	confirm_token_hash, confirm_token_lookup_hash, confirm_salt, confirm_expires_at,
	consumed_token_lookup_hash, consent_granted, consent_at, utm, ref, locale,
	referral_code, referral_count, draft, created_at, updated_at, confirmed_at`

// PostgresRepository persists records in <schema>.waitlist_records.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresRepository.
type StoreOption func(*PostgresRepository) error

// WithSchema sets the DB schema used by the repository (default: "waitlist").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresRepository) error {
		v, err := pgutil.NormalizeSchema(schema)
		if err != nil {
			return ErrInvalidInput
		}
		s.schema = v
		return nil
	}
}

// NewPostgresRepository constructs a PostgresRepository. The pool is owned by the caller.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresRepository, error) {
	st := &PostgresRepository{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

func (s *PostgresRepository) table() string {
	return pgutil.Ident(s.schema, "waitlist_records")
}

var readCommitted = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}

func (s *PostgresRepository) UpsertPending(ctx context.Context, in UpsertPendingInput) (UpsertResult, error) {
	norm, err := in.normalize()
	if err != nil {
		return UpsertResult{}, err
	}
	records := s.table()

	var res UpsertResult
	err = pgutil.RunTx(ctx, s.pool, readCommitted, func(tx pgx.Tx) error {
		for attempt := 0; attempt < maxInsertAttempts; attempt++ {
			r, err := selectRecord(ctx, tx, records, "email_normalized", norm, true)
			switch {
			case err == nil:
				if r.Status == StatusConfirmed {
					res = UpsertResult{ID: r.ID, Status: r.Status, ReferralCode: r.ReferralCode}
					return nil
				}
				rotate(&r, in)
				if err := updateRecord(ctx, tx, records, r); err != nil {
					return err
				}
				res = UpsertResult{ID: r.ID, Status: r.Status, ReferralCode: r.ReferralCode, TokenIssued: true}
				return nil
			case !errors.Is(err, ErrNotFound):
				return err
			}

			id, err := ids.NewULID(in.Now)
			if err != nil {
				return err
			}
			code, err := NewReferralCode()
			if err != nil {
				return err
			}
			r = Record{
				ID:              id,
				Email:           in.Email,
				EmailNormalized: norm,
				ReferralCode:    code,
				CreatedAt:       in.Now.UTC(),
			}
			rotate(&r, in)

			inserted, err := insertRecord(ctx, tx, records, r)
			if err != nil {
				return err
			}
			if inserted {
				res = UpsertResult{ID: r.ID, Status: r.Status, Created: true, ReferralCode: code, TokenIssued: true}
				return nil
			}
			// Lost the race for this email, or the code collided. The next SELECT sees
			// the winner's committed row under read committed.
		}
		return errors.New("waitlist: record insert retries exhausted")
	})
	if err != nil {
		if pgutil.IsUniqueViolation(err, lookupHashConstraint) {
			return UpsertResult{}, ErrInvalidInput
		}
		return UpsertResult{}, fmt.Errorf("upsert pending: %w", err)
	}
	return res, nil
}

func (s *PostgresRepository) MarkConfirmedByTokenHash(ctx context.Context, lookupHash string, now time.Time) (Outcome, Record, error) {
	return s.transition(ctx, lookupHash, now, func(r *Record, now time.Time) Outcome {
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

func (s *PostgresRepository) MarkExpiredByTokenHash(ctx context.Context, lookupHash string, now time.Time) (Outcome, error) {
	out, _, err := s.transition(ctx, lookupHash, now, func(r *Record, now time.Time) Outcome {
		r.Status = StatusExpired
		r.UpdatedAt = now.UTC()
		return OutcomeExpired
	})
	return out, err
}

func (s *PostgresRepository) transition(ctx context.Context, lookupHash string, now time.Time, fn func(*Record, time.Time) Outcome) (Outcome, Record, error) {
	lookupHash = strings.TrimSpace(lookupHash)
	if lookupHash == "" {
		return "", Record{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	records := s.table()

	var (
		out Outcome
		rec Record
	)
	err := pgutil.RunTx(ctx, s.pool, readCommitted, func(tx pgx.Tx) error {
		r, err := selectRecord(ctx, tx, records, "confirm_token_lookup_hash", lookupHash, true)
		if errors.Is(err, ErrNotFound) {
			r, err = selectRecord(ctx, tx, records, "consumed_token_lookup_hash", lookupHash, false)
			if errors.Is(err, ErrNotFound) {
				out, rec = OutcomeMissing, Record{}
				return nil
			}
			if err != nil {
				return err
			}
			out, rec = tombstoneOutcome(r.Status), r
			return nil
		}
		if err != nil {
			return err
		}
		if r.Status != StatusPending {
			out, rec = tombstoneOutcome(r.Status), r
			return nil
		}

		prev := r.Status
		out = fn(&r, now)
		if r.Status != prev {
			r.clearToken()
			if err := updateRecord(ctx, tx, records, r); err != nil {
				return err
			}
		}
		rec = r
		return nil
	})
	if err != nil {
		return "", Record{}, fmt.Errorf("token transition: %w", err)
	}
	return out, rec, nil
}

func (s *PostgresRepository) FindByEmail(ctx context.Context, email string) (Record, error) {
	norm := NormalizeEmail(email)
	if norm == "" {
		return Record{}, ErrInvalidInput
	}
	return selectRecord(ctx, s.pool, s.table(), "email_normalized", norm, false)
}

func (s *PostgresRepository) FindByTokenHash(ctx context.Context, lookupHash string) (Record, error) {
	lookupHash = strings.TrimSpace(lookupHash)
	if lookupHash == "" {
		return Record{}, ErrInvalidInput
	}
	return selectRecord(ctx, s.pool, s.table(), "confirm_token_lookup_hash", lookupHash, false)
}

func (s *PostgresRepository) FindByReferralCode(ctx context.Context, code string) (Record, error) {
	code = NormalizeReferralCode(code)
	if code == "" {
		return Record{}, ErrNotFound
	}
	return selectRecord(ctx, s.pool, s.table(), "referral_code", code, false)
}

func (s *PostgresRepository) IncrementReferralCount(ctx context.Context, id string) (int, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, ErrInvalidInput
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET referral_count = referral_count + 1,
		        updated_at = now()
		  WHERE id = $1
		RETURNING referral_count`,
		id,
	).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return n, nil
}

func (s *PostgresRepository) SaveDraft(ctx context.Context, email string, draft Draft, now time.Time) error {
	norm := NormalizeEmail(email)
	if norm == "" {
		return ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	records := s.table()

	return pgutil.RunTx(ctx, s.pool, readCommitted, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT draft FROM `+records+` WHERE email_normalized = $1 FOR UPDATE`,
			norm,
		).Scan(&raw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var prev *Draft
		if len(raw) > 0 {
			var d Draft
			if err := json.Unmarshal(raw, &d); err == nil {
				prev = &d
			}
		}
		merged := MergeDraft(prev, draft, now)
		enc, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE `+records+` SET draft = $2, updated_at = $3 WHERE email_normalized = $1`,
			norm, enc, now.UTC(),
		)
		return err
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// selectRecord loads the record where column = value. column is always a constant.
func selectRecord(ctx context.Context, q querier, records, column, value string, forUpdate bool) (Record, error) {
	sql := `SELECT ` + recordColumns + ` FROM ` + records + ` WHERE ` + column + ` = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	} else {
		sql += ` ORDER BY updated_at DESC LIMIT 1`
	}
	return scanRecord(q.QueryRow(ctx, sql, value))
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r        Record
		status   string
		utmRaw   []byte
		draftRaw []byte
	)
	err := row.Scan(
		&r.ID,
		&r.Email,
		&r.EmailNormalized,
		&status,
		&r.ConfirmTokenHash,
		&r.ConfirmTokenLookupHash,
		&r.ConfirmSalt,
		&r.ConfirmExpiresAt,
		&r.ConsumedTokenLookupHash,
		&r.Consent.Granted,
		&r.Consent.At,
		&utmRaw,
		&r.Ref,
		&r.Locale,
		&r.ReferralCode,
		&r.ReferralCount,
		&draftRaw,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.ConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.Status = Status(status)
	if !r.Status.Valid() {
		return Record{}, fmt.Errorf("waitlist: unknown status %q for record %s", status, r.ID)
	}
	if len(utmRaw) > 0 {
		var u UTM
		if err := json.Unmarshal(utmRaw, &u); err != nil {
			return Record{}, fmt.Errorf("waitlist: decode utm for record %s: %w", r.ID, err)
		}
		r.UTM = &u
	}
	if len(draftRaw) > 0 {
		var d Draft
		if err := json.Unmarshal(draftRaw, &d); err != nil {
			return Record{}, fmt.Errorf("waitlist: decode draft for record %s: %w", r.ID, err)
		}
		r.Draft = &d
	}
	return r, nil
}

// insertRecord reports false when another row already holds the email or the
// referral code. A lookup hash collision is returned as a unique violation.
func insertRecord(ctx context.Context, tx pgx.Tx, records string, r Record) (bool, error) {
	utm, err := marshalUTM(r.UTM)
	if err != nil {
		return false, err
	}
	// Savepoint so a referral code collision leaves the outer transaction usable.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, err
	}
	tag, err := sp.Exec(ctx,
		`INSERT INTO `+records+` (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULL, $17, $18, NULL)
		 ON CONFLICT (email_normalized) DO NOTHING`,
		r.ID,
		r.Email,
		r.EmailNormalized,
		string(r.Status),
		r.ConfirmTokenHash,
		r.ConfirmTokenLookupHash,
		r.ConfirmSalt,
		r.ConfirmExpiresAt,
		r.ConsumedTokenLookupHash,
		r.Consent.Granted,
		r.Consent.At,
		utm,
		r.Ref,
		r.Locale,
		r.ReferralCode,
		r.ReferralCount,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		if pgutil.IsUniqueViolation(err, referralCodeConstraint) {
			return false, nil
		}
		return false, err
	}
	if err := sp.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// updateRecord writes every mutable column of r. Draft and referral_count have
// their own writers and are left alone.
func updateRecord(ctx context.Context, tx pgx.Tx, records string, r Record) error {
	utm, err := marshalUTM(r.UTM)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE `+records+`
		    SET status = $2,
		        confirm_token_hash = $3,
		        confirm_token_lookup_hash = $4,
		        confirm_salt = $5,
		        confirm_expires_at = $6,
		        consumed_token_lookup_hash = $7,
		        consent_granted = $8,
		        consent_at = $9,
		        utm = $10,
		        ref = $11,
		        locale = $12,
		        updated_at = $13,
		        confirmed_at = $14
		  WHERE id = $1`,
		r.ID,
		string(r.Status),
		r.ConfirmTokenHash,
		r.ConfirmTokenLookupHash,
		r.ConfirmSalt,
		r.ConfirmExpiresAt,
		r.ConsumedTokenLookupHash,
		r.Consent.Granted,
		r.Consent.At,
		utm,
		r.Ref,
		r.Locale,
		r.UpdatedAt,
		r.ConfirmedAt,
	)
	return err
}

func marshalUTM(u *UTM) ([]byte, error) {
	if u.IsZero() {
		return nil, nil
	}
	return json.Marshal(u)
}
