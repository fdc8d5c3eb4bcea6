package referral

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/pgutil"
)

const defaultListLimit = 100

// PostgresEventStore persists events in <schema>.referral_events.
type PostgresEventStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresEventStore.
type StoreOption func(*PostgresEventStore) error

// WithSchema sets the DB schema used by the store (default: "waitlist").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresEventStore) error {
		v, err := pgutil.NormalizeSchema(schema)
		if err != nil {
			return ErrInvalidInput
		}
		s.schema = v
		return nil
	}
}

// NewPostgresEventStore constructs a PostgresEventStore. The pool is owned by the caller.
func NewPostgresEventStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresEventStore, error) {
	st := &PostgresEventStore{pool: pool, schema: pgutil.DefaultSchema}
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

func (s *PostgresEventStore) Append(ctx context.Context, e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	var reason *string
	if e.Reason != ReasonNone {
		r := string(e.Reason)
		reason = &r
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgutil.Ident(s.schema, "referral_events")+` (
		     id, type, referrer_id, referee_id, code, reason, ip_hash, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID,
		string(e.Type),
		e.ReferrerID,
		e.RefereeID,
		e.Code,
		reason,
		e.IPHash,
		e.CreatedAt,
	)
	return err
}

func (s *PostgresEventStore) ListByReferrer(ctx context.Context, referrerID string, limit int) ([]Event, error) {
	referrerID = strings.TrimSpace(referrerID)
	if referrerID == "" {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, type, referrer_id, referee_id, code, reason, ip_hash, created_at
		   FROM `+pgutil.Ident(s.schema, "referral_events")+`
		  WHERE referrer_id = $1
		  ORDER BY created_at ASC, id ASC
		  LIMIT $2`,
		referrerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e      Event
			typ    string
			reason *string
		)
		if err := rows.Scan(&e.ID, &typ, &e.ReferrerID, &e.RefereeID, &e.Code, &reason, &e.IPHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		if reason != nil {
			e.Reason = Reason(*reason)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
