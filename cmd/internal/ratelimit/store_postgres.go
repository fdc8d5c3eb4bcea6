package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/pgutil"
)

// PostgresStore persists counters in <schema>.rate_limit_counters.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "waitlist").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := pgutil.NormalizeSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. The pool is owned by the caller.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("ratelimit: nil pool")
	}
	return st, nil
}

// Increment implements CounterStore with a serializable read-modify-write.
func (s *PostgresStore) Increment(ctx context.Context, key string, limit int, expiresAt, now time.Time) (Counter, error) {
	if key == "" {
		return Counter{}, errors.New("ratelimit: empty key")
	}
	counters := pgutil.Ident(s.schema, "rate_limit_counters")

	var out Counter
	err := pgutil.RunTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		var (
			count    int
			maxCount int
			expires  time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT count, max_count, expires_at
			   FROM `+counters+`
			  WHERE key = $1
			  FOR UPDATE`,
			key,
		).Scan(&count, &maxCount, &expires)

		switch {
		case err == nil && expires.After(now):
			// Live window: increment, trusting the stored expiry.
			err = tx.QueryRow(ctx,
				`UPDATE `+counters+`
				    SET count = count + 1,
				        updated_at = $2
				  WHERE key = $1
				RETURNING count, max_count, expires_at`,
				key, now,
			).Scan(&out.Count, &out.Limit, &out.ExpiresAt)
			return err
		case err == nil || errors.Is(err, pgx.ErrNoRows):
			// Absent or expired: (re)create the window.
			err = tx.QueryRow(ctx,
				`INSERT INTO `+counters+` AS c (key, count, max_count, expires_at, updated_at)
				 VALUES ($1, 1, $2, $3, $4)
				 ON CONFLICT (key) DO UPDATE
				    SET count = CASE WHEN c.expires_at <= $4 THEN 1 ELSE c.count + 1 END,
				        max_count = CASE WHEN c.expires_at <= $4 THEN EXCLUDED.max_count ELSE c.max_count END,
				        expires_at = CASE WHEN c.expires_at <= $4 THEN EXCLUDED.expires_at ELSE c.expires_at END,
				        updated_at = EXCLUDED.updated_at
				RETURNING count, max_count, expires_at`,
				key, limit, expiresAt, now,
			).Scan(&out.Count, &out.Limit, &out.ExpiresAt)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return Counter{}, err
	}
	out.Key = key
	return out, nil
}

// DeleteExpired removes counters whose window ended before now. It is safe to call at any time.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	counters := pgutil.Ident(s.schema, "rate_limit_counters")
	ct, err := s.pool.Exec(ctx, `DELETE FROM `+counters+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
