package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/ratelimit"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/referral"
	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/waitlist"
)

// backends owns every storage resource the services run on.
type backends struct {
	pool  *pgxpool.Pool
	redis *redis.Client

	repo     waitlist.Repository
	events   referral.EventStore
	counters ratelimit.CounterStore

	rateLimitBackend string
	// sweep purges expired counters; nil for backends that expire keys themselves.
	sweep func(ctx context.Context, now time.Time) error
}

// newBackends decides between Postgres-backed persistence and the in-memory dev stores,
// then picks the counter store for the rate limiter.
func newBackends(ctx context.Context, cfg Config, log Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		b.repo = waitlist.NewMemoryRepository()
		b.events = referral.NewMemoryEventStore()
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b.pool = pool

		repo, err := waitlist.NewPostgresRepository(pool, waitlist.WithSchema(cfg.DBSchema))
		if err != nil {
			b.Close()
			return nil, err
		}
		events, err := referral.NewPostgresEventStore(pool, referral.WithSchema(cfg.DBSchema))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.repo, b.events = repo, events
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
	}

	if err := b.initCounters(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	log.Info("ratelimit.backend", "backend", b.rateLimitBackend)
	return b, nil
}

func (b *backends) initCounters(ctx context.Context, cfg Config) error {
	backend := cfg.ResolvedRateLimitBackend()
	switch backend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return fmt.Errorf("rate limit backend %q requires WAITLIST_REDIS_URL", backend)
		}
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		b.redis = client
		store, err := ratelimit.NewRedisStore(client, "")
		if err != nil {
			return err
		}
		b.counters = store
	case BackendPostgres:
		if b.pool == nil {
			return fmt.Errorf("rate limit backend %q requires WAITLIST_DATABASE_URL", backend)
		}
		store, err := ratelimit.NewPostgresStore(b.pool, ratelimit.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		b.counters = store
		b.sweep = func(ctx context.Context, now time.Time) error {
			_, err := store.DeleteExpired(ctx, now)
			return err
		}
	case BackendMemory:
		store := ratelimit.NewMemoryStore()
		b.counters = store
		b.sweep = func(_ context.Context, now time.Time) error {
			store.Sweep(now)
			return nil
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", backend)
	}
	b.rateLimitBackend = backend
	return nil
}

// Close releases pools and clients. The app owns their lifecycle; stores never close them.
func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
