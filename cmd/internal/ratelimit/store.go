package ratelimit

import (
	"context"
	"time"
)

// Counter is one fixed-window counter as persisted by a CounterStore.
type Counter struct {
	Key       string
	Count     int
	Limit     int
	ExpiresAt time.Time
}

// CounterStore increments counters atomically per key.
//
// Increment contract:
//   - If no counter exists for key, or its stored ExpiresAt is not after now,
//     the counter is (re)created with Count=1 and the given expiresAt.
//   - Otherwise Count is incremented and the stored ExpiresAt is kept.
//   - Concurrent increments for the same key are each counted exactly once.
type CounterStore interface {
	Increment(ctx context.Context, key string, limit int, expiresAt, now time.Time) (Counter, error)
}
