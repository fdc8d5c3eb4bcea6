package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/louhenhq/louhen-landing-sub000/cmd/internal/keylock"
)

const memSweepEvery = 1024

// MemoryStore is a process-local CounterStore.
// It does not coordinate across processes; use it for dev and tests only.
type MemoryStore struct {
	locks keylock.Locks

	mu       sync.RWMutex
	counters map[string]Counter
	ops      int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]Counter)}
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(ctx context.Context, key string, limit int, expiresAt, now time.Time) (Counter, error) {
	if key == "" {
		return Counter{}, errors.New("ratelimit: empty key")
	}
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()

	if !ok || !c.ExpiresAt.After(now) {
		c = Counter{Key: key, Count: 1, Limit: limit, ExpiresAt: expiresAt}
	} else {
		c.Count++
	}

	s.mu.Lock()
	s.counters[key] = c
	s.ops++
	if s.ops%memSweepEvery == 0 {
		s.sweepLocked(now)
	}
	s.mu.Unlock()

	return c, nil
}

// Len returns the number of stored counters, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}

// Sweep drops counters whose window has ended.
func (s *MemoryStore) Sweep(now time.Time) {
	s.mu.Lock()
	s.sweepLocked(now)
	s.mu.Unlock()
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, c := range s.counters {
		if !c.ExpiresAt.After(now) {
			delete(s.counters, k)
		}
	}
}
