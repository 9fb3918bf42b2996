package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type counter struct {
	value    int64
	expireAt time.Time
}

// MemoryStore is a process-local CounterStore for single-instance
// deployments and tests
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
	logger   *zap.Logger
}

// NewMemoryStore creates an empty in-memory counter store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*counter),
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the store's time source
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// current returns the live value of key; callers hold mu
func (s *MemoryStore) current(key string, now time.Time) int64 {
	c, ok := s.counters[key]
	if !ok {
		return 0
	}
	if !now.Before(c.expireAt) {
		delete(s.counters, key)
		return 0
	}
	return c.value
}

// incr adds n to key; callers hold mu
func (s *MemoryStore) incr(key string, n int64, expireAt time.Time, now time.Time) int64 {
	value := s.current(key, now) + n
	s.counters[key] = &counter{value: value, expireAt: expireAt}
	return value
}

// Reserve implements CounterStore
func (s *MemoryStore) Reserve(ctx context.Context, checks []Check) (*ReserveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for i, check := range checks {
		current := s.current(check.Key, now)
		if check.exceeds(current) {
			return &ReserveResult{Allowed: false, Denied: i, Counts: []int64{current}}, nil
		}
	}

	counts := make([]int64, len(checks))
	for i, check := range checks {
		if check.Increment > 0 {
			counts[i] = s.incr(check.Key, check.Increment, check.ExpireAt, now)
		} else {
			counts[i] = s.current(check.Key, now)
		}
	}

	return &ReserveResult{Allowed: true, Denied: -1, Counts: counts}, nil
}

// IncrBy implements CounterStore
func (s *MemoryStore) IncrBy(ctx context.Context, key string, n int64, expireAt time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.incr(key, n, expireAt, s.now()), nil
}

// Get implements CounterStore
func (s *MemoryStore) Get(ctx context.Context, keys ...string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	values := make([]int64, len(keys))
	for i, key := range keys {
		values[i] = s.current(key, now)
	}
	return values, nil
}

// Len returns the number of stored counters, including expired ones not yet swept
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// CleanupExpired removes counters whose window has closed
func (s *MemoryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, c := range s.counters {
		if !now.Before(c.expireAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically sweeps expired counters until ctx is done
func (s *MemoryStore) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if removed := s.CleanupExpired(); removed > 0 {
				s.logger.Debug("cleaned up expired rate limit counters",
					zap.Int("removed", removed))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
