package ratelimit

import (
	"context"
	"time"
)

// Check is one ceiling evaluated by CounterStore.Reserve
type Check struct {
	// Key identifies the counter
	Key string

	// Limit is the ceiling; zero or negative means unlimited
	Limit int64

	// Increment is added to the counter when every check passes. A zero
	// increment only checks that the counter is still below the ceiling.
	Increment int64

	// ExpireAt is the window boundary at which the counter disappears
	ExpireAt time.Time
}

// exceeds reports whether current plus this check's demand breaches the ceiling
func (c Check) exceeds(current int64) bool {
	if c.Limit <= 0 {
		return false
	}
	need := c.Increment
	if need < 1 {
		need = 1
	}
	return current+need > c.Limit
}

// ReserveResult is the outcome of a Reserve call
type ReserveResult struct {
	// Allowed is true when every check passed and increments were applied
	Allowed bool

	// Denied is the index of the first failing check, or -1
	Denied int

	// Counts holds the counter values after the increments when allowed, or
	// the current value of the failing check when denied
	Counts []int64
}

// CounterStore is the shared, expiring counter storage behind the limiter.
// Implementations must make Reserve atomic: all checks are evaluated and,
// only if all pass, all increments are applied, with no interleaving.
type CounterStore interface {
	// Reserve evaluates checks in order and applies their increments atomically
	Reserve(ctx context.Context, checks []Check) (*ReserveResult, error)

	// IncrBy adds n to key, setting its expiry, and returns the new value
	IncrBy(ctx context.Context, key string, n int64, expireAt time.Time) (int64, error)

	// Get returns the current values of keys; missing keys read as zero
	Get(ctx context.Context, keys ...string) ([]int64, error)
}
