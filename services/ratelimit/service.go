package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
)

// Window is a fixed, UTC-aligned counting window
type Window string

const (
	WindowHour Window = "hour"
	WindowDay  Window = "day"
)

// Denial reasons, in evaluation order
const (
	ReasonRequestsPerHour = "requests_per_hour"
	ReasonRequestsPerDay  = "requests_per_day"
	ReasonTokensPerDay    = "tokens_per_day"
)

// Limits are the ceilings of one tier. Zero means unlimited.
type Limits struct {
	RequestsPerHour int64 `json:"requests_per_hour"`
	RequestsPerDay  int64 `json:"requests_per_day"`
	TokensPerDay    int64 `json:"tokens_per_day"`
}

// Decision is the result of an admission check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
}

// Failure converts a denial into a RateLimited execution failure
func (d *Decision) Failure() *services.ExecutionFailure {
	return services.RateLimited(fmt.Sprintf("exceeded %d %s", d.Limit, humanReason(d.Reason)), d.RetryAfter).
		WithDetail("reason", d.Reason).
		WithDetail("limit", d.Limit).
		WithDetail("reset_at", d.ResetAt)
}

func humanReason(reason string) string {
	switch reason {
	case ReasonRequestsPerHour:
		return "requests per hour"
	case ReasonRequestsPerDay:
		return "requests per day"
	case ReasonTokensPerDay:
		return "tokens per day"
	}
	return reason
}

// WindowStatus is the state of one ceiling
type WindowStatus struct {
	Name      string    `json:"name"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Snapshot is the caller's current limiter state
type Snapshot struct {
	CallerID string         `json:"caller_id"`
	Tier     providers.Tier `json:"tier"`
	Windows  []WindowStatus `json:"windows"`
}

// Limiter enforces per-tier request and token ceilings over a CounterStore.
// It is the only component that touches rate limit counters.
type Limiter struct {
	store  CounterStore
	limits map[providers.Tier]Limits
	logger *zap.Logger
	now    func() time.Time
}

// NewLimiter creates a limiter after validating the tier ceilings
func NewLimiter(store CounterStore, limits map[providers.Tier]Limits, logger *zap.Logger) (*Limiter, error) {
	if err := ValidateTierLimits(limits); err != nil {
		return nil, err
	}

	copied := make(map[providers.Tier]Limits, len(limits))
	for tier, l := range limits {
		copied[tier] = l
	}

	return &Limiter{
		store:  store,
		limits: copied,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock replaces the limiter's time source
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// ValidateTierLimits requires every built-in tier to be configured with
// non-negative ceilings that strictly increase from anonymous to pro
func ValidateTierLimits(limits map[providers.Tier]Limits) error {
	for _, tier := range providers.Tiers {
		l, ok := limits[tier]
		if !ok {
			return fmt.Errorf("missing limits for tier %s", tier)
		}
		if l.RequestsPerHour < 0 || l.RequestsPerDay < 0 || l.TokensPerDay < 0 {
			return fmt.Errorf("limits for tier %s cannot be negative", tier)
		}
	}

	ceilings := []struct {
		name string
		get  func(Limits) int64
	}{
		{ReasonRequestsPerHour, func(l Limits) int64 { return l.RequestsPerHour }},
		{ReasonRequestsPerDay, func(l Limits) int64 { return l.RequestsPerDay }},
		{ReasonTokensPerDay, func(l Limits) int64 { return l.TokensPerDay }},
	}

	for _, c := range ceilings {
		for i := 1; i < len(providers.Tiers); i++ {
			lower, higher := providers.Tiers[i-1], providers.Tiers[i]
			lo, hi := effective(c.get(limits[lower])), effective(c.get(limits[higher]))
			if hi <= lo && !(lo == math.MaxInt64 && hi == math.MaxInt64) {
				return fmt.Errorf("%s for tier %s must exceed tier %s", c.name, higher, lower)
			}
		}
	}

	return nil
}

// effective treats zero as unlimited for ordering purposes
func effective(limit int64) int64 {
	if limit <= 0 {
		return math.MaxInt64
	}
	return limit
}

// LimitsFor returns the ceilings of a tier
func (l *Limiter) LimitsFor(tier providers.Tier) (Limits, bool) {
	limits, ok := l.limits[tier]
	return limits, ok
}

// Admit atomically checks every ceiling for the caller and, if all pass,
// counts the request against the hourly and daily windows. The token
// ceiling is checked against tokens committed so far.
func (l *Limiter) Admit(ctx context.Context, callerID string, tier providers.Tier) (*Decision, error) {
	limits, ok := l.limits[tier]
	if !ok {
		return nil, services.InvalidRequest("", fmt.Sprintf("unknown tier %q", tier), nil)
	}

	now := l.now().UTC()
	hourStart, hourReset := getWindowBounds(now, WindowHour)
	dayStart, dayReset := getWindowBounds(now, WindowDay)

	checks := []Check{
		{Key: buildKey(tier, callerID, "req", WindowHour, hourStart), Limit: limits.RequestsPerHour, Increment: 1, ExpireAt: hourReset},
		{Key: buildKey(tier, callerID, "req", WindowDay, dayStart), Limit: limits.RequestsPerDay, Increment: 1, ExpireAt: dayReset},
		{Key: buildKey(tier, callerID, "tokens", WindowDay, dayStart), Limit: limits.TokensPerDay, Increment: 0, ExpireAt: dayReset},
	}
	reasons := []string{ReasonRequestsPerHour, ReasonRequestsPerDay, ReasonTokensPerDay}

	result, err := l.store.Reserve(ctx, checks)
	if err != nil {
		l.logger.Error("rate limit store unavailable",
			zap.String("caller_id", callerID),
			zap.Error(err))
		return nil, services.ProviderUnavailable("", "rate limit store unavailable", err)
	}

	if !result.Allowed {
		denied := checks[result.Denied]
		return &Decision{
			Allowed:    false,
			Reason:     reasons[result.Denied],
			Limit:      denied.Limit,
			Remaining:  0,
			ResetAt:    denied.ExpireAt,
			RetryAfter: retryAfter(now, denied.ExpireAt),
		}, nil
	}

	// Report the tightest request window
	decision := &Decision{Allowed: true, Remaining: -1}
	for i := 0; i < 2; i++ {
		if checks[i].Limit <= 0 {
			continue
		}
		remaining := checks[i].Limit - result.Counts[i]
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Limit = checks[i].Limit
			decision.Remaining = remaining
			decision.ResetAt = checks[i].ExpireAt
		}
	}

	return decision, nil
}

// Commit charges tokens to the caller's daily token budget
func (l *Limiter) Commit(ctx context.Context, callerID string, tier providers.Tier, tokens int) error {
	if tokens <= 0 {
		return nil
	}

	now := l.now().UTC()
	dayStart, dayReset := getWindowBounds(now, WindowDay)

	if _, err := l.store.IncrBy(ctx, buildKey(tier, callerID, "tokens", WindowDay, dayStart), int64(tokens), dayReset); err != nil {
		return fmt.Errorf("failed to commit tokens: %w", err)
	}

	return nil
}

// Status returns the caller's current usage against every ceiling
func (l *Limiter) Status(ctx context.Context, callerID string, tier providers.Tier) (*Snapshot, error) {
	limits, ok := l.limits[tier]
	if !ok {
		return nil, services.InvalidRequest("", fmt.Sprintf("unknown tier %q", tier), nil)
	}

	now := l.now().UTC()
	hourStart, hourReset := getWindowBounds(now, WindowHour)
	dayStart, dayReset := getWindowBounds(now, WindowDay)

	values, err := l.store.Get(ctx,
		buildKey(tier, callerID, "req", WindowHour, hourStart),
		buildKey(tier, callerID, "req", WindowDay, dayStart),
		buildKey(tier, callerID, "tokens", WindowDay, dayStart),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit counters: %w", err)
	}

	windows := []WindowStatus{
		newWindowStatus(ReasonRequestsPerHour, values[0], limits.RequestsPerHour, hourReset),
		newWindowStatus(ReasonRequestsPerDay, values[1], limits.RequestsPerDay, dayReset),
		newWindowStatus(ReasonTokensPerDay, values[2], limits.TokensPerDay, dayReset),
	}

	return &Snapshot{CallerID: callerID, Tier: tier, Windows: windows}, nil
}

func newWindowStatus(name string, used, limit int64, reset time.Time) WindowStatus {
	remaining := int64(-1)
	if limit > 0 {
		remaining = limit - used
		if remaining < 0 {
			remaining = 0
		}
	}
	return WindowStatus{Name: name, Used: used, Limit: limit, Remaining: remaining, ResetAt: reset}
}

// getWindowBounds returns the start and reset time for a UTC-aligned window
func getWindowBounds(now time.Time, window Window) (start time.Time, reset time.Time) {
	now = now.UTC()
	switch window {
	case WindowDay:
		start = now.Truncate(24 * time.Hour)
		reset = start.Add(24 * time.Hour)
	default:
		start = now.Truncate(time.Hour)
		reset = start.Add(time.Hour)
	}
	return start, reset
}

// buildKey builds the counter key for a (tier, caller, window) triple
func buildKey(tier providers.Tier, callerID, metric string, window Window, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%s:%d", tier, callerID, metric, window, start.Unix())
}

// retryAfter rounds the time to the window boundary up to whole seconds
func retryAfter(now, reset time.Time) time.Duration {
	d := reset.Sub(now)
	if d <= 0 {
		return 0
	}
	return d.Truncate(time.Second) + roundUp(d)
}

func roundUp(d time.Duration) time.Duration {
	if d%time.Second == 0 {
		return 0
	}
	return time.Second
}
