package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/repositories"
	"github.com/upb/ai-execution-gateway/services/providers"
	"go.uber.org/zap"
)

// Window selects the time range of an aggregate
type Window string

const (
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// ErrInvalidWindow is returned for an unrecognized aggregation window
var ErrInvalidWindow = errors.New("invalid usage window")

// ParseWindow parses a window name; empty means day
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case "":
		return WindowDay, nil
	case WindowHour, WindowDay, WindowWeek, WindowMonth, WindowAll:
		return w, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidWindow, s)
	}
}

// Bounds returns the calendar range (UTC) of the window containing now.
// Hour and day match the rate limiter's windows; weeks start on Monday.
func (w Window) Bounds(now time.Time) (since, until time.Time) {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch w {
	case WindowHour:
		since = now.Truncate(time.Hour)
		return since, since.Add(time.Hour)
	case WindowDay:
		return day, day.AddDate(0, 0, 1)
	case WindowWeek:
		offset := (int(day.Weekday()) + 6) % 7
		since = day.AddDate(0, 0, -offset)
		return since, since.AddDate(0, 0, 7)
	case WindowMonth:
		since = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return since, since.AddDate(0, 1, 0)
	default:
		// all: everything recorded up to and including now
		return time.Time{}, now.Add(time.Nanosecond)
	}
}

// Aggregate is a caller's usage over a window
type Aggregate struct {
	CallerID     string    `json:"caller_id"`
	Window       Window    `json:"window"`
	Calls        int64     `json:"calls"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Tokens       int64     `json:"tokens"`
	Cost         float64   `json:"cost"`
	Since        time.Time `json:"since"`
	Until        time.Time `json:"until"`
}

// Tracker appends one usage record per successful execution and aggregates
// them per caller
type Tracker struct {
	repo   repositories.UsageRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker creates a new usage tracker over a usage repository
func NewTracker(repo repositories.UsageRepository, logger *zap.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the tracker's time source
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record appends the usage of a successful execution. It returns false when
// the caller already recorded the request id; totals are never counted twice.
func (t *Tracker) Record(ctx context.Context, result *providers.ExecutionResult, callerID string, tier providers.Tier) (bool, error) {
	if result == nil {
		return false, errors.New("usage: result is required")
	}
	if result.RequestID == "" {
		return false, errors.New("usage: result has no request id")
	}

	record := models.NewUsageRecord(result.RequestID, callerID, string(tier), result.ProviderID, result.Model).
		WithTokens(result.InputTokens, result.OutputTokens).
		WithPricing(result.InputPrice, result.OutputPrice).
		WithLatency(result.Latency)
	if !result.Timestamp.IsZero() {
		record.CreatedAt = result.Timestamp.UTC()
	} else {
		record.CreatedAt = t.now().UTC()
	}

	inserted, err := t.repo.Insert(ctx, record)
	if err != nil {
		return false, fmt.Errorf("failed to record usage: %w", err)
	}

	if !inserted {
		t.logger.Info("duplicate usage record ignored",
			zap.String("request_id", result.RequestID),
			zap.String("caller_id", callerID),
		)
		return false, nil
	}

	return true, nil
}

// Recorded reports whether the caller already has usage recorded under
// requestID
func (t *Tracker) Recorded(ctx context.Context, callerID, requestID string) (bool, error) {
	_, err := t.repo.GetByRequestID(ctx, callerID, requestID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repositories.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to look up usage record: %w", err)
	}
}

// Aggregate sums a caller's usage over the window containing now
func (t *Tracker) Aggregate(ctx context.Context, callerID string, window Window) (*Aggregate, error) {
	if _, err := ParseWindow(string(window)); err != nil {
		return nil, err
	}
	if window == "" {
		window = WindowDay
	}

	since, until := window.Bounds(t.now())
	totals, err := t.repo.Aggregate(ctx, callerID, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	agg := &Aggregate{
		CallerID:     callerID,
		Window:       window,
		Calls:        totals.Calls,
		InputTokens:  totals.InputTokens,
		OutputTokens: totals.OutputTokens,
		Tokens:       totals.InputTokens + totals.OutputTokens,
		Cost:         totals.Cost,
		Since:        since,
		Until:        until,
	}
	if window == WindowAll {
		agg.Until = until.Add(-time.Nanosecond)
	}

	return agg, nil
}
