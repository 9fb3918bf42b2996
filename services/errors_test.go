package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFailure(t *testing.T) {
	baseErr := errors.New("base error")
	failure := NewFailure(KindProviderUnavailable, "openai", "upstream returned 503", baseErr)

	assert.Equal(t, KindProviderUnavailable, failure.Kind)
	assert.Equal(t, "openai", failure.Provider)
	assert.Equal(t, "upstream returned 503", failure.Message)
	assert.Equal(t, baseErr, failure.Err)
	assert.NotNil(t, failure.Details)
}

func TestExecutionFailure_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *ExecutionFailure
		wantMsg string
	}{
		{
			name: "with provider and wrapped error",
			err: &ExecutionFailure{
				Kind:     KindProviderUnavailable,
				Provider: "anthropic",
				Message:  "request timed out",
				Err:      errors.New("context deadline exceeded"),
			},
			wantMsg: "provider_unavailable [anthropic]: request timed out (context deadline exceeded)",
		},
		{
			name: "without provider",
			err: &ExecutionFailure{
				Kind:    KindRateLimited,
				Message: "exceeded 3 requests per hour",
			},
			wantMsg: "rate_limited: exceeded 3 requests per hour",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestExecutionFailure_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same kind",
			err:    UnknownProvider("ghost"),
			target: ErrUnknownProvider,
			want:   true,
		},
		{
			name:   "different kind",
			err:    InvalidRequest("openai", "prompt is empty", nil),
			target: ErrUnknownProvider,
			want:   false,
		},
		{
			name:   "wrapped failure",
			err:    fmt.Errorf("execute: %w", RateLimited("limit", time.Minute)),
			target: ErrRateLimited,
			want:   true,
		},
		{
			name:   "plain error",
			err:    errors.New("boom"),
			target: ErrProviderUnavailable,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestExecutionFailure_Unwrap(t *testing.T) {
	baseErr := errors.New("dial tcp: connection refused")
	failure := ProviderUnavailable("gemini", "transport error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(failure))
	assert.True(t, errors.Is(failure, baseErr))
}

func TestWithRetryAfter(t *testing.T) {
	failure := ProviderThrottled("openai", "slow down", 30*time.Second, nil)
	assert.Equal(t, 30*time.Second, failure.RetryAfter)

	failure.WithRetryAfter(-5 * time.Second)
	assert.Equal(t, time.Duration(0), failure.RetryAfter)
}

func TestWithDetail(t *testing.T) {
	failure := &ExecutionFailure{Kind: KindRateLimited}
	failure.WithDetail("reason", "requests_per_hour").WithDetail("limit", 3)

	require.NotNil(t, failure.Details)
	assert.Equal(t, "requests_per_hour", failure.Details["reason"])
	assert.Equal(t, 3, failure.Details["limit"])
}

func TestKindHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"invalid request", InvalidRequest("p1", "bad", nil), IsInvalidRequest},
		{"unknown provider", UnknownProvider("ghost"), IsUnknownProvider},
		{"rate limited", RateLimited("limit", time.Second), IsRateLimited},
		{"provider throttled", ProviderThrottled("p1", "quota", 0, nil), IsProviderThrottled},
		{"provider unavailable", ProviderUnavailable("p1", "down", nil), IsProviderUnavailable},
		{"authentication failed", AuthenticationFailed("p1", "bad key", nil), IsAuthenticationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(fmt.Errorf("wrapped: %w", tt.err)))
			assert.False(t, tt.check(errors.New("plain")))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindProviderThrottled, KindOf(ProviderThrottled("p1", "quota", 0, nil)))
	assert.Equal(t, FailureKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, FailureKind(""), KindOf(nil))
}

func TestGetRetryAfter(t *testing.T) {
	assert.Equal(t, 42*time.Second, GetRetryAfter(RateLimited("limit", 42*time.Second)))
	assert.Equal(t, time.Duration(0), GetRetryAfter(errors.New("plain")))
}

func TestFailureKind_Retryable(t *testing.T) {
	retryable := map[FailureKind]bool{
		KindInvalidRequest:       false,
		KindUnknownProvider:      false,
		KindRateLimited:          true,
		KindProviderThrottled:    true,
		KindProviderUnavailable:  true,
		KindAuthenticationFailed: false,
	}
	require.Len(t, Kinds, len(retryable))
	for _, kind := range Kinds {
		assert.Equal(t, retryable[kind], kind.Retryable(), string(kind))
	}
}
