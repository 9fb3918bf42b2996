package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/upb/ai-execution-gateway/services"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   services.FailureKind
		wantRetry  time.Duration
	}{
		{"unauthorized", http.StatusUnauthorized, "", services.KindAuthenticationFailed, 0},
		{"forbidden", http.StatusForbidden, "", services.KindAuthenticationFailed, 0},
		{"throttled with hint", http.StatusTooManyRequests, "20", services.KindProviderThrottled, 20 * time.Second},
		{"throttled without hint", http.StatusTooManyRequests, "", services.KindProviderThrottled, 0},
		{"bad request", http.StatusBadRequest, "", services.KindInvalidRequest, 0},
		{"not found model", http.StatusNotFound, "", services.KindInvalidRequest, 0},
		{"request timeout", http.StatusRequestTimeout, "", services.KindProviderUnavailable, 0},
		{"server error", http.StatusInternalServerError, "", services.KindProviderUnavailable, 0},
		{"bad gateway", http.StatusBadGateway, "", services.KindProviderUnavailable, 0},
		{"overloaded", 529, "", services.KindProviderUnavailable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := ClassifyStatus("p1", tt.status, tt.retryAfter, "upstream said no")
			assert.Equal(t, tt.wantKind, failure.Kind)
			assert.Equal(t, "p1", failure.Provider)
			assert.Equal(t, tt.wantRetry, failure.RetryAfter)
			assert.Equal(t, tt.status, failure.Details["status_code"])
		})
	}
}

func TestClassifyStatus_DefaultMessage(t *testing.T) {
	failure := ClassifyStatus("p1", http.StatusServiceUnavailable, "", "")
	assert.Equal(t, "Service Unavailable", failure.Message)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"deadline", fmt.Errorf("do: %w", context.DeadlineExceeded)},
		{"cancelled", context.Canceled},
		{"net timeout", timeoutErr{}},
		{"connection refused", errors.New("dial tcp 127.0.0.1:1: connect: connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failure := ClassifyTransportError("p1", tt.err)
			assert.Equal(t, services.KindProviderUnavailable, failure.Kind)
			assert.ErrorIs(t, failure, tt.err)
		})
	}

	t.Run("existing failure passes through", func(t *testing.T) {
		original := services.AuthenticationFailed("p1", "bad key", nil)
		assert.Same(t, original, ClassifyTransportError("p1", original))
	})
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, 1500*time.Millisecond, ParseRetryAfter("1.5", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-4", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))

	date := now.Add(2 * time.Minute).Format(http.TimeFormat)
	assert.Equal(t, 2*time.Minute, ParseRetryAfter(date, now))

	past := now.Add(-time.Minute).Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), ParseRetryAfter(past, now))
}
