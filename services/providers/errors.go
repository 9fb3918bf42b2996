package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/upb/ai-execution-gateway/services"
)

// maxErrorBodyBytes bounds how much of an error body is copied into a failure message
const maxErrorBodyBytes = 512

// ClassifyStatus maps an unsuccessful HTTP status from a provider onto the
// failure taxonomy. retryAfter is the raw Retry-After header value, if any.
func ClassifyStatus(provider string, status int, retryAfter string, message string) *services.ExecutionFailure {
	message = truncate(message)
	if message == "" {
		message = http.StatusText(status)
	}

	var failure *services.ExecutionFailure
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		failure = services.AuthenticationFailed(provider, message, nil)
	case status == http.StatusTooManyRequests:
		failure = services.ProviderThrottled(provider, message, ParseRetryAfter(retryAfter, time.Now()), nil)
	case status == http.StatusRequestTimeout:
		failure = services.ProviderUnavailable(provider, message, nil)
	case status >= 400 && status < 500:
		failure = services.InvalidRequest(provider, message, nil)
	default:
		failure = services.ProviderUnavailable(provider, message, nil)
	}

	return failure.WithDetail("status_code", status)
}

// ClassifyTransportError maps a failed round trip (no HTTP response) onto the
// failure taxonomy. Deadlines, cancellations and network errors are all
// ProviderUnavailable.
func ClassifyTransportError(provider string, err error) *services.ExecutionFailure {
	if failure, ok := services.AsFailure(err); ok {
		return failure
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return services.ProviderUnavailable(provider, "request deadline exceeded", err).WithDetail("timeout", true)
	case errors.Is(err, context.Canceled):
		return services.ProviderUnavailable(provider, "request cancelled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.ProviderUnavailable(provider, "network timeout", err).WithDetail("timeout", true)
	}

	return services.ProviderUnavailable(provider, "transport error", err)
}

// MalformedResponse reports a 2xx response the adapter could not decode
func MalformedResponse(provider string, err error) *services.ExecutionFailure {
	return services.ProviderUnavailable(provider, "malformed provider response", err)
}

// ParseRetryAfter parses a Retry-After header given either as delay seconds
// or as an HTTP date. Unparsable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}

// truncate bounds provider-supplied text copied into failure messages
func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBodyBytes {
		return s[:maxErrorBodyBytes] + "..."
	}
	return s
}

// invalid builds an InvalidRequest failure for adapter validation
func invalid(provider, format string, args ...interface{}) error {
	return services.InvalidRequest(provider, fmt.Sprintf(format, args...), nil)
}
