package services

import (
	"errors"
	"fmt"
	"time"
)

// FailureKind is the closed set of ways an execution can fail
type FailureKind string

const (
	// KindInvalidRequest covers malformed input; not retried
	KindInvalidRequest FailureKind = "invalid_request"
	// KindUnknownProvider is a registry miss; not retried
	KindUnknownProvider FailureKind = "unknown_provider"
	// KindRateLimited is a limiter denial; retry after the hint
	KindRateLimited FailureKind = "rate_limited"
	// KindProviderThrottled is a provider-reported quota; retry after its hint
	KindProviderThrottled FailureKind = "provider_throttled"
	// KindProviderUnavailable covers timeouts and 5xx; safe to retry with backoff
	KindProviderUnavailable FailureKind = "provider_unavailable"
	// KindAuthenticationFailed means the gateway's provider credentials were rejected
	KindAuthenticationFailed FailureKind = "authentication_failed"
)

// Kinds lists every failure kind
var Kinds = []FailureKind{
	KindInvalidRequest,
	KindUnknownProvider,
	KindRateLimited,
	KindProviderThrottled,
	KindProviderUnavailable,
	KindAuthenticationFailed,
}

// Retryable reports whether a caller may retry a request that failed with this kind
func (k FailureKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindProviderThrottled, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// ExecutionFailure is the normalized failure returned by adapters and the gateway.
// It never carries partial output.
type ExecutionFailure struct {
	Kind       FailureKind
	Provider   string
	RetryAfter time.Duration
	Message    string
	Err        error
	Details    map[string]interface{}
}

// Error implements the error interface
func (e *ExecutionFailure) Error() string {
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Kind, e.Provider)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}

// Is matches on kind so sentinel failures work with errors.Is
func (e *ExecutionFailure) Is(target error) bool {
	t, ok := target.(*ExecutionFailure)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail adds a detail to the failure
func (e *ExecutionFailure) WithDetail(key string, value interface{}) *ExecutionFailure {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the retry-after hint
func (e *ExecutionFailure) WithRetryAfter(d time.Duration) *ExecutionFailure {
	if d < 0 {
		d = 0
	}
	e.RetryAfter = d
	return e
}

// NewFailure creates a new execution failure
func NewFailure(kind FailureKind, provider, message string, err error) *ExecutionFailure {
	return &ExecutionFailure{
		Kind:     kind,
		Provider: provider,
		Message:  message,
		Err:      err,
		Details:  make(map[string]interface{}),
	}
}

// Sentinel failures for errors.Is comparisons

var (
	ErrInvalidRequest       = &ExecutionFailure{Kind: KindInvalidRequest, Message: "invalid request"}
	ErrUnknownProvider      = &ExecutionFailure{Kind: KindUnknownProvider, Message: "unknown provider"}
	ErrRateLimited          = &ExecutionFailure{Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrProviderThrottled    = &ExecutionFailure{Kind: KindProviderThrottled, Message: "provider throttled the request"}
	ErrProviderUnavailable  = &ExecutionFailure{Kind: KindProviderUnavailable, Message: "provider unavailable"}
	ErrAuthenticationFailed = &ExecutionFailure{Kind: KindAuthenticationFailed, Message: "provider rejected gateway credentials"}
)

// Constructors

// InvalidRequest builds an InvalidRequest failure
func InvalidRequest(provider, message string, err error) *ExecutionFailure {
	return NewFailure(KindInvalidRequest, provider, message, err)
}

// UnknownProvider builds an UnknownProvider failure
func UnknownProvider(provider string) *ExecutionFailure {
	return NewFailure(KindUnknownProvider, provider, fmt.Sprintf("provider %q is not registered", provider), nil)
}

// RateLimited builds a RateLimited failure carrying the limiter's retry hint
func RateLimited(reason string, retryAfter time.Duration) *ExecutionFailure {
	return NewFailure(KindRateLimited, "", reason, nil).WithRetryAfter(retryAfter)
}

// ProviderThrottled builds a ProviderThrottled failure
func ProviderThrottled(provider, message string, retryAfter time.Duration, err error) *ExecutionFailure {
	return NewFailure(KindProviderThrottled, provider, message, err).WithRetryAfter(retryAfter)
}

// ProviderUnavailable builds a ProviderUnavailable failure
func ProviderUnavailable(provider, message string, err error) *ExecutionFailure {
	return NewFailure(KindProviderUnavailable, provider, message, err)
}

// AuthenticationFailed builds an AuthenticationFailed failure
func AuthenticationFailed(provider, message string, err error) *ExecutionFailure {
	return NewFailure(KindAuthenticationFailed, provider, message, err)
}

// Kind checking helper functions

// AsFailure extracts the ExecutionFailure from an error chain
func AsFailure(err error) (*ExecutionFailure, bool) {
	var failure *ExecutionFailure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, or empty string if err is not an ExecutionFailure
func KindOf(err error) FailureKind {
	if failure, ok := AsFailure(err); ok {
		return failure.Kind
	}
	return ""
}

// IsInvalidRequest checks if an error is an InvalidRequest failure
func IsInvalidRequest(err error) bool {
	return KindOf(err) == KindInvalidRequest
}

// IsUnknownProvider checks if an error is an UnknownProvider failure
func IsUnknownProvider(err error) bool {
	return KindOf(err) == KindUnknownProvider
}

// IsRateLimited checks if an error is a RateLimited failure
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsProviderThrottled checks if an error is a ProviderThrottled failure
func IsProviderThrottled(err error) bool {
	return KindOf(err) == KindProviderThrottled
}

// IsProviderUnavailable checks if an error is a ProviderUnavailable failure
func IsProviderUnavailable(err error) bool {
	return KindOf(err) == KindProviderUnavailable
}

// IsAuthenticationFailed checks if an error is an AuthenticationFailed failure
func IsAuthenticationFailed(err error) bool {
	return KindOf(err) == KindAuthenticationFailed
}

// GetRetryAfter returns the retry-after hint of a failure, or zero
func GetRetryAfter(err error) time.Duration {
	if failure, ok := AsFailure(err); ok {
		return failure.RetryAfter
	}
	return 0
}

// GetFailureDetails returns the details map of a failure, or nil
func GetFailureDetails(err error) map[string]interface{} {
	if failure, ok := AsFailure(err); ok {
		return failure.Details
	}
	return nil
}
