package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/audit"
	"github.com/upb/ai-execution-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps execution failures to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	// An audit with no completed reviewer is unavailable unless the first
	// reviewer failure was a rate limit or a rejected request
	if errors.Is(err, audit.ErrNoCompletedReviews) {
		switch services.KindOf(err) {
		case services.KindRateLimited, services.KindProviderThrottled, services.KindInvalidRequest:
		default:
			logger.Warn("audit produced no completed reviews", zap.Error(err))
			if err := utils.WriteServiceUnavailable(w, err.Error(), nil); err != nil {
				logger.Error("failed to write service unavailable response", zap.Error(err))
			}
			return
		}
	}

	failure, ok := services.AsFailure(err)
	if !ok {
		logger.Error("unhandled error type", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	details := failureDetails(failure)
	message := failure.Message
	if message == "" {
		message = failure.Error()
	}

	var writeErr error
	switch failure.Kind {
	case services.KindInvalidRequest:
		writeErr = utils.WriteBadRequest(w, message, details)

	case services.KindUnknownProvider:
		writeErr = utils.WriteError(w, http.StatusNotFound, message, details)

	case services.KindRateLimited, services.KindProviderThrottled:
		setRetryAfter(w, failure.RetryAfter)
		writeErr = utils.WriteTooManyRequests(w, message, details)

	case services.KindProviderUnavailable:
		writeErr = utils.WriteServiceUnavailable(w, message, details)

	case services.KindAuthenticationFailed:
		// Provider credentials are the operator's problem, not the caller's
		logger.Error("provider rejected gateway credentials",
			zap.String("provider", failure.Provider),
			zap.Error(err))
		writeErr = utils.WriteBadGateway(w, "Upstream provider rejected the gateway credentials", details)

	default:
		logger.Error("unhandled failure kind", zap.String("kind", string(failure.Kind)), zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}

	logger.Debug("handled service error",
		zap.String("kind", string(failure.Kind)),
		zap.String("provider", failure.Provider),
		zap.String("message", failure.Message))
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// failureDetails copies the failure's details and adds the kind, provider
// and retry hint
func failureDetails(failure *services.ExecutionFailure) map[string]interface{} {
	details := make(map[string]interface{}, len(failure.Details)+3)
	for k, v := range failure.Details {
		details[k] = v
	}
	details["kind"] = string(failure.Kind)
	if failure.Provider != "" {
		details["provider"] = failure.Provider
	}
	if failure.RetryAfter > 0 {
		details["retry_after_seconds"] = retryAfterSeconds(failure.RetryAfter)
	}
	return details
}

// setRetryAfter sets the Retry-After header in whole seconds, rounding up
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(d), 10))
}

func retryAfterSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}
