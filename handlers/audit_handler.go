package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/upb/ai-execution-gateway/internal/observability"
	"github.com/upb/ai-execution-gateway/middleware"
	"github.com/upb/ai-execution-gateway/services/audit"
	"github.com/upb/ai-execution-gateway/utils"
	"go.uber.org/zap"
)

// AuditRequest is the body of POST /api/v1/audit
type AuditRequest struct {
	Content   string `json:"content" validate:"required"`
	RequestID string `json:"request_id,omitempty" validate:"omitempty,max=128"`
}

// AuditService runs content through the reviewer pipeline
type AuditService interface {
	Review(ctx context.Context, req audit.ReviewRequest) (*audit.Verdict, error)
}

// AuditHandler handles audit-related HTTP requests
type AuditHandler struct {
	service AuditService
	logger  *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(service AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger,
	}
}

// HandleAudit handles POST /api/v1/audit. Every reviewer call is executed
// and accounted against the calling identity.
func (h *AuditHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := observability.RequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing caller identity")
		return
	}

	var req AuditRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	reviewID := req.RequestID
	if reviewID == "" {
		reviewID = requestID
	}

	verdict, err := h.service.Review(ctx, audit.ReviewRequest{
		CallerID:  identity.CallerID,
		Tier:      identity.Tier,
		Content:   req.Content,
		RequestID: reviewID,
	})
	if err != nil {
		h.logger.Warn("audit failed",
			zap.String("request_id", requestID),
			zap.String("caller_id", identity.CallerID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("audit completed",
		zap.String("request_id", requestID),
		zap.Float64("score", verdict.Score),
		zap.Bool("partial", verdict.Partial),
		zap.Strings("failed_reviewers", verdict.FailedReviewers))

	if err := utils.WriteOK(w, verdict); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
