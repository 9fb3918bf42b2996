package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/upb/ai-execution-gateway/internal/observability"
	"github.com/upb/ai-execution-gateway/middleware"
	"github.com/upb/ai-execution-gateway/services/gateway"
	"github.com/upb/ai-execution-gateway/services/providers"
	"github.com/upb/ai-execution-gateway/services/usage"
	"github.com/upb/ai-execution-gateway/utils"
	"go.uber.org/zap"
)

// maxRequestBodyBytes bounds the JSON body accepted by the execute and audit endpoints
const maxRequestBodyBytes = 1 << 20

// ExecuteRequest is the body of POST /api/v1/execute
type ExecuteRequest struct {
	Provider     string   `json:"provider" validate:"required"`
	Model        string   `json:"model" validate:"required"`
	Prompt       string   `json:"prompt" validate:"required"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    int      `json:"max_tokens,omitempty" validate:"gte=0"`
	RequestID    string   `json:"request_id,omitempty" validate:"omitempty,max=128"`
}

// ExecuteResponse is the normalized result returned to the caller
type ExecuteResponse struct {
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Output       string    `json:"output"`
	FinishReason string    `json:"finish_reason,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	LatencyMs    int64     `json:"latency_ms"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProviderResponse describes one registered provider
type ProviderResponse struct {
	ID        string                            `json:"id"`
	Name      string                            `json:"name"`
	Models    map[string]providers.ModelPricing `json:"models"`
	TimeoutMs int64                             `json:"timeout_ms"`
}

// ExecutionService defines the gateway operations exposed over HTTP
type ExecutionService interface {
	Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.ExecutionResult, error)
	ListProviders() []providers.ProviderDescriptor
	Usage(ctx context.Context, callerID string, tier providers.Tier, window usage.Window) (*gateway.UsageReport, error)
}

// ExecutionHandler handles execution-related HTTP requests
type ExecutionHandler struct {
	service ExecutionService
	logger  *zap.Logger
}

// NewExecutionHandler creates a new ExecutionHandler
func NewExecutionHandler(service ExecutionService, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		service: service,
		logger:  logger,
	}
}

// HandleExecute handles POST /api/v1/execute
func (h *ExecutionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := observability.RequestIDFromContext(ctx)

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		h.logger.Error("missing caller identity in context", zap.String("request_id", requestID))
		_ = utils.WriteUnauthorized(w, "Missing caller identity")
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		h.logger.Warn("failed to parse request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.logger.Warn("request validation failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	// A client retrying the same logical request sends the same id, in the
	// body or the X-Request-Id header; the gateway refuses to run it twice
	executionID := req.RequestID
	if executionID == "" {
		executionID = r.Header.Get("X-Request-Id")
	}

	result, err := h.service.Execute(ctx, &providers.ExecutionRequest{
		CallerID:     identity.CallerID,
		Tier:         identity.Tier,
		ProviderID:   req.Provider,
		Model:        req.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		RequestID:    executionID,
	})
	if err != nil {
		h.logger.Info("execution failed",
			zap.String("request_id", requestID),
			zap.String("caller_id", identity.CallerID),
			zap.String("provider", req.Provider),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, newExecuteResponse(result)); err != nil {
		h.logger.Error("failed to write response",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// HandleListProviders handles GET /api/v1/providers
func (h *ExecutionHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	descriptors := h.service.ListProviders()

	response := make([]ProviderResponse, 0, len(descriptors))
	for _, desc := range descriptors {
		response = append(response, ProviderResponse{
			ID:        desc.ID,
			Name:      desc.Name,
			Models:    desc.Models,
			TimeoutMs: desc.Timeout.Milliseconds(),
		})
	}
	sort.Slice(response, func(i, j int) bool { return response[i].ID < response[j].ID })

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

// HandleUsage handles GET /api/v1/usage?window=day for the calling identity
func (h *ExecutionHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity := middleware.GetIdentityFromContext(ctx)
	if identity == nil {
		_ = utils.WriteUnauthorized(w, "Missing caller identity")
		return
	}

	window, err := usage.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), map[string]interface{}{
			"allowed": []usage.Window{usage.WindowHour, usage.WindowDay, usage.WindowWeek, usage.WindowMonth, usage.WindowAll},
		})
		return
	}

	report, err := h.service.Usage(ctx, identity.CallerID, identity.Tier, window)
	if err != nil {
		h.logger.Error("failed to load usage",
			zap.String("request_id", observability.RequestIDFromContext(ctx)),
			zap.String("caller_id", identity.CallerID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, report); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}

func newExecuteResponse(result *providers.ExecutionResult) ExecuteResponse {
	return ExecuteResponse{
		RequestID:    result.RequestID,
		Provider:     result.ProviderID,
		Model:        result.Model,
		Output:       result.Output,
		FinishReason: result.FinishReason,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		TotalTokens:  result.TotalTokens(),
		LatencyMs:    result.Latency.Milliseconds(),
		Cost:         result.Cost,
		Timestamp:    result.Timestamp,
	}
}
