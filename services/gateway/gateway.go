package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ai-execution-gateway/internal/observability"
	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
	"github.com/upb/ai-execution-gateway/services/ratelimit"
	"github.com/upb/ai-execution-gateway/services/usage"
	"go.uber.org/zap"
)

// accountingTimeout bounds the post-call commit and record steps
const accountingTimeout = 5 * time.Second

// Registry resolves logical provider ids
type Registry interface {
	Resolve(id string) (providers.Adapter, providers.ProviderDescriptor, error)
	ListAvailable() []providers.ProviderDescriptor
}

// Limiter admits requests and charges token budgets
type Limiter interface {
	Admit(ctx context.Context, callerID string, tier providers.Tier) (*ratelimit.Decision, error)
	Commit(ctx context.Context, callerID string, tier providers.Tier, tokens int) error
	Status(ctx context.Context, callerID string, tier providers.Tier) (*ratelimit.Snapshot, error)
}

// UsageTracker records and aggregates usage
type UsageTracker interface {
	Record(ctx context.Context, result *providers.ExecutionResult, callerID string, tier providers.Tier) (bool, error)
	Recorded(ctx context.Context, callerID, requestID string) (bool, error)
	Aggregate(ctx context.Context, callerID string, window usage.Window) (*usage.Aggregate, error)
}

// ActivityLog receives one event per execution outcome without blocking
type ActivityLog interface {
	LogEvent(event *models.ExecutionEvent) error
}

// Gateway orchestrates one execution: validate, admit, resolve, dispatch
// under a deadline, then account. It performs no retries.
type Gateway struct {
	registry Registry
	limiter  Limiter
	tracker  UsageTracker
	activity ActivityLog
	metrics  observability.Metrics
	log      *observability.ContextLogger
	now      func() time.Time
	newID    func() string

	// inflight holds the caller-scoped request ids currently executing
	inflight sync.Map
}

// Option configures a Gateway
type Option func(*Gateway)

// WithActivityLog sets the execution event sink
func WithActivityLog(activity ActivityLog) Option {
	return func(g *Gateway) {
		g.activity = activity
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics observability.Metrics) Option {
	return func(g *Gateway) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// WithClock sets the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithRequestIDGenerator sets how missing request ids are generated
func WithRequestIDGenerator(newID func() string) Option {
	return func(g *Gateway) {
		g.newID = newID
	}
}

// NewGateway creates a new execution gateway
func NewGateway(registry Registry, limiter Limiter, tracker UsageTracker, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		limiter:  limiter,
		tracker:  tracker,
		metrics:  observability.NoopMetrics{},
		log:      observability.NewContextLogger(logger),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs a request through the gateway. Every error is a
// *services.ExecutionFailure; adapter failures are returned unchanged.
func (g *Gateway) Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.ExecutionResult, error) {
	if req == nil {
		return nil, services.InvalidRequest("", "request is required", nil)
	}

	request := *req
	clientID := request.RequestID != ""
	if !clientID {
		request.RequestID = g.newID()
	}
	exec := newExecution(request, g.now())
	ctx = observability.WithRequestID(ctx, request.RequestID)

	g.log.Debug(ctx, "execution received",
		zap.String("caller_id", request.CallerID),
		zap.String("tier", string(request.Tier)),
		zap.String("provider", request.ProviderID),
		zap.String("model", request.Model))

	if err := validateShape(&request); err != nil {
		return nil, g.fail(ctx, exec, err)
	}
	g.advance(ctx, exec, StateValidated)

	if clientID {
		release, err := g.claim(ctx, &request)
		if err != nil {
			return nil, g.fail(ctx, exec, err)
		}
		defer release()
	}

	decision, err := g.limiter.Admit(ctx, request.CallerID, request.Tier)
	if err != nil {
		return nil, g.fail(ctx, exec, err)
	}
	if !decision.Allowed {
		g.metrics.RecordRateLimited(ctx, string(request.Tier), decision.Reason)
		g.log.Info(ctx, "execution rate limited",
			zap.String("caller_id", request.CallerID),
			zap.String("reason", decision.Reason),
			zap.Duration("retry_after", decision.RetryAfter))
		return nil, g.fail(ctx, exec, decision.Failure())
	}
	g.advance(ctx, exec, StateAdmitted)

	adapter, desc, err := g.registry.Resolve(request.ProviderID)
	if err != nil {
		return nil, g.fail(ctx, exec, err)
	}
	if err := adapter.Validate(&request); err != nil {
		return nil, g.fail(ctx, exec, err)
	}

	g.advance(ctx, exec, StateDispatched)
	completion, err := g.dispatch(ctx, adapter, desc, &request)
	if err != nil {
		return nil, g.fail(ctx, exec, err)
	}

	result := g.buildResult(&request, desc, completion)
	g.advance(ctx, exec, StateSucceeded)

	g.account(ctx, exec, result)
	g.recordSuccess(ctx, exec, result)

	return result, nil
}

// ListProviders returns the registered provider descriptors
func (g *Gateway) ListProviders() []providers.ProviderDescriptor {
	return g.registry.ListAvailable()
}

// UsageReport combines recorded usage with the caller's limiter state
type UsageReport struct {
	Usage  *usage.Aggregate    `json:"usage"`
	Limits *ratelimit.Snapshot `json:"limits,omitempty"`
}

// Usage returns the caller's aggregate for a window plus current ceilings
func (g *Gateway) Usage(ctx context.Context, callerID string, tier providers.Tier, window usage.Window) (*UsageReport, error) {
	if strings.TrimSpace(callerID) == "" {
		return nil, services.InvalidRequest("", "caller id is required", nil)
	}
	if _, err := usage.ParseWindow(string(window)); err != nil {
		return nil, services.InvalidRequest("", err.Error(), err)
	}

	agg, err := g.tracker.Aggregate(ctx, callerID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	snapshot, err := g.limiter.Status(ctx, callerID, tier)
	if err != nil {
		if services.IsInvalidRequest(err) {
			return nil, err
		}
		g.log.Warn(ctx, "rate limit status unavailable", zap.String("caller_id", callerID), zap.Error(err))
		snapshot = nil
	}

	return &UsageReport{Usage: agg, Limits: snapshot}, nil
}

// claim reserves a caller's request id for one execution. An id that is in
// flight or already recorded for the caller is rejected before admission, so
// the provider is never paid twice for it. A failed lookup is logged and the
// request proceeds.
func (g *Gateway) claim(ctx context.Context, req *providers.ExecutionRequest) (func(), error) {
	key := inflightKey{callerID: req.CallerID, requestID: req.RequestID}
	if _, busy := g.inflight.LoadOrStore(key, struct{}{}); busy {
		return nil, duplicateRequest(req, "is already in progress")
	}
	release := func() { g.inflight.Delete(key) }

	lctx, cancel := context.WithTimeout(ctx, accountingTimeout)
	defer cancel()

	recorded, err := g.tracker.Recorded(lctx, req.CallerID, req.RequestID)
	if err != nil {
		g.metrics.RecordAccountingFailure(ctx, "lookup")
		g.log.Warn(ctx, "request id lookup failed",
			zap.String("caller_id", req.CallerID),
			zap.Error(err))
		return release, nil
	}
	if recorded {
		release()
		return nil, duplicateRequest(req, "was already executed")
	}

	return release, nil
}

type inflightKey struct {
	callerID  string
	requestID string
}

func duplicateRequest(req *providers.ExecutionRequest, state string) error {
	return services.InvalidRequest(req.ProviderID, fmt.Sprintf("request id %q %s", req.RequestID, state), nil).
		WithDetail("request_id", req.RequestID)
}

// dispatch calls the adapter under the descriptor's timeout and stops
// waiting at the deadline even if the adapter ignores its context
func (g *Gateway) dispatch(ctx context.Context, adapter providers.Adapter, desc providers.ProviderDescriptor, req *providers.ExecutionRequest) (*providers.Completion, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = providers.DefaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		completion *providers.Completion
		err        error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: services.ProviderUnavailable(desc.ID, fmt.Sprintf("adapter panic: %v", r), nil)}
			}
		}()
		completion, err := adapter.Execute(callCtx, req)
		done <- outcome{completion: completion, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, providers.ClassifyTransportError(desc.ID, out.err)
		}
		if out.completion == nil {
			return nil, providers.MalformedResponse(desc.ID, fmt.Errorf("adapter returned no completion"))
		}
		return out.completion, nil
	case <-callCtx.Done():
		failure := providers.ClassifyTransportError(desc.ID, callCtx.Err())
		return nil, failure.WithDetail("timeout_ms", timeout.Milliseconds())
	}
}

func (g *Gateway) buildResult(req *providers.ExecutionRequest, desc providers.ProviderDescriptor, completion *providers.Completion) *providers.ExecutionResult {
	pricing, _ := desc.Pricing(req.Model)
	inputTokens := nonNegative(completion.InputTokens)
	outputTokens := nonNegative(completion.OutputTokens)

	return &providers.ExecutionResult{
		RequestID:    req.RequestID,
		ProviderID:   desc.ID,
		Model:        req.Model,
		Output:       completion.Output,
		FinishReason: completion.FinishReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Latency:      completion.Latency,
		Cost:         pricing.ComputeCost(inputTokens, outputTokens),
		InputPrice:   pricing.InputPrice,
		OutputPrice:  pricing.OutputPrice,
		Timestamp:    g.now().UTC(),
	}
}

// account charges the token budget and records usage. The provider has
// already been paid, so failures here are logged and never fail the call.
func (g *Gateway) account(ctx context.Context, exec *Execution, result *providers.ExecutionResult) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), accountingTimeout)
	defer cancel()

	req := exec.Request
	if err := g.limiter.Commit(actx, req.CallerID, req.Tier, result.TotalTokens()); err != nil {
		g.metrics.RecordAccountingFailure(ctx, "commit")
		g.log.Error(ctx, "failed to commit token usage",
			zap.String("caller_id", req.CallerID),
			zap.Int("tokens", result.TotalTokens()),
			zap.Error(err))
	}

	inserted, err := g.tracker.Record(actx, result, req.CallerID, req.Tier)
	switch {
	case err != nil:
		g.metrics.RecordAccountingFailure(ctx, "record")
		g.log.Error(ctx, "failed to record usage",
			zap.String("caller_id", req.CallerID),
			zap.Float64("cost", result.Cost),
			zap.Error(err))
	case !inserted:
		// another instance recorded the same request id while this call ran
		g.metrics.RecordAccountingFailure(ctx, "duplicate")
		g.log.Error(ctx, "usage record already present for a paid call",
			zap.String("caller_id", req.CallerID),
			zap.Float64("cost", result.Cost))
	}
}

func (g *Gateway) recordSuccess(ctx context.Context, exec *Execution, result *providers.ExecutionResult) {
	labels := observability.RequestLabels{
		Tier:     string(exec.Request.Tier),
		Provider: result.ProviderID,
		Model:    result.Model,
		Status:   string(models.ExecutionStatusSucceeded),
	}
	g.metrics.RecordRequest(ctx, labels)
	g.metrics.RecordLatency(ctx, result.Latency, labels)
	g.metrics.RecordTokens(ctx, result.InputTokens, result.OutputTokens, labels)
	g.metrics.RecordCost(ctx, result.Cost, labels)

	g.log.Info(ctx, "execution succeeded",
		zap.String("caller_id", exec.Request.CallerID),
		zap.String("provider", result.ProviderID),
		zap.String("model", result.Model),
		zap.Int("input_tokens", result.InputTokens),
		zap.Int("output_tokens", result.OutputTokens),
		zap.Duration("latency", result.Latency),
		zap.Float64("cost", result.Cost))

	event := models.NewExecutionEvent(exec.RequestID, exec.Request.CallerID, string(exec.Request.Tier), models.ExecutionStatusSucceeded).
		WithTarget(result.ProviderID, result.Model).
		WithMetrics(result.InputTokens, result.OutputTokens, int(result.Latency.Milliseconds()), result.Cost)
	if result.FinishReason != "" {
		event.WithDetails(map[string]string{"finish_reason": result.FinishReason})
	}
	g.emit(ctx, event)
}

// fail moves the execution to Failed and reports the outcome. Failures
// before dispatch are recorded as rejected.
func (g *Gateway) fail(ctx context.Context, exec *Execution, err error) error {
	failure, ok := services.AsFailure(err)
	if !ok {
		failure = services.ProviderUnavailable(exec.Request.ProviderID, "gateway error", err)
	}

	status := models.ExecutionStatusFailed
	if exec.State() != StateDispatched {
		status = models.ExecutionStatusRejected
	}
	g.advance(ctx, exec, StateFailed)

	g.metrics.RecordRequest(ctx, observability.RequestLabels{
		Tier:     string(exec.Request.Tier),
		Provider: exec.Request.ProviderID,
		Model:    exec.Request.Model,
		Status:   string(failure.Kind),
	})

	fields := []zap.Field{
		zap.String("caller_id", exec.Request.CallerID),
		zap.String("provider", exec.Request.ProviderID),
		zap.String("kind", string(failure.Kind)),
		zap.String("status", string(status)),
		zap.Error(failure),
	}
	if status == models.ExecutionStatusFailed {
		g.log.Warn(ctx, "execution failed", fields...)
	} else {
		g.log.Info(ctx, "execution rejected", fields...)
	}

	event := models.NewExecutionEvent(exec.RequestID, exec.Request.CallerID, string(exec.Request.Tier), status).
		WithTarget(exec.Request.ProviderID, exec.Request.Model).
		WithFailure(string(failure.Kind), failure.Message)
	if len(failure.Details) > 0 {
		event.WithDetails(failure.Details)
	}
	g.emit(ctx, event)

	return failure
}

func (g *Gateway) advance(ctx context.Context, exec *Execution, to State) {
	if err := exec.Advance(to); err != nil {
		g.log.Error(ctx, "execution state machine violated", zap.Error(err))
	}
}

func (g *Gateway) emit(ctx context.Context, event *models.ExecutionEvent) {
	if g.activity == nil {
		return
	}
	if err := g.activity.LogEvent(event); err != nil {
		g.log.Debug(ctx, "execution event not queued", zap.Error(err))
	}
}

// validateShape checks the fields every request needs regardless of provider
func validateShape(req *providers.ExecutionRequest) error {
	switch {
	case strings.TrimSpace(req.CallerID) == "":
		return services.InvalidRequest("", "caller id is required", nil)
	case !req.Tier.Valid():
		return services.InvalidRequest("", fmt.Sprintf("unknown tier %q", req.Tier), nil)
	case strings.TrimSpace(req.ProviderID) == "":
		return services.InvalidRequest("", "provider is required", nil)
	case strings.TrimSpace(req.Model) == "":
		return services.InvalidRequest(req.ProviderID, "model is required", nil)
	case strings.TrimSpace(req.Prompt) == "":
		return services.InvalidRequest(req.ProviderID, "prompt cannot be empty", nil)
	case req.MaxTokens < 0:
		return services.InvalidRequest(req.ProviderID, "max_tokens cannot be negative", nil)
	}
	return nil
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
