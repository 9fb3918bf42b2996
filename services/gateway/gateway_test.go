package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/services"
	"github.com/upb/ai-execution-gateway/services/providers"
	"github.com/upb/ai-execution-gateway/services/ratelimit"
	"github.com/upb/ai-execution-gateway/services/usage"
)

var testNow = time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC)

const (
	inputPrice  = 0.000001
	outputPrice = 0.000002
)

func testLimits() map[providers.Tier]ratelimit.Limits {
	return map[providers.Tier]ratelimit.Limits{
		providers.TierAnonymous:     {RequestsPerHour: 3, RequestsPerDay: 20, TokensPerDay: 10000},
		providers.TierAuthenticated: {RequestsPerHour: 60, RequestsPerDay: 1000, TokensPerDay: 200000},
		providers.TierPro:           {RequestsPerHour: 600, RequestsPerDay: 10000, TokensPerDay: 2000000},
	}
}

func testDescriptor(id string, timeout time.Duration) providers.ProviderDescriptor {
	return providers.ProviderDescriptor{
		ID:   id,
		Name: "Provider " + id,
		Models: map[string]providers.ModelPricing{
			"m1": {InputPrice: inputPrice, OutputPrice: outputPrice, MaxOutputTokens: 1024},
		},
		Timeout: timeout,
	}
}

// fakeAdapter counts calls and delegates Execute to a function
type fakeAdapter struct {
	desc    providers.ProviderDescriptor
	calls   atomic.Int32
	execute func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error)
}

func (a *fakeAdapter) Name() string { return a.desc.ID }

func (a *fakeAdapter) Validate(req *providers.ExecutionRequest) error {
	return providers.ValidateAgainst(a.desc, req)
}

func (a *fakeAdapter) Execute(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
	a.calls.Add(1)
	return a.execute(ctx, req)
}

func echoCompletion(in, out int) func(context.Context, *providers.ExecutionRequest) (*providers.Completion, error) {
	return func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
		return &providers.Completion{
			Output:       "echo: " + req.Prompt,
			FinishReason: "stop",
			InputTokens:  in,
			OutputTokens: out,
			Latency:      120 * time.Millisecond,
		}, nil
	}
}

// recordingActivity collects execution events
type recordingActivity struct {
	mu     sync.Mutex
	events []*models.ExecutionEvent
}

func (r *recordingActivity) LogEvent(event *models.ExecutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingActivity) Statuses() []models.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]models.ExecutionStatus, 0, len(r.events))
	for _, e := range r.events {
		statuses = append(statuses, e.Status)
	}
	return statuses
}

type harness struct {
	gateway  *Gateway
	registry *providers.Registry
	limiter  *ratelimit.Limiter
	usage    *usage.MemoryStore
	activity *recordingActivity
}

func newHarness(t *testing.T, adapters ...*fakeAdapter) *harness {
	t.Helper()

	registry := providers.NewRegistry()
	for _, a := range adapters {
		adapter := a
		require.NoError(t, registry.Register(adapter.desc, func(desc providers.ProviderDescriptor) (providers.Adapter, error) {
			adapter.desc = desc
			return adapter, nil
		}))
	}

	clock := func() time.Time { return testNow }
	store := ratelimit.NewMemoryStore(zap.NewNop()).WithClock(clock)
	limiter, err := ratelimit.NewLimiter(store, testLimits(), zap.NewNop())
	require.NoError(t, err)
	limiter.WithClock(clock)

	usageStore := usage.NewMemoryStore()
	tracker := usage.NewTracker(usageStore, zap.NewNop()).WithClock(clock)
	activity := &recordingActivity{}

	gw := NewGateway(registry, limiter, tracker, zap.NewNop(),
		WithActivityLog(activity),
		WithClock(clock),
	)

	return &harness{
		gateway:  gw,
		registry: registry,
		limiter:  limiter,
		usage:    usageStore,
		activity: activity,
	}
}

// usedIn returns the current counter for one limiter window
func (h *harness) usedIn(t *testing.T, callerID string, tier providers.Tier, window string) int64 {
	t.Helper()

	snapshot, err := h.limiter.Status(context.Background(), callerID, tier)
	require.NoError(t, err)
	for _, w := range snapshot.Windows {
		if w.Name == window {
			return w.Used
		}
	}
	t.Fatalf("window %s not found", window)
	return 0
}

func request(callerID string, tier providers.Tier, provider string) *providers.ExecutionRequest {
	return &providers.ExecutionRequest{
		CallerID:   callerID,
		Tier:       tier,
		ProviderID: provider,
		Model:      "m1",
		Prompt:     "Summarize the water cycle",
	}
}

func TestGateway_AnonymousHourlyCeiling(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(10, 5)}
	h := newHarness(t, p1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := h.gateway.Execute(ctx, request("anon-1", providers.TierAnonymous, "p1"))
		require.NoError(t, err, "request %d", i+1)
		assert.Equal(t, "p1", result.ProviderID)
		assert.Equal(t, "m1", result.Model)
		assert.Equal(t, "echo: Summarize the water cycle", result.Output)
	}

	result, err := h.gateway.Execute(ctx, request("anon-1", providers.TierAnonymous, "p1"))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, services.IsRateLimited(err))
	assert.Equal(t, 29*time.Minute+15*time.Second, services.GetRetryAfter(err))
	assert.Equal(t, ratelimit.ReasonRequestsPerHour, services.GetFailureDetails(err)["reason"])
	assert.Equal(t, int32(3), p1.calls.Load(), "denied request must not reach the adapter")

	assert.Equal(t, []models.ExecutionStatus{
		models.ExecutionStatusSucceeded,
		models.ExecutionStatusSucceeded,
		models.ExecutionStatusSucceeded,
		models.ExecutionStatusRejected,
	}, h.activity.Statuses())
}

func TestGateway_UnknownProvider(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(10, 5)}
	h := newHarness(t, p1)

	result, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierAuthenticated, "ghost"))
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, services.IsUnknownProvider(err))

	assert.Equal(t, int64(0), h.usedIn(t, "user-1", providers.TierAuthenticated, ratelimit.ReasonTokensPerDay))
	assert.Equal(t, 0, h.usage.Len())
	assert.Equal(t, int32(0), p1.calls.Load())
}

func TestGateway_DeadlineOverrun(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores its context entirely
	slow := &fakeAdapter{
		desc: testDescriptor("slow", 50*time.Millisecond),
		execute: func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
			<-release
			return &providers.Completion{Output: "late", InputTokens: 500, OutputTokens: 500}, nil
		},
	}
	h := newHarness(t, slow)

	start := time.Now()
	result, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierAuthenticated, "slow"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, services.IsProviderUnavailable(err))
	assert.Less(t, elapsed, 2*time.Second)

	assert.Equal(t, int64(0), h.usedIn(t, "user-1", providers.TierAuthenticated, ratelimit.ReasonTokensPerDay))
	assert.Equal(t, int64(1), h.usedIn(t, "user-1", providers.TierAuthenticated, ratelimit.ReasonRequestsPerHour))
	assert.Equal(t, int64(1), h.usedIn(t, "user-1", providers.TierAuthenticated, ratelimit.ReasonRequestsPerDay))
	assert.Equal(t, 0, h.usage.Len())
	assert.Equal(t, []models.ExecutionStatus{models.ExecutionStatusFailed}, h.activity.Statuses())
}

func TestGateway_DeadlineRespectedByAdapter(t *testing.T) {
	p1 := &fakeAdapter{
		desc: testDescriptor("p1", 20*time.Millisecond),
		execute: func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
			<-ctx.Done()
			return nil, providers.ClassifyTransportError("p1", ctx.Err())
		},
	}
	h := newHarness(t, p1)

	_, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierPro, "p1"))
	require.Error(t, err)
	assert.True(t, services.IsProviderUnavailable(err))
}

func TestGateway_CostUsesCallTimePrices(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(1200, 350)}
	h := newHarness(t, p1)
	ctx := context.Background()

	result, err := h.gateway.Execute(ctx, request("user-1", providers.TierPro, "p1"))
	require.NoError(t, err)

	want := 1200*inputPrice + 350*outputPrice
	assert.InDelta(t, want, result.Cost, 1e-12)
	assert.Equal(t, inputPrice, result.InputPrice)
	assert.Equal(t, outputPrice, result.OutputPrice)
	assert.Equal(t, 1550, result.TotalTokens())
	assert.Equal(t, testNow, result.Timestamp)

	record, err := h.usage.GetByRequestID(ctx, "user-1", result.RequestID)
	require.NoError(t, err)
	assert.InDelta(t, want, record.Cost, 1e-12)
	assert.Equal(t, inputPrice, record.InputPrice)
	assert.Equal(t, outputPrice, record.OutputPrice)
	assert.Equal(t, "pro", record.Tier)

	assert.Equal(t, int64(1550), h.usedIn(t, "user-1", providers.TierPro, ratelimit.ReasonTokensPerDay))
}

func TestGateway_AdapterFailureReturnedUnchanged(t *testing.T) {
	throttled := services.ProviderThrottled("p1", "quota exceeded", 12*time.Second, nil)
	p1 := &fakeAdapter{
		desc: testDescriptor("p1", 5*time.Second),
		execute: func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
			return nil, throttled
		},
	}
	h := newHarness(t, p1)

	_, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierPro, "p1"))
	require.Error(t, err)

	failure, ok := services.AsFailure(err)
	require.True(t, ok)
	assert.Same(t, throttled, failure)
	assert.Equal(t, 12*time.Second, failure.RetryAfter)
	assert.Equal(t, int64(0), h.usedIn(t, "user-1", providers.TierPro, ratelimit.ReasonTokensPerDay))
}

func TestGateway_NoAutomaticRetries(t *testing.T) {
	p1 := &fakeAdapter{
		desc: testDescriptor("p1", 5*time.Second),
		execute: func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
			return nil, services.ProviderUnavailable("p1", "upstream returned 503", nil)
		},
	}
	h := newHarness(t, p1)

	_, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierPro, "p1"))
	require.Error(t, err)
	assert.True(t, services.IsProviderUnavailable(err))
	assert.Equal(t, int32(1), p1.calls.Load())
}

func TestGateway_NonFailureAdapterErrorIsNormalized(t *testing.T) {
	p1 := &fakeAdapter{
		desc: testDescriptor("p1", 5*time.Second),
		execute: func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
			return nil, errors.New("socket closed")
		},
	}
	h := newHarness(t, p1)

	_, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierPro, "p1"))
	require.Error(t, err)
	assert.True(t, services.IsProviderUnavailable(err))
}

func TestGateway_AdapterPanic(t *testing.T) {
	p1 := &fakeAdapter{
		desc: testDescriptor("p1", 5*time.Second),
		execute: func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
			panic("nil map")
		},
	}
	h := newHarness(t, p1)

	_, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierPro, "p1"))
	require.Error(t, err)
	assert.True(t, services.IsProviderUnavailable(err))
}

func TestGateway_InvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *providers.ExecutionRequest)
	}{
		{"missing caller", func(r *providers.ExecutionRequest) { r.CallerID = "" }},
		{"unknown tier", func(r *providers.ExecutionRequest) { r.Tier = "enterprise" }},
		{"missing provider", func(r *providers.ExecutionRequest) { r.ProviderID = "" }},
		{"missing model", func(r *providers.ExecutionRequest) { r.Model = "" }},
		{"blank prompt", func(r *providers.ExecutionRequest) { r.Prompt = "   " }},
		{"negative max tokens", func(r *providers.ExecutionRequest) { r.MaxTokens = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(1, 1)}
			h := newHarness(t, p1)

			req := request("user-1", providers.TierAuthenticated, "p1")
			tt.mutate(req)

			_, err := h.gateway.Execute(context.Background(), req)
			require.Error(t, err)
			assert.True(t, services.IsInvalidRequest(err))
			assert.Equal(t, int32(0), p1.calls.Load())
			assert.Equal(t, int64(0), h.usedIn(t, "user-1", providers.TierAuthenticated, ratelimit.ReasonRequestsPerHour))
		})
	}
}

func TestGateway_AdapterValidationRejectsUnknownModel(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(1, 1)}
	h := newHarness(t, p1)

	req := request("user-1", providers.TierPro, "p1")
	req.Model = "m9"

	_, err := h.gateway.Execute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, services.IsInvalidRequest(err))
	assert.Equal(t, int32(0), p1.calls.Load())
	assert.Equal(t, []models.ExecutionStatus{models.ExecutionStatusRejected}, h.activity.Statuses())
}

func TestGateway_NewProviderDoesNotAffectExisting(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(40, 60)}
	h := newHarness(t, p1)
	ctx := context.Background()

	before, err := h.gateway.Execute(ctx, request("user-1", providers.TierPro, "p1"))
	require.NoError(t, err)

	p2 := &fakeAdapter{desc: testDescriptor("p2", time.Second), execute: echoCompletion(1, 1)}
	require.NoError(t, h.registry.Register(p2.desc, func(desc providers.ProviderDescriptor) (providers.Adapter, error) {
		return p2, nil
	}))

	after, err := h.gateway.Execute(ctx, request("user-1", providers.TierPro, "p1"))
	require.NoError(t, err)

	assert.NotEqual(t, before.RequestID, after.RequestID)
	before.RequestID, after.RequestID = "", ""
	assert.Equal(t, before, after)
	assert.Equal(t, int32(0), p2.calls.Load())
	assert.Len(t, h.gateway.ListProviders(), 2)
}

func TestGateway_RequestID(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(1, 1)}
	h := newHarness(t, p1)
	ctx := context.Background()

	req := request("user-1", providers.TierPro, "p1")
	result, err := h.gateway.Execute(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RequestID)
	assert.Empty(t, req.RequestID, "caller's request must not be mutated")

	req.RequestID = "client-req-7"
	result, err = h.gateway.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "client-req-7", result.RequestID)
}

func TestGateway_ReplayedRequestIDNotDoubleCounted(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(10, 10)}
	h := newHarness(t, p1)
	ctx := context.Background()

	req := request("user-1", providers.TierPro, "p1")
	req.RequestID = "client-req-1"

	_, err := h.gateway.Execute(ctx, req)
	require.NoError(t, err)

	result, err := h.gateway.Execute(ctx, req)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, services.IsInvalidRequest(err))
	failure, ok := services.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "client-req-1", failure.Details["request_id"])

	assert.Equal(t, int32(1), p1.calls.Load())
	assert.Equal(t, int64(20), h.usedIn(t, "user-1", providers.TierPro, ratelimit.ReasonTokensPerDay))
	assert.Equal(t, int64(1), h.usedIn(t, "user-1", providers.TierPro, ratelimit.ReasonRequestsPerHour))
	assert.Equal(t, 1, h.usage.Len())

	report, err := h.gateway.Usage(ctx, "user-1", providers.TierPro, usage.WindowDay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Usage.Calls)
	assert.Equal(t, int64(20), report.Usage.Tokens)
}

func TestGateway_RequestIDScopedToCaller(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(10, 10)}
	h := newHarness(t, p1)
	ctx := context.Background()

	for _, caller := range []string{"caller-a", "caller-b"} {
		req := request(caller, providers.TierAuthenticated, "p1")
		req.RequestID = "shared-id"
		result, err := h.gateway.Execute(ctx, req)
		require.NoError(t, err, caller)
		assert.Equal(t, "shared-id", result.RequestID)
	}

	assert.Equal(t, int32(2), p1.calls.Load())
	assert.Equal(t, 2, h.usage.Len())

	report, err := h.gateway.Usage(ctx, "caller-b", providers.TierAuthenticated, usage.WindowDay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Usage.Calls)
	assert.InDelta(t, 10*inputPrice+10*outputPrice, report.Usage.Cost, 1e-12)
	assert.Equal(t, int64(20), h.usedIn(t, "caller-b", providers.TierAuthenticated, ratelimit.ReasonTokensPerDay))
}

func TestGateway_RequestIDInFlightRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p1 := &fakeAdapter{
		desc: testDescriptor("p1", 5*time.Second),
		execute: func(ctx context.Context, req *providers.ExecutionRequest) (*providers.Completion, error) {
			close(started)
			<-release
			return echoCompletion(10, 10)(ctx, req)
		},
	}
	h := newHarness(t, p1)
	ctx := context.Background()

	req := request("user-1", providers.TierPro, "p1")
	req.RequestID = "client-req-9"

	done := make(chan error, 1)
	go func() {
		_, err := h.gateway.Execute(ctx, req)
		done <- err
	}()
	<-started

	_, err := h.gateway.Execute(ctx, req)
	require.Error(t, err)
	assert.True(t, services.IsInvalidRequest(err))
	assert.Contains(t, err.Error(), "already in progress")

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, int32(1), p1.calls.Load())
	assert.Equal(t, 1, h.usage.Len())
}

type failingTracker struct{}

func (failingTracker) Record(ctx context.Context, result *providers.ExecutionResult, callerID string, tier providers.Tier) (bool, error) {
	return false, errors.New("usage store down")
}

func (failingTracker) Recorded(ctx context.Context, callerID, requestID string) (bool, error) {
	return false, errors.New("usage store down")
}

func (failingTracker) Aggregate(ctx context.Context, callerID string, window usage.Window) (*usage.Aggregate, error) {
	return nil, errors.New("usage store down")
}

func TestGateway_AccountingFailureKeepsResult(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(10, 10)}
	h := newHarness(t, p1)
	h.gateway.tracker = failingTracker{}

	result, err := h.gateway.Execute(context.Background(), request("user-1", providers.TierPro, "p1"))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(20), h.usedIn(t, "user-1", providers.TierPro, ratelimit.ReasonTokensPerDay))
}

func TestGateway_ConcurrentCallersAtCeiling(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(1, 1)}
	h := newHarness(t, p1)

	var wg sync.WaitGroup
	var succeeded, limited atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.gateway.Execute(context.Background(), request("anon-1", providers.TierAnonymous, "p1"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case services.IsRateLimited(err):
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	assert.Equal(t, int32(17), limited.Load())
	assert.Equal(t, int32(3), p1.calls.Load())
}

func TestGateway_Usage(t *testing.T) {
	p1 := &fakeAdapter{desc: testDescriptor("p1", 5*time.Second), execute: echoCompletion(100, 20)}
	h := newHarness(t, p1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.gateway.Execute(ctx, request("user-1", providers.TierAuthenticated, "p1"))
		require.NoError(t, err)
	}

	report, err := h.gateway.Usage(ctx, "user-1", providers.TierAuthenticated, usage.WindowHour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Usage.Calls)
	assert.Equal(t, int64(240), report.Usage.Tokens)
	assert.InDelta(t, 2*(100*inputPrice+20*outputPrice), report.Usage.Cost, 1e-12)
	require.NotNil(t, report.Limits)
	require.Len(t, report.Limits.Windows, 3)
	assert.Equal(t, int64(2), report.Limits.Windows[0].Used)

	_, err = h.gateway.Usage(ctx, "user-1", providers.TierAuthenticated, usage.Window("decade"))
	assert.True(t, services.IsInvalidRequest(err))

	_, err = h.gateway.Usage(ctx, "", providers.TierAuthenticated, usage.WindowDay)
	assert.True(t, services.IsInvalidRequest(err))
}
