package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects application metrics.
type Metrics interface {
	RecordRequest(ctx context.Context, labels RequestLabels)
	RecordLatency(ctx context.Context, duration time.Duration, labels RequestLabels)
	RecordTokens(ctx context.Context, input, output int, labels RequestLabels)
	RecordCost(ctx context.Context, cost float64, labels RequestLabels)
	RecordRateLimited(ctx context.Context, tier, reason string)
	RecordAccountingFailure(ctx context.Context, stage string)
}

// RequestLabels contains metric dimensions.
type RequestLabels struct {
	Tier     string
	Model    string
	Provider string
	Status   string // succeeded, or a failure kind
}

// NoopMetrics discards everything
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(context.Context, RequestLabels) {}
func (NoopMetrics) RecordLatency(context.Context, time.Duration, RequestLabels) {}
func (NoopMetrics) RecordTokens(context.Context, int, int, RequestLabels) {}
func (NoopMetrics) RecordCost(context.Context, float64, RequestLabels) {}
func (NoopMetrics) RecordRateLimited(context.Context, string, string) {}
func (NoopMetrics) RecordAccountingFailure(context.Context, string) {}

// PrometheusMetrics implements Metrics with Prometheus collectors
type PrometheusMetrics struct {
	requests           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	tokens             *prometheus.CounterVec
	cost               *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	accountingFailures *prometheus.CounterVec
}

// NewPrometheusMetrics registers the gateway collectors with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_executions_total",
				Help: "Total executions by tier, provider, model and outcome",
			},
			[]string{"tier", "provider", "model", "status"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provider_latency_seconds",
				Help:    "Provider call latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Tokens consumed by provider, model and direction",
			},
			[]string{"provider", "model", "direction"},
		),
		cost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_total",
				Help: "Accumulated execution cost",
			},
			[]string{"tier", "provider", "model"},
		),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Admissions refused by the limiter",
			},
			[]string{"tier", "reason"},
		),
		accountingFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_accounting_failures_total",
				Help: "Post-call accounting steps that failed (commit, record)",
			},
			[]string{"stage"},
		),
	}
}

func (m *PrometheusMetrics) RecordRequest(_ context.Context, labels RequestLabels) {
	m.requests.WithLabelValues(labels.Tier, labels.Provider, labels.Model, labels.Status).Inc()
}

func (m *PrometheusMetrics) RecordLatency(_ context.Context, duration time.Duration, labels RequestLabels) {
	m.latency.WithLabelValues(labels.Provider, labels.Model).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordTokens(_ context.Context, input, output int, labels RequestLabels) {
	m.tokens.WithLabelValues(labels.Provider, labels.Model, "input").Add(float64(input))
	m.tokens.WithLabelValues(labels.Provider, labels.Model, "output").Add(float64(output))
}

func (m *PrometheusMetrics) RecordCost(_ context.Context, cost float64, labels RequestLabels) {
	if cost <= 0 {
		return
	}
	m.cost.WithLabelValues(labels.Tier, labels.Provider, labels.Model).Add(cost)
}

func (m *PrometheusMetrics) RecordRateLimited(_ context.Context, tier, reason string) {
	m.rateLimited.WithLabelValues(tier, reason).Inc()
}

func (m *PrometheusMetrics) RecordAccountingFailure(_ context.Context, stage string) {
	m.accountingFailures.WithLabelValues(stage).Inc()
}
