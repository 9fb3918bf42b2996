package providers

import (
	"context"
	"net/http"
	"time"
)

// Adapter translates a normalized request into one provider's call and
// normalizes that provider's response or error
type Adapter interface {
	// Name returns the logical provider id (e.g., "openai", "anthropic", "bedrock")
	Name() string

	// Validate performs a cheap, local sanity check of the request.
	// Failures are *services.ExecutionFailure of kind InvalidRequest.
	Validate(req *ExecutionRequest) error

	// Execute performs the network call. Errors are always *services.ExecutionFailure.
	// Latency in the returned Completion covers the network call only.
	Execute(ctx context.Context, req *ExecutionRequest) (*Completion, error)
}

// HTTPClient is the subset of *http.Client used by HTTP adapters
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Tier classifies a caller and determines its rate and budget ceilings
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPro           Tier = "pro"
)

// Tiers lists the built-in tiers in increasing order of ceilings
var Tiers = []Tier{TierAnonymous, TierAuthenticated, TierPro}

// Valid reports whether t is one of the built-in tiers
func (t Tier) Valid() bool {
	switch t {
	case TierAnonymous, TierAuthenticated, TierPro:
		return true
	}
	return false
}

// ExecutionRequest is the normalized generation request
type ExecutionRequest struct {
	// Caller identity (opaque) and tier, supplied by upstream identity resolution
	CallerID string `json:"caller_id"`
	Tier     Tier   `json:"tier"`

	// Logical provider id and model id
	ProviderID string `json:"provider"`
	Model      string `json:"model"`

	// Prompt text and optional system instructions
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Sampling parameters
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	// RequestID makes retries of the same request idempotent for usage accounting
	RequestID string `json:"request_id,omitempty"`
}

// Completion is what an adapter returns for a successful call
type Completion struct {
	Output       string        `json:"output"`
	FinishReason string        `json:"finish_reason,omitempty"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
}

// ExecutionResult is the normalized result of a successful execution.
// It is produced exactly once per successful call.
type ExecutionResult struct {
	RequestID    string        `json:"request_id"`
	ProviderID   string        `json:"provider"`
	Model        string        `json:"model"`
	Output       string        `json:"output"`
	FinishReason string        `json:"finish_reason,omitempty"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	Cost         float64       `json:"cost"`
	InputPrice   float64       `json:"input_price"`
	OutputPrice  float64       `json:"output_price"`
	Timestamp    time.Time     `json:"timestamp"`
}

// TotalTokens returns input plus output tokens
func (r *ExecutionResult) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// ModelPricing holds per-token prices and limits for one model
type ModelPricing struct {
	// InputPrice is the price per input token
	InputPrice float64 `json:"input_price" yaml:"input_price"`

	// OutputPrice is the price per output token
	OutputPrice float64 `json:"output_price" yaml:"output_price"`

	// MaxOutputTokens bounds the max_tokens parameter; zero means unbounded
	MaxOutputTokens int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens"`
}

// ComputeCost returns inputTokens*InputPrice + outputTokens*OutputPrice
func (p ModelPricing) ComputeCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPrice + float64(outputTokens)*p.OutputPrice
}

// ProviderDescriptor is static per-provider metadata. It is read-only after
// registry initialization and is the single source of truth for pricing.
type ProviderDescriptor struct {
	ID      string                  `json:"id" yaml:"id"`
	Name    string                  `json:"name" yaml:"name"`
	Models  map[string]ModelPricing `json:"models" yaml:"models"`
	Timeout time.Duration           `json:"timeout" yaml:"timeout"`
}

// Pricing returns the pricing for a model
func (d ProviderDescriptor) Pricing(model string) (ModelPricing, bool) {
	p, ok := d.Models[model]
	return p, ok
}

// SupportsModel reports whether the provider serves the given model
func (d ProviderDescriptor) SupportsModel(model string) bool {
	_, ok := d.Models[model]
	return ok
}

// ModelIDs returns the supported model ids
func (d ProviderDescriptor) ModelIDs() []string {
	ids := make([]string, 0, len(d.Models))
	for id := range d.Models {
		ids = append(ids, id)
	}
	return ids
}

// clone returns a deep copy so callers cannot mutate registry state
func (d ProviderDescriptor) clone() ProviderDescriptor {
	models := make(map[string]ModelPricing, len(d.Models))
	for k, v := range d.Models {
		models[k] = v
	}
	d.Models = models
	return d
}

// ProviderConfig holds common configuration for adapters
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Additional headers
	Headers map[string]string

	// OrgID for organization-specific endpoints
	OrgID string

	// Region for cloud-hosted providers
	Region string

	// AccessKey and SecretKey for cloud-hosted providers; empty uses the default chain
	AccessKey string
	SecretKey string

	// HTTPClient overrides the default client
	HTTPClient HTTPClient
}
