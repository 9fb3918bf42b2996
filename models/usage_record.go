package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one append-only cost/usage entry per successful execution.
// RequestID is unique per caller: recording the same request twice is a no-op.
type UsageRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	RequestID string    `json:"request_id" db:"request_id"`
	CallerID  string    `json:"caller_id" db:"caller_id"`
	Tier      string    `json:"tier" db:"tier"`
	Provider  string    `json:"provider" db:"provider"`
	Model     string    `json:"model" db:"model"`

	// Metrics
	InputTokens  int `json:"input_tokens" db:"input_tokens"`
	OutputTokens int `json:"output_tokens" db:"output_tokens"`
	LatencyMs    int `json:"latency_ms" db:"latency_ms"`

	// Prices in effect at call time and the resulting cost
	InputPrice  float64 `json:"input_price" db:"input_price"`
	OutputPrice float64 `json:"output_price" db:"output_price"`
	Cost        float64 `json:"cost" db:"cost"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// NewUsageRecord creates a new UsageRecord instance
func NewUsageRecord(requestID, callerID, tier, provider, model string) *UsageRecord {
	return &UsageRecord{
		ID:        uuid.New(),
		RequestID: requestID,
		CallerID:  callerID,
		Tier:      tier,
		Provider:  provider,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
}

// WithTokens sets token counts
func (u *UsageRecord) WithTokens(inputTokens, outputTokens int) *UsageRecord {
	u.InputTokens = inputTokens
	u.OutputTokens = outputTokens
	return u
}

// WithPricing sets the per-token prices and computes the cost from the
// current token counts
func (u *UsageRecord) WithPricing(inputPrice, outputPrice float64) *UsageRecord {
	u.InputPrice = inputPrice
	u.OutputPrice = outputPrice
	u.Cost = float64(u.InputTokens)*inputPrice + float64(u.OutputTokens)*outputPrice
	return u
}

// WithLatency sets the latency
func (u *UsageRecord) WithLatency(latency time.Duration) *UsageRecord {
	u.LatencyMs = int(latency.Milliseconds())
	return u
}

// TotalTokens returns input plus output tokens
func (u *UsageRecord) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}
