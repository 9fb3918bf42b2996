package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the final outcome of a gateway execution
type ExecutionStatus string

const (
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusRejected  ExecutionStatus = "rejected" // Refused before dispatch
)

// ExecutionEvent is the operational record of one gateway outcome
type ExecutionEvent struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	RequestID string          `json:"request_id" db:"request_id"`
	CallerID  string          `json:"caller_id" db:"caller_id"`
	Tier      string          `json:"tier" db:"tier"`
	Provider  string          `json:"provider" db:"provider"`
	Model     string          `json:"model" db:"model"`
	Status    ExecutionStatus `json:"status" db:"status"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"` // JSONB for flexible metadata
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`

	// Success metrics
	InputTokens  *int     `json:"input_tokens,omitempty" db:"input_tokens"`
	OutputTokens *int     `json:"output_tokens,omitempty" db:"output_tokens"`
	LatencyMs    *int     `json:"latency_ms,omitempty" db:"latency_ms"`
	Cost         *float64 `json:"cost,omitempty" db:"cost"`

	// Failure information
	FailureKind  *string `json:"failure_kind,omitempty" db:"failure_kind"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
}

// TableName returns the table name for the ExecutionEvent model
func (ExecutionEvent) TableName() string {
	return "execution_events"
}

// NewExecutionEvent creates a new ExecutionEvent instance
func NewExecutionEvent(requestID, callerID, tier string, status ExecutionStatus) *ExecutionEvent {
	return &ExecutionEvent{
		ID:        uuid.New(),
		RequestID: requestID,
		CallerID:  callerID,
		Tier:      tier,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// WithTarget sets the provider and model
func (e *ExecutionEvent) WithTarget(provider, model string) *ExecutionEvent {
	e.Provider = provider
	e.Model = model
	return e
}

// WithMetrics sets success metrics
func (e *ExecutionEvent) WithMetrics(inputTokens, outputTokens, latencyMs int, cost float64) *ExecutionEvent {
	e.InputTokens = &inputTokens
	e.OutputTokens = &outputTokens
	e.LatencyMs = &latencyMs
	e.Cost = &cost
	return e
}

// WithFailure sets failure information
func (e *ExecutionEvent) WithFailure(kind, message string) *ExecutionEvent {
	e.FailureKind = &kind
	e.ErrorMessage = &message
	return e
}

// WithDetails sets the details
func (e *ExecutionEvent) WithDetails(details interface{}) *ExecutionEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}
