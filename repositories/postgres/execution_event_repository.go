package postgres

import (
	"context"
	"fmt"

	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/repositories"
	"go.uber.org/zap"
)

const executionEventColumns = `
	id, request_id, caller_id, tier, provider, model, status, details, timestamp,
	input_tokens, output_tokens, latency_ms, cost, failure_kind, error_message
`

// ExecutionEventRepository implements the repositories.ExecutionEventRepository interface
type ExecutionEventRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewExecutionEventRepository creates a new execution event repository
func NewExecutionEventRepository(db *DB, logger *zap.Logger) repositories.ExecutionEventRepository {
	return &ExecutionEventRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new execution event
func (r *ExecutionEventRepository) Insert(ctx context.Context, event *models.ExecutionEvent) error {
	query := `INSERT INTO execution_events (` + executionEventColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
	)`

	// JSONB rejects an empty byte string
	var details interface{}
	if len(event.Details) > 0 {
		details = []byte(event.Details)
	}

	executor := executorFor(ctx, r.db, r.tx)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.RequestID,
		event.CallerID,
		event.Tier,
		event.Provider,
		event.Model,
		event.Status,
		details,
		event.Timestamp,
		event.InputTokens,
		event.OutputTokens,
		event.LatencyMs,
		event.Cost,
		event.FailureKind,
		event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution event: %w", err)
	}

	r.logger.Debug("execution event inserted",
		zap.String("id", event.ID.String()),
		zap.String("request_id", event.RequestID),
		zap.String("status", string(event.Status)),
	)
	return nil
}

// GetByRequestID retrieves the events recorded for a request id
func (r *ExecutionEventRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.ExecutionEvent, error) {
	query := `SELECT ` + executionEventColumns + `
		FROM execution_events
		WHERE request_id = $1
		ORDER BY timestamp ASC
	`

	return r.queryEvents(ctx, query, requestID)
}

// GetByCallerID retrieves a caller's events with pagination
func (r *ExecutionEventRepository) GetByCallerID(ctx context.Context, callerID string, limit, offset int) ([]*models.ExecutionEvent, error) {
	query := `SELECT ` + executionEventColumns + `
		FROM execution_events
		WHERE caller_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`

	return r.queryEvents(ctx, query, callerID, limit, offset)
}

// WithTx returns a new repository instance bound to the transaction
func (r *ExecutionEventRepository) WithTx(tx repositories.Transaction) repositories.ExecutionEventRepository {
	pgTx, _ := tx.(*Transaction)
	return &ExecutionEventRepository{
		db:     r.db,
		tx:     pgTx,
		logger: r.logger,
	}
}

// queryEvents is a helper method to query multiple execution events
func (r *ExecutionEventRepository) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.ExecutionEvent, error) {
	executor := executorFor(ctx, r.db, r.tx)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution events: %w", err)
	}
	defer rows.Close()

	var events []*models.ExecutionEvent
	for rows.Next() {
		event := &models.ExecutionEvent{}
		var details []byte
		err := rows.Scan(
			&event.ID,
			&event.RequestID,
			&event.CallerID,
			&event.Tier,
			&event.Provider,
			&event.Model,
			&event.Status,
			&details,
			&event.Timestamp,
			&event.InputTokens,
			&event.OutputTokens,
			&event.LatencyMs,
			&event.Cost,
			&event.FailureKind,
			&event.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution event: %w", err)
		}
		event.Details = details
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution event rows: %w", err)
	}

	return events, nil
}
