package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/repositories"
	"go.uber.org/zap"
)

// UsageRepository implements the repositories.UsageRepository interface
type UsageRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a usage record. The unique (caller_id, request_id) pair
// makes replays no-ops.
func (r *UsageRepository) Insert(ctx context.Context, record *models.UsageRecord) (bool, error) {
	query := `
		INSERT INTO usage_records (
			id, request_id, caller_id, tier, provider, model,
			input_tokens, output_tokens, latency_ms,
			input_price, output_price, cost, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (caller_id, request_id) DO NOTHING
	`

	executor := executorFor(ctx, r.db, r.tx)
	result, err := executor.ExecContext(ctx, query,
		record.ID,
		record.RequestID,
		record.CallerID,
		record.Tier,
		record.Provider,
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.LatencyMs,
		record.InputPrice,
		record.OutputPrice,
		record.Cost,
		record.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		r.logger.Debug("usage record already present", zap.String("request_id", record.RequestID))
		return false, nil
	}

	r.logger.Debug("usage record inserted",
		zap.String("request_id", record.RequestID),
		zap.String("caller_id", record.CallerID),
		zap.Float64("cost", record.Cost),
	)
	return true, nil
}

// GetByRequestID retrieves a caller's usage record for a request id
func (r *UsageRepository) GetByRequestID(ctx context.Context, callerID, requestID string) (*models.UsageRecord, error) {
	query := `
		SELECT id, request_id, caller_id, tier, provider, model,
		       input_tokens, output_tokens, latency_ms,
		       input_price, output_price, cost, created_at
		FROM usage_records
		WHERE caller_id = $1 AND request_id = $2
	`

	executor := executorFor(ctx, r.db, r.tx)
	record := &models.UsageRecord{}

	err := executor.QueryRowContext(ctx, query, callerID, requestID).Scan(
		&record.ID,
		&record.RequestID,
		&record.CallerID,
		&record.Tier,
		&record.Provider,
		&record.Model,
		&record.InputTokens,
		&record.OutputTokens,
		&record.LatencyMs,
		&record.InputPrice,
		&record.OutputPrice,
		&record.Cost,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("usage record %s: %w", requestID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}

	return record, nil
}

// Aggregate sums a caller's usage in [since, until)
func (r *UsageRepository) Aggregate(ctx context.Context, callerID string, since, until time.Time) (*repositories.UsageTotals, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE caller_id = $1 AND created_at >= $2 AND created_at < $3
	`

	executor := executorFor(ctx, r.db, r.tx)
	totals := &repositories.UsageTotals{}

	err := executor.QueryRowContext(ctx, query, callerID, since, until).Scan(
		&totals.Calls,
		&totals.InputTokens,
		&totals.OutputTokens,
		&totals.Cost,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	return totals, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *UsageRepository) WithTx(tx repositories.Transaction) repositories.UsageRepository {
	pgTx, _ := tx.(*Transaction)
	return &UsageRepository{
		db:     r.db,
		tx:     pgTx,
		logger: r.logger,
	}
}
