package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/upb/ai-execution-gateway/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// UsageTotals is the sum of a caller's usage records over a time range
type UsageTotals struct {
	Calls        int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// UsageRepository handles the append-only usage ledger
type UsageRepository interface {
	// Insert appends a record. It returns false, without error, when the
	// caller already has a record with the same request id.
	Insert(ctx context.Context, record *models.UsageRecord) (bool, error)

	// GetByRequestID retrieves a caller's record for a request id
	GetByRequestID(ctx context.Context, callerID, requestID string) (*models.UsageRecord, error)

	// Aggregate sums a caller's records created in [since, until).
	// A zero since means from the beginning.
	Aggregate(ctx context.Context, callerID string, since, until time.Time) (*UsageTotals, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) UsageRepository
}

// ExecutionEventRepository handles execution event data operations
type ExecutionEventRepository interface {
	// Insert inserts a new execution event
	Insert(ctx context.Context, event *models.ExecutionEvent) error

	// GetByRequestID retrieves the events recorded for a request id
	GetByRequestID(ctx context.Context, requestID string) ([]*models.ExecutionEvent, error)

	// GetByCallerID retrieves a caller's events, newest first, with pagination
	GetByCallerID(ctx context.Context, callerID string, limit, offset int) ([]*models.ExecutionEvent, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) ExecutionEventRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Usage           UsageRepository
	ExecutionEvents ExecutionEventRepository
}
