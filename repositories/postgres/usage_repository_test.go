package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return WrapDB(sqlDB, zap.NewNop()), mock
}

func testUsageRecord() *models.UsageRecord {
	return models.NewUsageRecord("req-1", "user-1", "authenticated", "openai", "gpt-4o-mini").
		WithTokens(100, 50).
		WithPricing(0.00000015, 0.0000006).
		WithLatency(800 * time.Millisecond)
}

func TestUsageRepository_Insert(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{name: "new record", affected: 1, want: true},
		{name: "duplicate request id", affected: 0, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewUsageRepository(db, zap.NewNop())
			record := testUsageRecord()

			mock.ExpectExec("INSERT INTO usage_records .* ON CONFLICT \\(caller_id, request_id\\) DO NOTHING").
				WithArgs(
					record.ID, "req-1", "user-1", "authenticated", "openai", "gpt-4o-mini",
					100, 50, 800, record.InputPrice, record.OutputPrice, record.Cost, record.CreatedAt,
				).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			inserted, err := repo.Insert(context.Background(), record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inserted)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUsageRepository_Insert_Error(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	mock.ExpectExec("INSERT INTO usage_records").WillReturnError(errors.New("connection reset"))

	inserted, err := repo.Insert(context.Background(), testUsageRecord())
	require.Error(t, err)
	assert.False(t, inserted)
	assert.Contains(t, err.Error(), "failed to insert usage record")
}

func TestUsageRepository_GetByRequestID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db, zap.NewNop())
		id := uuid.New()
		createdAt := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

		rows := sqlmock.NewRows([]string{
			"id", "request_id", "caller_id", "tier", "provider", "model",
			"input_tokens", "output_tokens", "latency_ms",
			"input_price", "output_price", "cost", "created_at",
		}).AddRow(id.String(), "req-1", "user-1", "pro", "anthropic", "claude-3-5-haiku",
			10, 20, 300, 0.000001, 0.000004, 0.00009, createdAt)

		mock.ExpectQuery("SELECT .* FROM usage_records WHERE caller_id = \\$1 AND request_id = \\$2").
			WithArgs("user-1", "req-1").
			WillReturnRows(rows)

		record, err := repo.GetByRequestID(context.Background(), "user-1", "req-1")
		require.NoError(t, err)
		assert.Equal(t, id, record.ID)
		assert.Equal(t, "anthropic", record.Provider)
		assert.Equal(t, 10, record.InputTokens)
		assert.Equal(t, 20, record.OutputTokens)
		assert.Equal(t, 0.00009, record.Cost)
		assert.Equal(t, createdAt, record.CreatedAt)
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT .* FROM usage_records").
			WithArgs("user-1", "missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		record, err := repo.GetByRequestID(context.Background(), "user-1", "missing")
		assert.Nil(t, record)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestUsageRepository_Aggregate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())
	since := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\).*FROM usage_records.*caller_id = \\$1 AND created_at >= \\$2 AND created_at < \\$3").
		WithArgs("user-1", since, until).
		WillReturnRows(sqlmock.NewRows([]string{"count", "input", "output", "cost"}).
			AddRow(int64(3), int64(300), int64(150), 0.0042))

	totals, err := repo.Aggregate(context.Background(), "user-1", since, until)
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Calls)
	assert.Equal(t, int64(300), totals.InputTokens)
	assert.Equal(t, int64(150), totals.OutputTokens)
	assert.Equal(t, 0.0042, totals.Cost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_InTransaction(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db, zap.NewNop())
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			_, err := repo.WithTx(tx).Insert(ctx, testUsageRecord())
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewUsageRepository(db, zap.NewNop())
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO usage_records").WillReturnError(errors.New("constraint violation"))
		mock.ExpectRollback()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			_, err := repo.Insert(ctx, testUsageRecord())
			return err
		})
		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
