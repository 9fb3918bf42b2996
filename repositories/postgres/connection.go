package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/ai-execution-gateway/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an already opened pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

const usageSchema = `
	CREATE TABLE IF NOT EXISTS usage_records (
		id UUID PRIMARY KEY,
		request_id VARCHAR(128) NOT NULL,
		caller_id VARCHAR(255) NOT NULL,
		tier VARCHAR(32) NOT NULL,
		provider VARCHAR(64) NOT NULL,
		model VARCHAR(128) NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		input_price DOUBLE PRECISION NOT NULL,
		output_price DOUBLE PRECISION NOT NULL,
		cost DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (caller_id, request_id)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_records_caller_created ON usage_records(caller_id, created_at);
`

const executionEventsSchema = `
	CREATE TABLE IF NOT EXISTS execution_events (
		id UUID PRIMARY KEY,
		request_id VARCHAR(128) NOT NULL,
		caller_id VARCHAR(255) NOT NULL,
		tier VARCHAR(32) NOT NULL,
		provider VARCHAR(64) NOT NULL DEFAULT '',
		model VARCHAR(128) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		details JSONB,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		input_tokens INTEGER,
		output_tokens INTEGER,
		latency_ms INTEGER,
		cost DOUBLE PRECISION,
		failure_kind VARCHAR(64),
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_execution_events_request_id ON execution_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_execution_events_caller_ts ON execution_events(caller_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_execution_events_status ON execution_events(status);
`

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, usageSchema+executionEventsSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitEventsSchema initializes the execution events schema on a dedicated database
func (db *DB) InitEventsSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, executionEventsSchema); err != nil {
		return fmt.Errorf("failed to initialize events schema: %w", err)
	}

	db.logger.Info("events schema initialized successfully")
	return nil
}
