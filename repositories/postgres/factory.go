package postgres

import (
	"context"
	"errors"

	"github.com/upb/ai-execution-gateway/config"
	"github.com/upb/ai-execution-gateway/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db       *DB
	eventsDB *DB // Optional: separate DB for execution events
	logger   *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	if cfg.Database == nil {
		return nil, errors.New("database is not configured")
	}

	db, err := NewDB(*cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.EventsDatabase != nil {
		eventsDB, err := NewDB(*cfg.EventsDatabase, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		f.eventsDB = eventsDB
	}

	return f, nil
}

// NewRepositoryFactoryFromDB creates a factory over an existing pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// InitSchema initializes the main schema and, when configured, the events schema
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	if err := f.db.InitSchema(ctx); err != nil {
		return err
	}
	if f.eventsDB != nil {
		return f.eventsDB.InitEventsSchema(ctx)
	}
	return nil
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Usage:           NewUsageRepository(f.db, f.logger),
		ExecutionEvents: NewExecutionEventRepository(f.EventsDB(), f.logger),
	}
}

// GetEventsTransactionManager returns a transaction manager for the database
// that holds execution events
func (f *RepositoryFactory) GetEventsTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.EventsDB(), f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// EventsDB returns the database holding execution events
func (f *RepositoryFactory) EventsDB() *DB {
	if f.eventsDB != nil {
		return f.eventsDB
	}
	return f.db
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.eventsDB != nil {
		_ = f.eventsDB.Close()
	}
	return f.db.Close()
}
