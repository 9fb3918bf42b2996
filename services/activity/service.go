package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/repositories"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned when logging before Start or after Stop
	ErrNotStarted = errors.New("activity log not running")

	// ErrBufferFull is returned when an event is dropped
	ErrBufferFull = errors.New("activity event buffer full")
)

// Service persists execution events asynchronously. Workers drain the
// buffer in batches and write each batch in one transaction.
type Service struct {
	repo        repositories.ExecutionEventRepository
	txManager   repositories.TransactionManager
	logger      *zap.Logger
	eventChan   chan *models.ExecutionEvent
	workerCount int
	bufferSize  int
	batchSize   int
	timeout     time.Duration
	wg          sync.WaitGroup
	started     bool
	stopped     bool
	mu          sync.RWMutex

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// Config holds configuration for the Service
type Config struct {
	BufferSize   int           // Size of the event buffer channel
	WorkerCount  int           // Number of concurrent workers
	BatchSize    int           // Maximum events per transaction
	WriteTimeout time.Duration // Per-batch write deadline
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  5,
		BatchSize:    50,
		WriteTimeout: 5 * time.Second,
	}
}

// NewService creates a new activity log. txManager may be nil, in which
// case each event is inserted on its own.
func NewService(repo repositories.ExecutionEventRepository, txManager repositories.TransactionManager, logger *zap.Logger, config Config) *Service {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &Service{
		repo:        repo,
		txManager:   txManager,
		logger:      logger,
		eventChan:   make(chan *models.ExecutionEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
		batchSize:   config.BatchSize,
		timeout:     config.WriteTimeout,
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("activity log already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started activity log",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize),
		zap.Int("batch_size", s.batchSize))

	return nil
}

// Stop stops accepting events and waits for pending ones to be written
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	pending := len(s.eventChan)
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping activity log", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("activity log stopped gracefully",
			zap.Int64("written", s.written.Load()),
			zap.Int64("dropped", s.dropped.Load()))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("activity log stop timeout after %v", timeout)
	}
}

// LogEvent queues an event without blocking. A full buffer drops it.
func (s *Service) LogEvent(event *models.ExecutionEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return ErrNotStarted
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("activity event channel full, dropping event",
			zap.String("request_id", event.RequestID),
			zap.String("status", string(event.Status)))
		return ErrBufferFull
	}
}

// worker drains events in batches
func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("activity worker started", zap.Int("worker_id", id))

	batch := make([]*models.ExecutionEvent, 0, s.batchSize)
	for event := range s.eventChan {
		batch = append(batch[:0], event)
	drain:
		for len(batch) < s.batchSize {
			select {
			case next, ok := <-s.eventChan:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		if err := s.writeBatch(batch); err != nil {
			s.failed.Add(int64(len(batch)))
			s.logger.Error("failed to write activity batch",
				zap.Int("worker_id", id),
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			continue
		}
		s.written.Add(int64(len(batch)))
	}

	s.logger.Debug("activity worker stopped", zap.Int("worker_id", id))
}

// writeBatch persists a batch atomically when a transaction manager is set
func (s *Service) writeBatch(batch []*models.ExecutionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if s.txManager == nil {
		for _, event := range batch {
			if err := s.repo.Insert(ctx, event); err != nil {
				return fmt.Errorf("failed to insert execution event %s: %w", event.RequestID, err)
			}
		}
		return nil
	}

	return s.txManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		repo := s.repo.WithTx(tx)
		for _, event := range batch {
			if err := repo.Insert(ctx, event); err != nil {
				return fmt.Errorf("failed to insert execution event %s: %w", event.RequestID, err)
			}
		}
		return nil
	})
}

// GetStats returns statistics about the activity log
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
		Failed:        s.failed.Load(),
	}
}

// Stats represents activity log statistics
type Stats struct {
	BufferSize    int   `json:"buffer_size"`
	PendingEvents int   `json:"pending_events"`
	WorkerCount   int   `json:"worker_count"`
	Started       bool  `json:"started"`
	Written       int64 `json:"written"`
	Dropped       int64 `json:"dropped"`
	Failed        int64 `json:"failed"`
}
