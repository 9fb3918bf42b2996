package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/ai-execution-gateway/models"
	"github.com/upb/ai-execution-gateway/repositories"
)

// MemoryStore is an in-process usage ledger for single-instance deployments
// and tests. It satisfies repositories.UsageRepository.
type MemoryStore struct {
	mu        sync.RWMutex
	records   []*models.UsageRecord
	byRequest map[requestKey]*models.UsageRecord
}

// requestKey scopes request ids to the caller that sent them
type requestKey struct {
	callerID  string
	requestID string
}

// NewMemoryStore creates an empty in-memory usage store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRequest: make(map[requestKey]*models.UsageRecord),
	}
}

// Insert appends a copy of the record unless the caller already recorded
// its request id
func (s *MemoryStore) Insert(ctx context.Context, record *models.UsageRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestKey{callerID: record.CallerID, requestID: record.RequestID}
	if _, exists := s.byRequest[key]; exists {
		return false, nil
	}

	stored := *record
	s.records = append(s.records, &stored)
	s.byRequest[key] = &stored
	return true, nil
}

// GetByRequestID returns a copy of a caller's record for a request id
func (s *MemoryStore) GetByRequestID(ctx context.Context, callerID, requestID string) (*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.byRequest[requestKey{callerID: callerID, requestID: requestID}]
	if !exists {
		return nil, fmt.Errorf("usage record %s: %w", requestID, repositories.ErrNotFound)
	}
	found := *record
	return &found, nil
}

// Aggregate sums a caller's records created in [since, until)
func (s *MemoryStore) Aggregate(ctx context.Context, callerID string, since, until time.Time) (*repositories.UsageTotals, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := &repositories.UsageTotals{}
	for _, record := range s.records {
		if record.CallerID != callerID {
			continue
		}
		if record.CreatedAt.Before(since) || !record.CreatedAt.Before(until) {
			continue
		}
		totals.Calls++
		totals.InputTokens += int64(record.InputTokens)
		totals.OutputTokens += int64(record.OutputTokens)
		totals.Cost += record.Cost
	}

	return totals, nil
}

// WithTx returns the store itself; the memory store has no transactions
func (s *MemoryStore) WithTx(tx repositories.Transaction) repositories.UsageRepository {
	return s
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}
