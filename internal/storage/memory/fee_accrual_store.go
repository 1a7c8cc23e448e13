package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
)

// FeeAccrualStore is an in-memory implementation of storage.FeeAccrualStore.
type FeeAccrualStore struct {
	mu   sync.RWMutex
	data map[string]*domain.FeeAccrualPoint // keyed by (fund, timestamp)
}

// NewFeeAccrualStore creates a new in-memory fee accrual store.
func NewFeeAccrualStore() *FeeAccrualStore {
	return &FeeAccrualStore{
		data: make(map[string]*domain.FeeAccrualPoint),
	}
}

func accrualKey(fund string, timestamp int64) string {
	return fmt.Sprintf("%s|%d", fund, timestamp)
}

// InsertBulk adds multiple points. Fails entire batch on duplicate.
func (s *FeeAccrualStore) InsertBulk(_ context.Context, points []*domain.FeeAccrualPoint) error {
	if len(points) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(points))

	// First pass: check for duplicates (existing + intra-batch)
	for _, p := range points {
		if p == nil || p.Fund == "" {
			return storage.ErrInvalidInput
		}
		key := accrualKey(p.Fund, p.Timestamp)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	for _, p := range points {
		pointCopy := *p
		s.data[accrualKey(p.Fund, p.Timestamp)] = &pointCopy
	}
	return nil
}

// GetByTimeRange retrieves points of a fund within [start, end] (inclusive).
func (s *FeeAccrualStore) GetByTimeRange(_ context.Context, fund string, start, end int64) ([]*domain.FeeAccrualPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FeeAccrualPoint
	for _, p := range s.data {
		if p.Fund == fund && p.Timestamp >= start && p.Timestamp <= end {
			pointCopy := *p
			result = append(result, &pointCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result, nil
}

var _ storage.FeeAccrualStore = (*FeeAccrualStore)(nil)
