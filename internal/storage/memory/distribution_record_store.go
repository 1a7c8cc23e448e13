package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
)

// DistributionRecordStore is an in-memory implementation of storage.DistributionRecordStore.
type DistributionRecordStore struct {
	mu   sync.RWMutex
	data map[string]*domain.DistributionRecord // keyed by (fund, index)
}

// NewDistributionRecordStore creates a new in-memory distribution record store.
func NewDistributionRecordStore() *DistributionRecordStore {
	return &DistributionRecordStore{
		data: make(map[string]*domain.DistributionRecord),
	}
}

// Insert adds a record. Returns ErrDuplicateKey if (fund, index) exists.
func (s *DistributionRecordStore) Insert(_ context.Context, r *domain.DistributionRecord) error {
	if r == nil || r.Fund == "" {
		return storage.ErrInvalidInput
	}

	key := fmt.Sprintf("%s|%d", r.Fund, r.Index)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}

	recordCopy := *r
	s.data[key] = &recordCopy
	return nil
}

// GetByFund retrieves all records of a fund, ordered by index ASC.
func (s *DistributionRecordStore) GetByFund(_ context.Context, fund string) ([]*domain.DistributionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DistributionRecord
	for _, r := range s.data {
		if r.Fund == fund {
			recordCopy := *r
			result = append(result, &recordCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})
	return result, nil
}

var _ storage.DistributionRecordStore = (*DistributionRecordStore)(nil)
