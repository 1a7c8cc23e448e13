package memory

import (
	"context"
	"sort"
	"sync"

	"index-fund-engine/internal/domain"
	"index-fund-engine/internal/storage"
)

// BidFillStore is an in-memory implementation of storage.BidFillStore.
// Fills are append-only; two fills may share every field.
type BidFillStore struct {
	mu   sync.RWMutex
	data []*domain.BidFill
}

// NewBidFillStore creates a new in-memory bid fill store.
func NewBidFillStore() *BidFillStore {
	return &BidFillStore{}
}

// InsertBulk adds multiple fills atomically. Rejects the batch on invalid input.
func (s *BidFillStore) InsertBulk(_ context.Context, fills []*domain.BidFill) error {
	if len(fills) == 0 {
		return nil
	}

	for _, f := range fills {
		if f == nil || f.Fund == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range fills {
		fillCopy := *f
		s.data = append(s.data, &fillCopy)
	}
	return nil
}

// GetByFund retrieves all fills of a fund, ordered by timestamp ASC.
func (s *BidFillStore) GetByFund(_ context.Context, fund string) ([]*domain.BidFill, error) {
	return s.filter(func(f *domain.BidFill) bool { return f.Fund == fund }), nil
}

// GetByTimeRange retrieves fills of a fund within [start, end] (inclusive).
func (s *BidFillStore) GetByTimeRange(_ context.Context, fund string, start, end int64) ([]*domain.BidFill, error) {
	return s.filter(func(f *domain.BidFill) bool {
		return f.Fund == fund && f.Timestamp >= start && f.Timestamp <= end
	}), nil
}

func (s *BidFillStore) filter(keep func(*domain.BidFill) bool) []*domain.BidFill {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.BidFill
	for _, f := range s.data {
		if keep(f) {
			fillCopy := *f
			result = append(result, &fillCopy)
		}
	}

	// Stable: fills in the same second keep insertion order.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp < result[j].Timestamp
	})
	return result
}

var _ storage.BidFillStore = (*BidFillStore)(nil)
