package releaselock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for demo mode and tests. Its mutex gives
// the same single-winner guarantee as the Postgres primary key, but only
// within one process.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*MilestoneRelease
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*MilestoneRelease)}
}

func rowKey(txID string, index int) string {
	return fmt.Sprintf("%s#%d", txID, index)
}

func (s *MemoryStore) Insert(_ context.Context, r *MilestoneRelease) (bool, *MilestoneRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey(r.TransactionID, r.MilestoneIndex)
	if existing, ok := s.rows[k]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *r
	s.rows[k] = &cp
	return true, nil, nil
}

func (s *MemoryStore) Get(_ context.Context, txID string, index int) (*MilestoneRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey(txID, index)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) MarkReleased(_ context.Context, txID string, index int, payoutID string, amount, sellerNet decimal.Decimal, at time.Time) (*MilestoneRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey(txID, index)]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status == StatusCreating {
		r.Status = StatusReleased
		r.PayoutID = payoutID
		r.Amount = amount
		r.SellerNet = sellerNet
		r.ReleasedAt = &at
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, txID string, index int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey(txID, index)]
	if !ok {
		return ErrNotFound
	}
	if r.Status == StatusCreating {
		r.Status = StatusFailed
		r.FailureReason = reason
	}
	return nil
}

func (s *MemoryStore) DeleteCreating(_ context.Context, txID string, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rowKey(txID, index)
	r, ok := s.rows[k]
	if !ok || r.Status != StatusCreating {
		return false, nil
	}
	delete(s.rows, k)
	return true, nil
}

func (s *MemoryStore) ListByTransaction(_ context.Context, txID string) ([]*MilestoneRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MilestoneRelease
	for _, r := range s.rows {
		if r.TransactionID == txID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MilestoneIndex < out[j].MilestoneIndex })
	return out, nil
}

func (s *MemoryStore) ListStale(_ context.Context, createdBefore time.Time, limit int) ([]*MilestoneRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MilestoneRelease
	for _, r := range s.rows {
		if r.Status == StatusCreating && r.CreatedAt.Before(createdBefore) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
