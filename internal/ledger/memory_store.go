package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in memory with the same uniqueness rule as the
// Postgres table.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	keys    map[string]bool
}

// NewMemoryStore creates an empty ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]bool)}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := e.UniqueKey()
	if m.keys[k] {
		return false, nil
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	m.keys[k] = true
	return true, nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, txID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.TransactionID == txID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListBySeller(_ context.Context, sellerID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.SellerID == sellerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
