package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store and RestrictionStore in memory.
type MemoryStore struct {
	mu           sync.RWMutex
	disputes     map[string]*Dispute
	restrictions []*Restriction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) UpsertSnapshot(_ context.Context, d *Dispute) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.GatewayDisputeID]
	if !ok {
		cp := *d
		m.disputes[d.GatewayDisputeID] = &cp
		out := cp
		return &out, nil
	}
	if !d.UpdatedAt.Before(cur.UpdatedAt) {
		createdAt := cur.CreatedAt
		*cur = *d
		cur.CreatedAt = createdAt
		if cur.TransactionID == "" {
			cur.TransactionID = d.TransactionID
		}
	}
	out := *cur
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) OpenForTransaction(ctx context.Context, txID string) ([]*Dispute, error) {
	all, _ := m.ListForTransaction(ctx, txID)
	var open []*Dispute
	for _, d := range all {
		if d.IsOpen() {
			open = append(open, d)
		}
	}
	return open, nil
}

func (m *MemoryStore) ListForTransaction(_ context.Context, txID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.TransactionID == txID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Restrict(_ context.Context, r *Restriction) (*Restriction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.restrictions {
		if ex.UserID == r.UserID && ex.SourceDisputeID == r.SourceDisputeID {
			cp := *ex
			return &cp, nil
		}
	}
	cp := *r
	m.restrictions = append(m.restrictions, &cp)
	out := cp
	return &out, nil
}

func (m *MemoryStore) ActiveFundsFrozen(_ context.Context, userIDs ...string) ([]*Restriction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		want[u] = true
	}
	var out []*Restriction
	for _, r := range m.restrictions {
		if want[r.UserID] && r.FundsFrozen && r.Active() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Lift(_ context.Context, userID, reviewer string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.restrictions {
		if r.UserID == userID && r.Active() {
			t := at
			r.LiftedAt = &t
			r.LiftedBy = reviewer
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string) ([]*Restriction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Restriction
	for _, r := range m.restrictions {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

var (
	_ Store            = (*MemoryStore)(nil)
	_ RestrictionStore = (*MemoryStore)(nil)
)
