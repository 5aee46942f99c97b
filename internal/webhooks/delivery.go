package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrDeliveryNotFound = errors.New("webhooks: delivery not found")

// Delivery outcomes.
const (
	OutcomeApplied            = "applied"
	OutcomeAlreadyProcessed   = "already_processed"
	OutcomeUnknownTransaction = "unknown_transaction"
	OutcomeIgnored            = "ignored"
	OutcomeFailed             = "failed"
)

// Delivery is the audit row of one gateway event id. Redeliveries of the
// same event bump Attempts and overwrite the outcome.
type Delivery struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	Variant     string    `json:"variant"`
	Outcome     string    `json:"outcome"`
	LastError   string    `json:"lastError,omitempty"`
	Attempts    int       `json:"attempts"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// DeliveryStore persists delivery audit rows.
type DeliveryStore interface {
	// Record upserts d by EventID and returns the stored row.
	Record(ctx context.Context, d *Delivery) (*Delivery, error)
	Get(ctx context.Context, eventID string) (*Delivery, error)
}

// MemoryStore is an in-memory DeliveryStore.
type MemoryStore struct {
	mu         sync.Mutex
	deliveries map[string]*Delivery
}

// NewMemoryStore creates an empty delivery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]*Delivery)}
}

func (m *MemoryStore) Record(_ context.Context, d *Delivery) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deliveries[d.EventID]
	if !ok {
		cp := *d
		cp.Attempts = 1
		cp.FirstSeenAt = d.LastSeenAt
		m.deliveries[d.EventID] = &cp
		out := cp
		return &out, nil
	}
	cur.Attempts++
	cur.Outcome = d.Outcome
	cur.LastError = d.LastError
	cur.LastSeenAt = d.LastSeenAt
	out := *cur
	return &out, nil
}

func (m *MemoryStore) Get(_ context.Context, eventID string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[eventID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	out := *d
	return &out, nil
}
