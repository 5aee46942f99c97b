package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/rift/internal/ledger"
)

// EntryRecorder appends wallet entries. Satisfied by *ledger.Service.
type EntryRecorder interface {
	Record(ctx context.Context, e *ledger.Entry) (bool, error)
}

// MemoryStore is an in-memory transaction store for demo/development mode.
// ApplyTransition holds the store mutex across the version check and every
// side effect, which makes the unit atomic within one process only.
type MemoryStore struct {
	mu       sync.RWMutex
	txs      map[string]*Transaction
	byIntent map[string]string
	events   map[string][]*TransitionEvent
	refunds  map[string][]*RefundRecord
	refundKs map[string]bool
	wallet   EntryRecorder
}

// NewMemoryStore creates a new in-memory store writing wallet entries
// through wallet.
func NewMemoryStore(wallet EntryRecorder) *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]*Transaction),
		byIntent: make(map[string]string),
		events:   make(map[string][]*TransitionEvent),
		refunds:  make(map[string][]*RefundRecord),
		refundKs: make(map[string]bool),
		wallet:   wallet,
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Transaction, event *TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[t.ID] = t.Clone()
	if t.GatewayPaymentIntentID != "" {
		m.byIntent[t.GatewayPaymentIntentID] = t.ID
	}
	if event != nil {
		ev := *event
		m.events[t.ID] = append(m.events[t.ID], &ev)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) GetByPaymentIntent(_ context.Context, intentID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIntent[intentID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.txs[id].Clone(), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if t.BuyerID == userID || t.SellerID == userID {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, next *Transaction, expectedVersion int64, fx Effects) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[next.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	if fx.Refund != nil && m.refundKs[fx.Refund.IdempotencyKey] {
		return ErrDuplicateRefund
	}
	for _, e := range fx.Ledger {
		if !e.Amount.IsPositive() {
			return ledger.ErrInvalidAmount
		}
	}

	for _, e := range fx.Ledger {
		if _, err := m.wallet.Record(ctx, e); err != nil {
			return err
		}
	}
	stored := next.Clone()
	// Monetary fields are fixed at creation.
	stored.Subtotal, stored.BuyerFee, stored.SellerFee = cur.Subtotal, cur.BuyerFee, cur.SellerFee
	stored.BuyerTotal, stored.SellerNet = cur.BuyerTotal, cur.SellerNet
	m.txs[next.ID] = stored
	if next.GatewayPaymentIntentID != "" {
		m.byIntent[next.GatewayPaymentIntentID] = next.ID
	}
	if fx.Event != nil {
		ev := *fx.Event
		m.events[next.ID] = append(m.events[next.ID], &ev)
	}
	if fx.Refund != nil {
		r := *fx.Refund
		m.refunds[next.ID] = append(m.refunds[next.ID], &r)
		m.refundKs[r.IdempotencyKey] = true
	}
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, txID string) ([]*TransitionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TransitionEvent, 0, len(m.events[txID]))
	for _, ev := range m.events[txID] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListRefunds(_ context.Context, txID string) ([]*RefundRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RefundRecord, 0, len(m.refunds[txID]))
	for _, r := range m.refunds[txID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
