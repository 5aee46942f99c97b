package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/idgen"
	"github.com/mbd888/rift/internal/money"
	"github.com/shopspring/decimal"
)

// Memory is an in-process gateway for demo/development mode and tests. It
// honours idempotency keys the way the real gateway does: a repeated key with
// identical parameters replays the first result, a repeated key with different
// parameters fails with ErrIdempotencyMismatch.
type Memory struct {
	mu        sync.Mutex
	available map[string]decimal.Decimal
	intents   map[string]*PaymentIntent
	transfers []*Transfer
	refunds   []*Refund
	replays   map[string]memoryReplay

	// failure injection
	balanceErr    error
	nextTransfer  []error
	lostResponses int
	nextRefundErr error
}

type memoryReplay struct {
	fingerprint string
	result      any
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		available: make(map[string]decimal.Decimal),
		intents:   make(map[string]*PaymentIntent),
		replays:   make(map[string]memoryReplay),
	}
}

// SetAvailable sets the platform's available balance for currency.
func (m *Memory) SetAvailable(currency string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[money.NormalizeCurrency(currency)] = amount
}

// FailBalance makes RetrieveBalance return err until cleared with nil.
func (m *Memory) FailBalance(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceErr = err
}

// FailNextTransfers queues errors returned (without applying) by the next
// CreateTransfer calls, in order.
func (m *Memory) FailNextTransfers(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTransfer = append(m.nextTransfer, errs...)
}

// LoseNextTransferResponses applies the next n transfers but reports a
// timeout to the caller, simulating a response lost in flight.
func (m *Memory) LoseNextTransferResponses(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostResponses = n
}

// FailNextRefund makes the next CreateRefund return err without applying.
func (m *Memory) FailNextRefund(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRefundErr = err
}

// SucceedPaymentIntent marks an intent as paid (what a buyer checkout does).
func (m *Memory) SucceedPaymentIntent(intentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pi, ok := m.intents[intentID]; ok {
		pi.Status = IntentSucceeded
	}
}

// Transfers returns a copy of every distinct transfer created.
func (m *Memory) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.transfers))
	for i, t := range m.transfers {
		out[i] = *t
	}
	return out
}

// Refunds returns a copy of every distinct refund created.
func (m *Memory) Refunds() []Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Refund, len(m.refunds))
	for i, r := range m.refunds {
		out[i] = *r
	}
	return out
}

func (m *Memory) replay(key, fingerprint string) (any, bool, error) {
	prev, ok := m.replays[key]
	if !ok {
		return nil, false, nil
	}
	if prev.fingerprint != fingerprint {
		return nil, true, ErrIdempotencyMismatch
	}
	return prev.result, true, nil
}

func (m *Memory) CreatePaymentIntent(_ context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	currency := money.NormalizeCurrency(req.Currency)
	fp := fmt.Sprintf("pi|%s|%s|%s", req.Amount.String(), currency, req.Reference)
	if prev, ok, err := m.replay(req.IdempotencyKey, fp); ok {
		if err != nil {
			return nil, err
		}
		pi := *prev.(*PaymentIntent)
		return &pi, nil
	}

	pi := &PaymentIntent{
		ID:           idgen.WithPrefix("pi_"),
		ClientSecret: idgen.WithPrefix("secret_"),
		Status:       IntentRequiresPaymentMethod,
		Amount:       req.Amount,
		Currency:     currency,
	}
	m.intents[pi.ID] = pi
	m.replays[req.IdempotencyKey] = memoryReplay{fingerprint: fp, result: pi}
	cp := *pi
	return &cp, nil
}

func (m *Memory) RetrievePaymentIntent(_ context.Context, intentID string) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("retrieve payment intent: %w", ErrNotFound)
	}
	cp := *pi
	return &cp, nil
}

func (m *Memory) CreateTransfer(_ context.Context, req TransferRequest) (*Transfer, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.nextTransfer) > 0 {
		err := m.nextTransfer[0]
		m.nextTransfer = m.nextTransfer[1:]
		if err != nil {
			return nil, err
		}
	}

	currency := money.NormalizeCurrency(req.Currency)
	fp := fmt.Sprintf("tr|%s|%s|%s", req.Amount.String(), currency, req.Destination)
	if prev, ok, err := m.replay(req.IdempotencyKey, fp); ok {
		if err != nil {
			return nil, err
		}
		tr := *prev.(*Transfer)
		return &tr, nil
	}

	if m.available[currency].LessThan(req.Amount) {
		return nil, insufficient("create transfer")
	}
	m.available[currency] = m.available[currency].Sub(req.Amount)

	tr := &Transfer{
		ID:          idgen.WithPrefix("tr_"),
		Amount:      req.Amount,
		Currency:    currency,
		Destination: req.Destination,
	}
	m.transfers = append(m.transfers, tr)
	m.replays[req.IdempotencyKey] = memoryReplay{fingerprint: fp, result: tr}

	if m.lostResponses > 0 {
		m.lostResponses--
		return nil, apperrors.GatewayTransient("create transfer", context.DeadlineExceeded)
	}
	cp := *tr
	return &cp, nil
}

func (m *Memory) CreateRefund(_ context.Context, req RefundRequest) (*Refund, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextRefundErr != nil {
		err := m.nextRefundErr
		m.nextRefundErr = nil
		return nil, err
	}

	fp := fmt.Sprintf("re|%s|%s", req.PaymentIntentID, req.Amount.String())
	if prev, ok, err := m.replay(req.IdempotencyKey, fp); ok {
		if err != nil {
			return nil, err
		}
		r := *prev.(*Refund)
		return &r, nil
	}

	pi, ok := m.intents[req.PaymentIntentID]
	if !ok {
		return nil, fmt.Errorf("create refund: %w", ErrNotFound)
	}
	if pi.Status != IntentSucceeded {
		return nil, fmt.Errorf("create refund: payment intent %s is %s", pi.ID, pi.Status)
	}
	if req.Amount.GreaterThan(pi.Amount) {
		return nil, fmt.Errorf("create refund: amount %s exceeds captured %s", req.Amount, pi.Amount)
	}

	r := &Refund{ID: idgen.WithPrefix("re_"), Amount: req.Amount, Status: "succeeded"}
	m.refunds = append(m.refunds, r)
	m.replays[req.IdempotencyKey] = memoryReplay{fingerprint: fp, result: r}
	cp := *r
	return &cp, nil
}

func (m *Memory) RetrieveBalance(_ context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, apperrors.GatewayTransient("retrieve balance", m.balanceErr)
	}
	out := &Balance{
		Available: make(map[string]decimal.Decimal, len(m.available)),
		Pending:   map[string]decimal.Decimal{},
	}
	for k, v := range m.available {
		out.Available[k] = v
	}
	return out, nil
}

// Compile-time assertion.
var _ Gateway = (*Memory)(nil)
