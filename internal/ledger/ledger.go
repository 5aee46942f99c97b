// Package ledger is the sellers' internal wallet: an append-only list of
// credits and debits, each tied to the transaction (and milestone) that
// caused it.
//
// Entries are never updated or deleted. Double invocation is defended by a
// uniqueness constraint on (transaction, type, milestone): appending the same
// logical entry twice stores it once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rift/internal/idgen"
	"github.com/mbd888/rift/internal/money"
	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("ledger: amount must be positive")

// EntryType tags what caused an entry.
type EntryType string

const (
	TypeReleaseCredit   EntryType = "release_credit"
	TypeMilestoneCredit EntryType = "milestone_credit"
	TypeRefundDebit     EntryType = "refund_debit"
)

// WholeTransaction is the milestone index of entries not tied to a milestone.
const WholeTransaction = -1

// Entry is one immutable wallet movement. Amount is always positive; Type
// gives the direction.
type Entry struct {
	ID             string          `json:"id"`
	SellerID       string          `json:"sellerId"`
	TransactionID  string          `json:"transactionId"`
	MilestoneIndex int             `json:"milestoneIndex"`
	Type           EntryType       `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// IsCredit reports whether the entry adds to the seller's balance.
func (e *Entry) IsCredit() bool { return e.Type != TypeRefundDebit }

// Signed returns Amount with the entry's direction applied.
func (e *Entry) Signed() decimal.Decimal {
	if e.IsCredit() {
		return e.Amount
	}
	return e.Amount.Neg()
}

// UniqueKey is the entry's identity for double-invocation defence.
func (e *Entry) UniqueKey() string {
	return fmt.Sprintf("%s|%s|%d", e.TransactionID, e.Type, e.MilestoneIndex)
}

func newEntry(t EntryType, txID, sellerID string, index int, amount decimal.Decimal, currency string, at time.Time) *Entry {
	return &Entry{
		ID:             idgen.WithPrefix("le_"),
		SellerID:       sellerID,
		TransactionID:  txID,
		MilestoneIndex: index,
		Type:           t,
		Amount:         amount,
		Currency:       money.NormalizeCurrency(currency),
		CreatedAt:      at.UTC(),
	}
}

// NewReleaseCredit builds the credit for a full release.
func NewReleaseCredit(txID, sellerID string, amount decimal.Decimal, currency string, at time.Time) *Entry {
	return newEntry(TypeReleaseCredit, txID, sellerID, WholeTransaction, amount, currency, at)
}

// NewMilestoneCredit builds the credit for one released milestone.
func NewMilestoneCredit(txID, sellerID string, index int, amount decimal.Decimal, currency string, at time.Time) *Entry {
	return newEntry(TypeMilestoneCredit, txID, sellerID, index, amount, currency, at)
}

// NewRefundDebit builds the debit that reverses a transaction's credits.
func NewRefundDebit(txID, sellerID string, amount decimal.Decimal, currency string, at time.Time) *Entry {
	return newEntry(TypeRefundDebit, txID, sellerID, WholeTransaction, amount, currency, at)
}

// NetForTransaction sums the signed amounts of entries.
func NetForTransaction(entries []*Entry) decimal.Decimal {
	net := decimal.Zero
	for _, e := range entries {
		net = net.Add(e.Signed())
	}
	return net
}

// Store persists entries.
type Store interface {
	// Append stores e unless an entry with the same UniqueKey exists.
	Append(ctx context.Context, e *Entry) (inserted bool, err error)
	ListByTransaction(ctx context.Context, txID string) ([]*Entry, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Entry, error)
}

// Balance is a seller's wallet balance per currency.
type Balance struct {
	SellerID string                     `json:"sellerId"`
	Amounts  map[string]decimal.Decimal `json:"amounts"`
}

// Service is the wallet ledger used by the escrow engine.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// CreditSellerOnRelease credits sellerID with the net of a full release.
func (s *Service) CreditSellerOnRelease(ctx context.Context, txID, sellerID string, amount decimal.Decimal, currency string) (*Entry, error) {
	return s.append(ctx, NewReleaseCredit(txID, sellerID, amount, currency, s.now()))
}

// CreditSellerOnMilestone credits sellerID with one milestone's net.
func (s *Service) CreditSellerOnMilestone(ctx context.Context, txID, sellerID string, index int, amount decimal.Decimal, currency string) (*Entry, error) {
	return s.append(ctx, NewMilestoneCredit(txID, sellerID, index, amount, currency, s.now()))
}

// DebitSellerOnRefund reverses amount from sellerID after a refund.
func (s *Service) DebitSellerOnRefund(ctx context.Context, txID, sellerID string, amount decimal.Decimal, currency string) (*Entry, error) {
	return s.append(ctx, NewRefundDebit(txID, sellerID, amount, currency, s.now()))
}

// Record appends a prebuilt entry.
func (s *Service) Record(ctx context.Context, e *Entry) (bool, error) {
	if !e.Amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	done := observeOp(string(e.Type))
	defer done()
	inserted, err := s.store.Append(ctx, e)
	if err != nil {
		return false, fmt.Errorf("append %s for %s: %w", e.Type, e.TransactionID, err)
	}
	recordOutcome(e.Type, inserted)
	if !inserted {
		s.logger.Info("ledger entry already recorded",
			"transaction_id", e.TransactionID, "type", e.Type, "milestone", e.MilestoneIndex)
	}
	return inserted, nil
}

// RecordWith appends e through ex with the validation and metrics of
// Record. Stores use it to write entries inside their own database
// transaction.
func RecordWith(ctx context.Context, ex Execer, e *Entry) (bool, error) {
	if !e.Amount.IsPositive() {
		return false, ErrInvalidAmount
	}
	done := observeOp(string(e.Type))
	defer done()
	inserted, err := AppendWith(ctx, ex, e)
	if err != nil {
		return false, fmt.Errorf("append %s for %s: %w", e.Type, e.TransactionID, err)
	}
	recordOutcome(e.Type, inserted)
	return inserted, nil
}

func (s *Service) append(ctx context.Context, e *Entry) (*Entry, error) {
	if _, err := s.Record(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EntriesForTransaction returns every entry caused by txID.
func (s *Service) EntriesForTransaction(ctx context.Context, txID string) ([]*Entry, error) {
	return s.store.ListByTransaction(ctx, txID)
}

// History returns a seller's most recent entries, newest first.
func (s *Service) History(ctx context.Context, sellerID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}

// Balance folds every entry of sellerID into per-currency totals.
func (s *Service) Balance(ctx context.Context, sellerID string) (*Balance, error) {
	entries, err := s.store.ListBySeller(ctx, sellerID, 0)
	if err != nil {
		return nil, err
	}
	b := &Balance{SellerID: sellerID, Amounts: make(map[string]decimal.Decimal)}
	for _, e := range entries {
		b.Amounts[e.Currency] = b.Amounts[e.Currency].Add(e.Signed())
	}
	return b, nil
}
