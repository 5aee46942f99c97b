package escrow

import (
	"context"

	"github.com/mbd888/rift/internal/ledger"
)

// Effects are the side effects written in the same atomic unit as a
// transition.
type Effects struct {
	Ledger []*ledger.Entry
	Event  *TransitionEvent
	Refund *RefundRecord
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, t *Transaction, event *TransitionEvent) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// ApplyTransition writes next and fx if the stored version still equals
	// expectedVersion, otherwise it returns ErrVersionConflict and writes
	// nothing. Ledger entries that already exist are skipped.
	ApplyTransition(ctx context.Context, next *Transaction, expectedVersion int64, fx Effects) error

	ListEvents(ctx context.Context, txID string) ([]*TransitionEvent, error)
	ListRefunds(ctx context.Context, txID string) ([]*RefundRecord, error)
}

// WalletLedger reads the wallet entries a transaction has caused.
// Satisfied by *ledger.Service.
type WalletLedger interface {
	EntriesForTransaction(ctx context.Context, txID string) ([]*ledger.Entry, error)
}
