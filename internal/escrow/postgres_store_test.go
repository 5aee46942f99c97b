//go:build integration

package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/rift/internal/ledger"
	"github.com/mbd888/rift/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPGTransaction(id string) *Transaction {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Transaction{
		ID:              id,
		BuyerID:         "buyer_1",
		SellerID:        "seller_1",
		SellerAccountID: "acct_1",
		Currency:        "usd",
		Subtotal:        dec("100"),
		BuyerFee:        dec("3"),
		SellerFee:       dec("5"),
		BuyerTotal:      dec("103"),
		SellerNet:       dec("95"),
		Status:          StatusFunded,
		Version:         1,
		Milestones: []Milestone{
			{Index: 0, Amount: dec("60"), SellerNet: dec("57")},
			{Index: 1, Amount: dec("40"), SellerNet: dec("38")},
		},
		FundedAt:  &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	tx := newPGTransaction("tx_pg_1")
	tx.GatewayPaymentIntentID = "pi_pg_1"
	require.NoError(t, store.Create(ctx, tx, &TransitionEvent{
		ID: "evt_1", TransactionID: tx.ID, To: StatusFunded, Version: 1, Reason: "created", CreatedAt: tx.CreatedAt,
	}))

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
	assert.True(t, got.SellerNet.Equal(dec("95")))
	require.Len(t, got.Milestones, 2)
	assert.True(t, got.Milestones[1].SellerNet.Equal(dec("38")))
	assert.NotNil(t, got.FundedAt)

	byIntent, err := store.GetByPaymentIntent(ctx, "pi_pg_1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byIntent.ID)

	_, err = store.Get(ctx, "tx_missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	list, err := store.ListByUser(ctx, "seller_1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgresStore_ApplyTransitionIsAtomic(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	wallet := ledger.NewService(ledger.NewPostgresStore(db), nil)
	tx := newPGTransaction("tx_pg_2")
	tx.Milestones = nil
	require.NoError(t, store.Create(ctx, tx, nil))

	sm := NewStateMachine(store, wallet, nil)
	released, applied, err := sm.Transition(ctx, tx.ID, StatusReleased, TransitionOptions{
		Mutate: func(n *Transaction) { n.GatewayTransferID = "tr_pg" },
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(2), released.Version)

	entries, err := wallet.EntriesForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.TypeReleaseCredit, entries[0].Type)

	// A stale writer loses the version check and writes nothing.
	stale := tx.Clone()
	stale.Status = StatusRefunded
	stale.Version = 2
	err = store.ApplyTransition(ctx, stale, 1, Effects{
		Ledger: []*ledger.Entry{ledger.NewRefundDebit(tx.ID, tx.SellerID, dec("95"), "usd", time.Now())},
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	entries, err = wallet.EntriesForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	events, err := store.ListEvents(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, StatusReleased, events[0].To)
}

func TestPostgresStore_ConcurrentTransitionsApplyOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	wallet := ledger.NewService(ledger.NewPostgresStore(db), nil)
	tx := newPGTransaction("tx_pg_3")
	tx.Milestones = nil
	require.NoError(t, store.Create(ctx, tx, nil))
	sm := NewStateMachine(store, wallet, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := sm.Transition(ctx, tx.ID, StatusReleased, TransitionOptions{})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	entries, err := wallet.EntriesForTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostgresStore_DuplicateRefundRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	tx := newPGTransaction("tx_pg_4")
	require.NoError(t, store.Create(ctx, tx, nil))

	rec := &RefundRecord{
		ID: "rf_1", TransactionID: tx.ID, Amount: dec("50"), Currency: "usd",
		GatewayRefundID: "re_1", IdempotencyKey: "rift:v1:refund:" + tx.ID, CreatedAt: time.Now().UTC(),
	}
	next := tx.Clone()
	next.Status = StatusRefunded
	next.Version = 2
	require.NoError(t, store.ApplyTransition(ctx, next, 1, Effects{Refund: rec}))

	dup := *rec
	dup.ID = "rf_2"
	again := next.Clone()
	again.Version = 3
	err := store.ApplyTransition(ctx, again, 2, Effects{Refund: &dup})
	assert.ErrorIs(t, err, ErrDuplicateRefund)

	refunds, err := store.ListRefunds(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
}

func TestPostgresStore_ClaimRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	wallet := ledger.NewService(ledger.NewPostgresStore(db), nil)
	tx := newPGTransaction("tx_pg_claim")
	tx.Milestones = nil
	require.NoError(t, store.Create(ctx, tx, nil))

	sm := NewStateMachine(store, wallet, nil)
	claimed, created, err := sm.Claim(ctx, tx.ID, ClaimRefund, dec("40.5"), nil)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ClaimRefund, got.Claim)
	require.NotNil(t, got.ClaimAmount)
	assert.True(t, got.ClaimAmount.Equal(dec("40.5")))
	assert.Equal(t, claimed.Version, got.Version)

	refunded, _, err := sm.Transition(ctx, tx.ID, StatusRefunded, TransitionOptions{Reason: "refunded"})
	require.NoError(t, err)
	assert.Equal(t, ClaimNone, refunded.Claim)

	got, err = store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ClaimNone, got.Claim)
	assert.Nil(t, got.ClaimAmount)
}
