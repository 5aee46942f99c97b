package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func snapshot(status Status, at time.Time) *Dispute {
	return &Dispute{
		GatewayDisputeID:       "dp_1",
		TransactionID:          "tx_1",
		GatewayPaymentIntentID: "pi_1",
		Status:                 status,
		Reason:                 "product_not_received",
		Amount:                 decimal.NewFromInt(103),
		Currency:               "usd",
		LastEventID:            "evt_" + string(status),
		UpdatedAt:              at,
	}
}

func TestStatusClassification(t *testing.T) {
	open := []Status{StatusNeedsResponse, StatusUnderReview, StatusWarningNeedsResponse, StatusWarningUnderReview}
	for _, s := range open {
		assert.True(t, s.IsOpen(), s)
		assert.Equal(t, OutcomeNone, s.Outcome(), s)
	}
	assert.False(t, StatusWon.IsOpen())
	assert.Equal(t, OutcomeWon, StatusWon.Outcome())
	assert.Equal(t, OutcomeWon, StatusWarningClosed.Outcome())
	assert.Equal(t, OutcomeLost, StatusLost.Outcome())
}

func TestUpsertSnapshot_ConvergesAndIgnoresStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 3; i++ {
		_, err := store.UpsertSnapshot(ctx, snapshot(StatusNeedsResponse, t0))
		require.NoError(t, err)
	}
	stored, err := store.UpsertSnapshot(ctx, snapshot(StatusWon, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, StatusWon, stored.Status)

	// A late redelivery of the opening event must not reopen the dispute.
	stored, err = store.UpsertSnapshot(ctx, snapshot(StatusNeedsResponse, t0))
	require.NoError(t, err)
	assert.Equal(t, StatusWon, stored.Status)

	all, err := store.ListForTransaction(ctx, "tx_1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGate_OpenDisputeFreezes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, store, nil)
	gate := NewGate(store, store, nil)
	subject := Subject{TransactionID: "tx_1", BuyerID: "buyer_1", SellerID: "seller_1"}

	assert.False(t, gate.CheckFreeze(ctx, subject).Frozen)

	_, err := svc.RecordSnapshot(ctx, snapshot(StatusNeedsResponse, t0), "buyer_1")
	require.NoError(t, err)

	f := gate.CheckFreeze(ctx, subject)
	require.True(t, f.Frozen)
	assert.Equal(t, apperrors.ReasonFrozenByDispute, f.Reason)
	assert.Contains(t, f.Message, "dispute")
	assert.Equal(t, apperrors.ReasonFrozenByDispute, apperrors.ReasonOf(f.Err()))
}

func TestGate_WonDisputeKeepsBuyerRestricted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, store, nil)
	gate := NewGate(store, store, nil)
	subject := Subject{TransactionID: "tx_1", BuyerID: "buyer_1", SellerID: "seller_1"}

	_, err := svc.RecordSnapshot(ctx, snapshot(StatusNeedsResponse, t0), "buyer_1")
	require.NoError(t, err)
	_, err = svc.RecordSnapshot(ctx, snapshot(StatusWon, t0.Add(time.Hour)), "buyer_1")
	require.NoError(t, err)

	f := gate.CheckFreeze(ctx, subject)
	require.True(t, f.Frozen, "winning the dispute does not lift the buyer restriction")
	assert.Equal(t, apperrors.ReasonAccountRestricted, f.Reason)

	// Unrelated transactions of other users are unaffected.
	assert.False(t, gate.CheckFreeze(ctx, Subject{TransactionID: "tx_2", BuyerID: "buyer_2", SellerID: "seller_1"}).Frozen)

	n, err := svc.LiftRestriction(ctx, "buyer_1", "ops@rift")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, gate.CheckFreeze(ctx, subject).Frozen)

	// Redelivering the opening event does not re-restrict after review.
	_, err = svc.RecordSnapshot(ctx, snapshot(StatusNeedsResponse, t0), "buyer_1")
	require.NoError(t, err)
	assert.False(t, gate.CheckFreeze(ctx, subject).Frozen)

	rs, err := svc.Restrictions(ctx, "buyer_1")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "ops@rift", rs[0].LiftedBy)
}

func TestLiftRestriction_Errors(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, store, nil)

	_, err := svc.LiftRestriction(context.Background(), "buyer_1", "")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = svc.LiftRestriction(context.Background(), "buyer_1", "ops")
	assert.ErrorIs(t, err, ErrRestrictionNotFound)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

type failingStore struct{ *MemoryStore }

func (failingStore) OpenForTransaction(context.Context, string) ([]*Dispute, error) {
	return nil, errors.New("connection refused")
}

func TestGate_LookupFailureFreezes(t *testing.T) {
	mem := NewMemoryStore()
	gate := NewGate(failingStore{mem}, mem, nil)

	f := gate.CheckFreeze(context.Background(), Subject{TransactionID: "tx_1"})
	assert.True(t, f.Frozen)
	assert.Contains(t, f.Message, "dispute")
	assert.Equal(t, apperrors.ReasonFreezeUnverified, f.Reason)
	assert.Equal(t, apperrors.ReasonFreezeUnverified, apperrors.ReasonOf(f.Err()))
}

type failingRestrictions struct{ *MemoryStore }

func (failingRestrictions) ActiveFundsFrozen(context.Context, ...string) ([]*Restriction, error) {
	return nil, errors.New("connection refused")
}

func TestGate_RestrictionLookupFailureIsDistinct(t *testing.T) {
	mem := NewMemoryStore()
	gate := NewGate(mem, failingRestrictions{mem}, nil)

	f := gate.CheckFreeze(context.Background(), Subject{TransactionID: "tx_1", BuyerID: "buyer_1"})
	assert.True(t, f.Frozen)
	assert.Equal(t, apperrors.ReasonFreezeUnverified, f.Reason)
	assert.NotEqual(t, apperrors.ReasonFrozenByDispute, f.Reason)
}
