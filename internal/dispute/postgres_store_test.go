//go:build integration

package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/rift/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_UpsertAndRestrictions(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	svc := NewService(store, store, nil)
	gate := NewGate(store, store, nil)
	subject := Subject{TransactionID: "tx_1", BuyerID: "buyer_1"}

	for i := 0; i < 2; i++ {
		_, err := svc.RecordSnapshot(ctx, snapshot(StatusNeedsResponse, t0), "buyer_1")
		require.NoError(t, err)
	}
	assert.Equal(t, "frozen_by_dispute", gate.CheckFreeze(ctx, subject).Reason)

	stored, err := svc.RecordSnapshot(ctx, snapshot(StatusWon, t0.Add(time.Hour)), "buyer_1")
	require.NoError(t, err)
	assert.Equal(t, StatusWon, stored.Status)

	stale, err := store.UpsertSnapshot(ctx, snapshot(StatusUnderReview, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, StatusWon, stale.Status)

	assert.Equal(t, "account_restricted", gate.CheckFreeze(ctx, subject).Reason)

	n, err := svc.LiftRestriction(ctx, "buyer_1", "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, gate.CheckFreeze(ctx, subject).Frozen)
}
