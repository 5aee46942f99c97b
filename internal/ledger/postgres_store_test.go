//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/mbd888/rift/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_UniqueEntry(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := NewService(NewPostgresStore(db), nil)

	for i := 0; i < 3; i++ {
		_, err := svc.CreditSellerOnRelease(ctx, "tx_1", "seller_1", dec("95"), "usd")
		require.NoError(t, err)
	}
	_, err := svc.DebitSellerOnRefund(ctx, "tx_1", "seller_1", dec("95"), "usd")
	require.NoError(t, err)

	entries, err := svc.EntriesForTransaction(ctx, "tx_1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	bal, err := svc.Balance(ctx, "seller_1")
	require.NoError(t, err)
	assert.True(t, bal.Amounts["usd"].IsZero())
}
