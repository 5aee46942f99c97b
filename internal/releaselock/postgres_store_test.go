//go:build integration

package releaselock

import (
	"context"
	"testing"

	"github.com/mbd888/rift/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ConcurrentAcquireSingleWinner(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	assertSingleWinner(t, store, runAcquireRace(t, newTestManager(store), 20))
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	m := newTestManager(store)

	lock, err := m.AcquireMilestoneReleaseLock(ctx, "tx_1", 0, dec("60"), dec("57"), "k0")
	require.NoError(t, err)
	require.True(t, lock.Acquired)

	row, err := m.CompleteReleaseLock(ctx, "tx_1", 0, "tr_0", dec("60"), dec("57"))
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, row.Status)
	assert.True(t, row.SellerNet.Equal(dec("57")))

	deleted, err := store.DeleteCreating(ctx, "tx_1", 0)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, _ = m.AcquireMilestoneReleaseLock(ctx, "tx_1", 1, dec("40"), dec("38"), "k1")
	require.NoError(t, m.ReleaseFailedLock(ctx, "tx_1", 1))
	_, err = store.Get(ctx, "tx_1", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_InsertRetriesWhenWinnerVanishes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	m := newTestManager(store)

	first, err := m.AcquireMilestoneReleaseLock(ctx, "tx_1", 0, dec("60"), dec("57"), "k0")
	require.NoError(t, err)
	require.True(t, first.Acquired)

	// The winner's gateway call fails definitively right after our insert
	// loses, so its row is gone by the time we read it.
	dropped := false
	store.afterConflict = func() {
		if dropped {
			return
		}
		dropped = true
		require.NoError(t, m.ReleaseFailedLock(ctx, "tx_1", 0))
	}

	second, err := m.AcquireMilestoneReleaseLock(ctx, "tx_1", 0, dec("60"), dec("57"), "k0")
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.True(t, second.Acquired)
	assert.Equal(t, StatusCreating, second.Row.Status)
}
