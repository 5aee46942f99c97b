// Package releaselock guarantees at most one release in flight per
// transaction (full release) or per (transaction, milestone) pair.
//
// A full release needs no row of its own: the transaction's status and
// version are checked again at the final compare-and-swap. A milestone
// release is locked by inserting a MilestoneRelease row; the persisted
// (transaction_id, milestone_index) uniqueness constraint picks exactly one
// winner among concurrent callers on any number of instances.
package releaselock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("releaselock: milestone release not found")
	ErrPayoutMismatch = errors.New("releaselock: milestone already released with a different payout")
)

// Status is a MilestoneRelease row state.
type Status string

const (
	StatusCreating Status = "CREATING" // gateway call issued or about to be
	StatusReleased Status = "RELEASED" // payout confirmed
	StatusFailed   Status = "FAILED"   // parked for manual review, never retried automatically
)

// MilestoneRelease is both the record of a milestone payout and its lock.
type MilestoneRelease struct {
	TransactionID  string          `json:"transactionId"`
	MilestoneIndex int             `json:"milestoneIndex"`
	Status         Status          `json:"status"`
	PayoutID       string          `json:"payoutId,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	SellerNet      decimal.Decimal `json:"sellerNet"`
	IdempotencyKey string          `json:"idempotencyKey"`
	FailureReason  string          `json:"failureReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ReleasedAt     *time.Time      `json:"releasedAt,omitempty"`
}

// Store persists MilestoneRelease rows.
type Store interface {
	// Insert creates r unless a row for (TransactionID, MilestoneIndex)
	// exists, in which case it returns inserted=false and the existing row.
	Insert(ctx context.Context, r *MilestoneRelease) (inserted bool, existing *MilestoneRelease, err error)
	Get(ctx context.Context, txID string, index int) (*MilestoneRelease, error)
	// MarkReleased moves a CREATING row to RELEASED and returns the row as
	// stored afterwards. A row that is not CREATING is returned unchanged.
	MarkReleased(ctx context.Context, txID string, index int, payoutID string, amount, sellerNet decimal.Decimal, at time.Time) (*MilestoneRelease, error)
	MarkFailed(ctx context.Context, txID string, index int, reason string) error
	// DeleteCreating removes the row only while it is CREATING.
	DeleteCreating(ctx context.Context, txID string, index int) (bool, error)
	ListByTransaction(ctx context.Context, txID string) ([]*MilestoneRelease, error)
	ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*MilestoneRelease, error)
}

// TransactionSnapshot is the slice of a transaction a full-release lock reads.
type TransactionSnapshot struct {
	ID       string
	Released bool
	PayoutID string
	Version  int64
}

// SnapshotFunc loads the current TransactionSnapshot for id.
type SnapshotFunc func(ctx context.Context, id string) (*TransactionSnapshot, error)

// FullReleaseToken is the result of AcquireFullReleaseLock.
type FullReleaseToken struct {
	TransactionID   string
	ExpectedVersion int64
	AlreadyReleased bool
	PayoutID        string
}

// MilestoneLock is the result of AcquireMilestoneReleaseLock. When Acquired
// is false, Row is the row that won (or previously completed) the race.
type MilestoneLock struct {
	Row      *MilestoneRelease
	Acquired bool
}

// Summary counts a transaction's milestone release rows by status.
type Summary struct {
	Released int
	Creating int
	Failed   int
}

var conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rift",
	Subsystem: "releaselock",
	Name:      "conflicts_total",
	Help:      "Lost milestone lock races by the winner's row status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(conflictsTotal)
}

// Manager implements the lock protocol over a Store.
type Manager struct {
	store    Store
	snapshot SnapshotFunc
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager. snapshot may be nil if full-release locks
// are never requested.
func NewManager(store Store, snapshot SnapshotFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, snapshot: snapshot, logger: logger, now: time.Now}
}

// AcquireFullReleaseLock returns the existing payout as success when the
// transaction is already RELEASED, otherwise a token carrying the version
// the final transition must still observe.
func (m *Manager) AcquireFullReleaseLock(ctx context.Context, txID string) (*FullReleaseToken, error) {
	if m.snapshot == nil {
		return nil, fmt.Errorf("releaselock: no transaction snapshot source configured")
	}
	snap, err := m.snapshot(ctx, txID)
	if err != nil {
		return nil, err
	}
	return &FullReleaseToken{
		TransactionID:   snap.ID,
		ExpectedVersion: snap.Version,
		AlreadyReleased: snap.Released,
		PayoutID:        snap.PayoutID,
	}, nil
}

// AcquireMilestoneReleaseLock inserts a CREATING row for (txID, index).
func (m *Manager) AcquireMilestoneReleaseLock(ctx context.Context, txID string, index int, amount, sellerNet decimal.Decimal, idempotencyKey string) (*MilestoneLock, error) {
	row := &MilestoneRelease{
		TransactionID:  txID,
		MilestoneIndex: index,
		Status:         StatusCreating,
		Amount:         amount,
		SellerNet:      sellerNet,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      m.now().UTC(),
	}
	inserted, existing, err := m.store.Insert(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("acquire milestone lock %s/%d: %w", txID, index, err)
	}
	if !inserted {
		conflictsTotal.WithLabelValues(string(existing.Status)).Inc()
		m.logger.Info("milestone lock held by another release",
			"transaction_id", txID, "milestone", index, "status", existing.Status)
		return &MilestoneLock{Row: existing, Acquired: false}, nil
	}
	return &MilestoneLock{Row: row, Acquired: true}, nil
}

// CompleteReleaseLock records a successful payout. Repeating it with the same
// payout id is a no-op; a different payout id is an invariant violation.
func (m *Manager) CompleteReleaseLock(ctx context.Context, txID string, index int, payoutID string, amount, sellerNet decimal.Decimal) (*MilestoneRelease, error) {
	if payoutID == "" {
		return nil, apperrors.Invariant(apperrors.ReasonInvalidState, "completing milestone %s/%d without a payout id", txID, index)
	}
	row, err := m.store.MarkReleased(ctx, txID, index, payoutID, amount, sellerNet, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("complete milestone lock %s/%d: %w", txID, index, err)
	}
	switch {
	case row.Status == StatusReleased && row.PayoutID == payoutID:
		return row, nil
	case row.Status == StatusReleased:
		return nil, apperrors.Wrap(apperrors.KindInvariant, apperrors.ReasonAlreadyReleased,
			fmt.Sprintf("milestone %s/%d released as %s, not %s", txID, index, row.PayoutID, payoutID), ErrPayoutMismatch)
	default:
		return nil, apperrors.Invariant(apperrors.ReasonInvalidState, "milestone %s/%d is %s, cannot complete", txID, index, row.Status)
	}
}

// ReleaseFailedLock deletes a CREATING row after a definitive gateway
// failure so a clean retry can proceed. RELEASED rows are never deleted.
func (m *Manager) ReleaseFailedLock(ctx context.Context, txID string, index int) error {
	deleted, err := m.store.DeleteCreating(ctx, txID, index)
	if err != nil {
		return fmt.Errorf("release failed milestone lock %s/%d: %w", txID, index, err)
	}
	if !deleted {
		m.logger.Warn("failed lock not deleted: row missing or no longer CREATING",
			"transaction_id", txID, "milestone", index)
	}
	return nil
}

// ParkForReview marks a CREATING row FAILED. The row keeps the milestone
// locked until an operator resolves it.
func (m *Manager) ParkForReview(ctx context.Context, txID string, index int, reason string) error {
	if err := m.store.MarkFailed(ctx, txID, index, reason); err != nil {
		return fmt.Errorf("park milestone lock %s/%d: %w", txID, index, err)
	}
	m.logger.Error("milestone release parked for manual review",
		"transaction_id", txID, "milestone", index, "reason", reason)
	return nil
}

// Get returns the row for (txID, index).
func (m *Manager) Get(ctx context.Context, txID string, index int) (*MilestoneRelease, error) {
	return m.store.Get(ctx, txID, index)
}

// List returns every row of a transaction ordered by milestone index.
func (m *Manager) List(ctx context.Context, txID string) ([]*MilestoneRelease, error) {
	return m.store.ListByTransaction(ctx, txID)
}

// Summarize counts a transaction's rows by status.
func (m *Manager) Summarize(ctx context.Context, txID string) (Summary, error) {
	rows, err := m.store.ListByTransaction(ctx, txID)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	for _, r := range rows {
		switch r.Status {
		case StatusReleased:
			s.Released++
		case StatusCreating:
			s.Creating++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// CountReleased returns the number of RELEASED rows for txID.
func (m *Manager) CountReleased(ctx context.Context, txID string) (int, error) {
	s, err := m.Summarize(ctx, txID)
	return s.Released, err
}

// ListStale returns CREATING rows older than olderThan, oldest first.
func (m *Manager) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*MilestoneRelease, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.ListStale(ctx, m.now().Add(-olderThan), limit)
}
