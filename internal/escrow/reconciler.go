package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/rift/internal/gateway"
	"github.com/mbd888/rift/internal/metrics"
	"github.com/mbd888/rift/internal/releaselock"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultStaleAfter        = 2 * time.Minute
	reconcileBatch           = 100
)

// ReconcileStats counts what one pass did with stale milestone locks.
type ReconcileStats struct {
	Completed int
	Pending   int
	Released  int
	Parked    int
	Frozen    int
	Errors    int
}

// Reconciler periodically resolves milestone locks left CREATING by a
// gateway call whose outcome was unknown. It re-issues the transfer with the
// row's original idempotency key, so an applied transfer is replayed rather
// than repeated.
type Reconciler struct {
	service    *Service
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewReconciler creates a new release reconciler.
func NewReconciler(service *Service, interval, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		service:    service,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		stop:       make(chan struct{}, 1),
	}
}

// Running reports whether the reconcile loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the reconcile loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRunOnce(ctx)
		}
	}
}

// Stop signals the reconciler to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeRunOnce(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in release reconciler", "panic", fmt.Sprint(p))
		}
	}()
	r.RunOnce(ctx)
}

// RunOnce reconciles one batch of stale locks.
func (r *Reconciler) RunOnce(ctx context.Context) ReconcileStats {
	var stats ReconcileStats
	rows, err := r.service.locks.ListStale(ctx, r.staleAfter, reconcileBatch)
	if err != nil {
		r.logger.Warn("failed to list stale milestone locks", "error", err)
		stats.Errors++
		return stats
	}
	for _, row := range rows {
		result := r.reconcile(ctx, row)
		metrics.ReconcilerRunsTotal.WithLabelValues(result).Inc()
		switch result {
		case "completed":
			stats.Completed++
		case "pending":
			stats.Pending++
		case "released":
			stats.Released++
		case "parked":
			stats.Parked++
		case "frozen":
			stats.Frozen++
		default:
			stats.Errors++
		}
	}
	return stats
}

func (r *Reconciler) reconcile(ctx context.Context, row *releaselock.MilestoneRelease) string {
	s := r.service
	log := r.logger.With("transaction_id", row.TransactionID, "milestone", row.MilestoneIndex)

	t, err := s.Get(ctx, row.TransactionID)
	if err != nil {
		log.Warn("stale lock references unreadable transaction", "error", err)
		return "error"
	}
	if err := s.checkFreeze(ctx, t); err != nil {
		log.Info("skipping stale lock of frozen transaction", "reason", err)
		return "frozen"
	}
	if t.Claim == ClaimRefund {
		// The refund either sees this lock and backs off or finishes first.
		log.Info("skipping stale lock while a refund is in flight")
		return "pending"
	}
	if !t.Status.IsDeliverable() {
		reason := fmt.Sprintf("transaction is %s with an unresolved milestone transfer", t.Status)
		if perr := s.locks.ParkForReview(ctx, t.ID, row.MilestoneIndex, reason); perr != nil {
			log.Error("failed to park milestone lock", "error", perr)
			return "error"
		}
		log.Warn("parked stale lock of non-deliverable transaction", "status", t.Status)
		return "parked"
	}

	tr, err := s.gateway.CreateTransfer(ctx, gateway.TransferRequest{
		Amount:         row.SellerNet,
		Currency:       t.Currency,
		Destination:    t.SellerAccountID,
		TransferGroup:  t.ID,
		IdempotencyKey: row.IdempotencyKey,
	})
	switch {
	case err == nil:
		if _, err := s.completeMilestone(ctx, t.ID, row.MilestoneIndex, tr.ID, row.Amount, row.SellerNet); err != nil {
			return "error"
		}
		log.Info("reconciled milestone release", "transfer_id", tr.ID)
		return "completed"
	case gateway.IsUnknownOutcome(err), gateway.IsCircuitOpen(err):
		log.Warn("milestone transfer outcome still unknown", "error", err)
		return "pending"
	case errors.Is(err, gateway.ErrIdempotencyMismatch):
		if perr := s.locks.ParkForReview(ctx, t.ID, row.MilestoneIndex, err.Error()); perr != nil {
			log.Error("failed to park milestone lock", "error", perr)
			return "error"
		}
		return "parked"
	default:
		if lerr := s.locks.ReleaseFailedLock(ctx, t.ID, row.MilestoneIndex); lerr != nil {
			log.Error("failed to drop milestone lock", "error", lerr)
			return "error"
		}
		log.Warn("milestone transfer failed definitively, lock released for retry", "error", err)
		return "released"
	}
}
