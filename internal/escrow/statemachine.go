package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/idgen"
	"github.com/mbd888/rift/internal/ledger"
	"github.com/mbd888/rift/internal/metrics"
	"github.com/mbd888/rift/internal/traces"
	"github.com/shopspring/decimal"
)

// maxTransitionAttempts bounds re-derivation after lost version checks.
const maxTransitionAttempts = 5

// TransitionOptions tune one Transition call.
type TransitionOptions struct {
	// Reason is recorded on the outbox event.
	Reason string
	// From restricts the accepted source states. A current status outside
	// From (and different from the target) yields ErrAlreadyProcessed.
	From []Status
	// Mutate adjusts the next row before it is written, e.g. to store a
	// gateway reference. It must not touch monetary fields.
	Mutate func(next *Transaction)
	// Refund is written with the transition.
	Refund *RefundRecord
}

// planFunc picks the target status from the freshly read row.
type planFunc func(cur *Transaction) (Status, error)

// StateMachine applies status transitions and their side effects atomically.
type StateMachine struct {
	store  Store
	wallet WalletLedger
	logger *slog.Logger
	now    func() time.Time
}

// NewStateMachine creates a state machine over store. wallet is read to
// size the refund debit.
func NewStateMachine(store Store, wallet WalletLedger, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{store: store, wallet: wallet, logger: logger, now: time.Now}
}

// Transition moves transaction id to target. Target equal to the current
// status is a no-op success (applied=false).
func (sm *StateMachine) Transition(ctx context.Context, id string, target Status, opts TransitionOptions) (*Transaction, bool, error) {
	return sm.apply(ctx, id, func(*Transaction) (Status, error) { return target, nil }, opts)
}

func (sm *StateMachine) apply(ctx context.Context, id string, plan planFunc, opts TransitionOptions) (t *Transaction, applied bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Transition", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		cur, err := sm.store.Get(ctx, id)
		if err != nil {
			return nil, false, notFound(id, err)
		}
		target, err := plan(cur)
		if err != nil {
			return cur, false, err
		}
		if cur.Status == target {
			return cur, false, nil
		}
		if len(opts.From) > 0 && !containsStatus(opts.From, cur.Status) {
			return cur, false, fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, id, cur.Status)
		}
		if err := checkEdge(cur, target); err != nil {
			return cur, false, err
		}

		now := sm.now().UTC()
		next := cur.Clone()
		next.Status = target
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		stamp(next, cur.Status, now)
		if opts.Mutate != nil {
			opts.Mutate(next)
		}

		fx, err := sm.effects(ctx, cur, next, opts, now)
		if err != nil {
			return cur, false, err
		}
		err = sm.store.ApplyTransition(ctx, next, cur.Version, fx)
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			sm.logger.Debug("transition lost version check, re-deriving",
				"transaction_id", id, "attempt", attempt, "target", target)
			continue
		}
		if err != nil {
			return cur, false, fmt.Errorf("apply %s → %s for %s: %w", cur.Status, target, id, err)
		}

		metrics.TransitionsTotal.WithLabelValues(string(cur.Status), string(target)).Inc()
		sm.logger.Info("transaction transitioned",
			"transaction_id", id, "from", cur.Status, "to", target, "version", next.Version, "reason", opts.Reason)
		return next, true, nil
	}
	return nil, false, apperrors.Wrap(apperrors.KindLockConflict, apperrors.ReasonVersionConflict,
		fmt.Sprintf("transaction %s kept changing, gave up after %d attempts", id, maxTransitionAttempts), ErrVersionConflict)
}

// MarkMilestoneReleased flags milestone index as paid out by payoutID,
// appends its wallet credit and, once every milestone is released, moves the
// transaction to RELEASED, all in one atomic unit. Repeating it is a no-op.
func (sm *StateMachine) MarkMilestoneReleased(ctx context.Context, id string, index int, payoutID string) (t *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkMilestoneReleased",
		traces.TransactionID(id), traces.MilestoneIndex(index))
	defer func() { traces.End(span, err) }()

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		cur, err := sm.store.Get(ctx, id)
		if err != nil {
			return nil, notFound(id, err)
		}
		m, ok := cur.Milestone(index)
		if !ok {
			return nil, apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s has no milestone %d", id, index)
		}
		if m.Released {
			return cur, nil
		}

		now := sm.now().UTC()
		next := cur.Clone()
		nm, _ := next.Milestone(index)
		nm.Released = true
		nm.ReleaseDate = &now
		nm.PayoutID = payoutID
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		if next.AllMilestonesReleased() {
			switch {
			case CanTransition(cur.Status, StatusReleased):
				next.Status = StatusReleased
				stamp(next, cur.Status, now)
			default:
				sm.logger.Error("CRITICAL: last milestone paid out while transaction cannot be released",
					"transaction_id", id, "milestone", index, "status", cur.Status, "payout_id", payoutID)
			}
		}
		if cur.Status == StatusRefunded || cur.Status == StatusDisputed {
			sm.logger.Error("CRITICAL: milestone paid out on a refunded or disputed transaction",
				"transaction_id", id, "milestone", index, "status", cur.Status, "payout_id", payoutID)
		}

		fx := Effects{
			Ledger: []*ledger.Entry{
				ledger.NewMilestoneCredit(id, cur.SellerID, index, m.SellerNet, cur.Currency, now),
			},
			Event: sm.event(cur, next, fmt.Sprintf("milestone %d released", index), now),
		}
		err = sm.store.ApplyTransition(ctx, next, cur.Version, fx)
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mark milestone %d of %s released: %w", index, id, err)
		}
		if next.Status != cur.Status {
			metrics.TransitionsTotal.WithLabelValues(string(cur.Status), string(next.Status)).Inc()
		}
		sm.logger.Info("milestone released",
			"transaction_id", id, "milestone", index, "payout_id", payoutID, "status", next.Status)
		return next, nil
	}
	return nil, apperrors.Wrap(apperrors.KindLockConflict, apperrors.ReasonVersionConflict,
		fmt.Sprintf("transaction %s kept changing, gave up after %d attempts", id, maxTransitionAttempts), ErrVersionConflict)
}

// Claim records that a kind payout of amount is about to reach the gateway.
// It bumps the version like any transition, so of two concurrent claims of
// different kinds exactly one is written. An existing claim of the same kind
// is returned unchanged (a retry resumes it); a claim of the other kind is
// rejected. check vets the freshly read row before a new claim is written.
// created reports whether this call wrote the claim.
func (sm *StateMachine) Claim(ctx context.Context, id string, kind Claim, amount decimal.Decimal, check func(cur *Transaction) error) (t *Transaction, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Claim", traces.TransactionID(id))
	defer func() { traces.End(span, err) }()

	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		cur, err := sm.store.Get(ctx, id)
		if err != nil {
			return nil, false, notFound(id, err)
		}
		switch cur.Claim {
		case kind:
			return cur, false, nil
		case ClaimRelease:
			return cur, false, apperrors.Validation(apperrors.ReasonReleaseInFlight,
				"a release of transaction %s is in flight", id)
		case ClaimRefund:
			return cur, false, apperrors.Validation(apperrors.ReasonRefundInFlight,
				"a refund of transaction %s is in flight", id)
		}
		if check != nil {
			if err := check(cur); err != nil {
				return cur, false, err
			}
		}

		now := sm.now().UTC()
		next := cur.Clone()
		next.Claim = kind
		amt := amount
		next.ClaimAmount = &amt
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		fx := Effects{Event: sm.event(cur, next, string(kind)+"_claimed", now)}
		err = sm.store.ApplyTransition(ctx, next, cur.Version, fx)
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("claim %s of %s: %w", kind, id, err)
		}
		sm.logger.Info("payout claimed", "transaction_id", id, "claim", kind, "version", next.Version)
		return next, true, nil
	}
	return nil, false, apperrors.Wrap(apperrors.KindLockConflict, apperrors.ReasonVersionConflict,
		fmt.Sprintf("transaction %s kept changing, gave up after %d attempts", id, maxTransitionAttempts), ErrVersionConflict)
}

// Unclaim drops a kind claim after the gateway definitively refused the call
// or nothing was sent. A missing or different claim is left alone.
func (sm *StateMachine) Unclaim(ctx context.Context, id string, kind Claim) error {
	for attempt := 1; attempt <= maxTransitionAttempts; attempt++ {
		cur, err := sm.store.Get(ctx, id)
		if err != nil {
			return notFound(id, err)
		}
		if cur.Claim != kind {
			return nil
		}
		now := sm.now().UTC()
		next := cur.Clone()
		next.Claim = ClaimNone
		next.ClaimAmount = nil
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		fx := Effects{Event: sm.event(cur, next, string(kind)+"_abandoned", now)}
		err = sm.store.ApplyTransition(ctx, next, cur.Version, fx)
		if errors.Is(err, ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			continue
		}
		if err != nil {
			return fmt.Errorf("unclaim %s of %s: %w", kind, id, err)
		}
		return nil
	}
	return apperrors.Wrap(apperrors.KindLockConflict, apperrors.ReasonVersionConflict,
		fmt.Sprintf("transaction %s kept changing, gave up after %d attempts", id, maxTransitionAttempts), ErrVersionConflict)
}

// effects computes what the transition cur → next writes besides the row.
func (sm *StateMachine) effects(ctx context.Context, cur, next *Transaction, opts TransitionOptions, now time.Time) (Effects, error) {
	fx := Effects{
		Event:  sm.event(cur, next, opts.Reason, now),
		Refund: opts.Refund,
	}
	switch next.Status {
	case StatusReleased:
		if !cur.HasMilestones() {
			fx.Ledger = append(fx.Ledger, ledger.NewReleaseCredit(cur.ID, cur.SellerID, cur.SellerNet, cur.Currency, now))
		}
	case StatusRefunded:
		entries, err := sm.wallet.EntriesForTransaction(ctx, cur.ID)
		if err != nil {
			return Effects{}, fmt.Errorf("read wallet entries of %s: %w", cur.ID, err)
		}
		if net := ledger.NetForTransaction(entries); net.IsPositive() {
			fx.Ledger = append(fx.Ledger, ledger.NewRefundDebit(cur.ID, cur.SellerID, net, cur.Currency, now))
		}
	}
	return fx, nil
}

func (sm *StateMachine) event(cur, next *Transaction, reason string, now time.Time) *TransitionEvent {
	return &TransitionEvent{
		ID:            idgen.WithPrefix("evt_"),
		TransactionID: cur.ID,
		From:          cur.Status,
		To:            next.Status,
		Version:       next.Version,
		Reason:        reason,
		CreatedAt:     now,
	}
}

// checkEdge rejects transitions outside the graph.
func checkEdge(cur *Transaction, target Status) error {
	if !CanTransition(cur.Status, target) {
		return apperrors.Validation(apperrors.ReasonInvalidState,
			"transaction %s cannot move from %s to %s", cur.ID, cur.Status, target)
	}
	if cur.Status == StatusDisputed && target.IsDeliverable() && target != cur.PreDisputeStatus {
		return apperrors.Validation(apperrors.ReasonInvalidState,
			"disputed transaction %s can only return to %s", cur.ID, cur.PreDisputeStatus)
	}
	if target == StatusReleased && cur.HasMilestones() && !cur.AllMilestonesReleased() {
		return apperrors.Validation(apperrors.ReasonMilestoneRequired,
			"transaction %s releases per milestone", cur.ID)
	}
	return nil
}

// stamp sets the timestamps and dispute bookkeeping of entering next.Status.
func stamp(next *Transaction, from Status, now time.Time) {
	switch next.Status {
	case StatusFunded:
		if next.FundedAt == nil {
			next.FundedAt = &now
		}
	case StatusReleased:
		next.ReleasedAt = &now
	case StatusRefunded:
		next.RefundedAt = &now
	case StatusCancelled:
		next.CancelledAt = &now
	case StatusDisputed:
		next.PreDisputeStatus = from
	}
	if from == StatusDisputed && next.Status != StatusDisputed {
		next.PreDisputeStatus = ""
	}
	if next.Status.IsTerminal() {
		next.Claim = ClaimNone
		next.ClaimAmount = nil
	}
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func notFound(id string, err error) error {
	if errors.Is(err, ErrTransactionNotFound) {
		return apperrors.Wrap(apperrors.KindNotFound, apperrors.ReasonNotFound, "transaction "+id+" not found", err)
	}
	return err
}
