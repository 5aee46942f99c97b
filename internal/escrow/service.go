package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/balance"
	"github.com/mbd888/rift/internal/dispute"
	"github.com/mbd888/rift/internal/fees"
	"github.com/mbd888/rift/internal/gateway"
	"github.com/mbd888/rift/internal/idempotency"
	"github.com/mbd888/rift/internal/idgen"
	"github.com/mbd888/rift/internal/metrics"
	"github.com/mbd888/rift/internal/money"
	"github.com/mbd888/rift/internal/refund"
	"github.com/mbd888/rift/internal/releaselock"
	"github.com/mbd888/rift/internal/retry"
	"github.com/mbd888/rift/internal/traces"
	"github.com/shopspring/decimal"
)

// Default payment confirmation polling.
const (
	DefaultPaymentSyncTimeout  = 10 * time.Second
	DefaultPaymentSyncInterval = time.Second
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store   Store
	Wallet  WalletLedger
	Gateway gateway.Gateway
	Locks   *releaselock.Manager
	Gate    *dispute.Gate
	Policy  *refund.Policy
	Guard   *balance.Guard
	Fees    *fees.Calculator
	Logger  *slog.Logger
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	BuyerID         string           `json:"buyerId" binding:"required"`
	SellerID        string           `json:"sellerId" binding:"required"`
	SellerAccountID string           `json:"sellerAccountId" binding:"required"`
	Amount          string           `json:"amount" binding:"required"`
	Currency        string           `json:"currency" binding:"required"`
	Milestones      []MilestoneInput `json:"milestones"`
}

// MilestoneInput is one requested milestone.
type MilestoneInput struct {
	Amount  string     `json:"amount" binding:"required"`
	DueDate *time.Time `json:"dueDate"`
}

// PaymentStart is what the buyer's checkout needs.
type PaymentStart struct {
	Transaction  *Transaction `json:"transaction"`
	IntentID     string       `json:"intentId"`
	ClientSecret string       `json:"clientSecret"`
}

// ReleaseResult describes a release outcome. AlreadyReleased and InFlight
// are successes: another caller did or is doing the work.
type ReleaseResult struct {
	Transaction     *Transaction `json:"transaction"`
	MilestoneIndex  *int         `json:"milestoneIndex,omitempty"`
	PayoutID        string       `json:"payoutId,omitempty"`
	AlreadyReleased bool         `json:"alreadyReleased"`
	InFlight        bool         `json:"inFlight"`
}

// RefundResult describes an issued refund.
type RefundResult struct {
	Transaction *Transaction  `json:"transaction"`
	Refund      *RefundRecord `json:"refund"`
}

// Service orchestrates the release and refund protocol.
type Service struct {
	store   Store
	machine *StateMachine
	gateway gateway.Gateway
	locks   *releaselock.Manager
	gate    *dispute.Gate
	policy  *refund.Policy
	guard   *balance.Guard
	fees    *fees.Calculator
	logger  *slog.Logger
	now     func() time.Time

	balanceWait  time.Duration
	syncTimeout  time.Duration
	syncInterval time.Duration
}

// NewService creates a new escrow service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	calc := d.Fees
	if calc == nil {
		calc = fees.Default()
	}
	return &Service{
		store:        d.Store,
		machine:      NewStateMachine(d.Store, d.Wallet, logger),
		gateway:      d.Gateway,
		locks:        d.Locks,
		gate:         d.Gate,
		policy:       d.Policy,
		guard:        d.Guard,
		fees:         calc,
		logger:       logger,
		now:          time.Now,
		syncTimeout:  DefaultPaymentSyncTimeout,
		syncInterval: DefaultPaymentSyncInterval,
	}
}

// WithBalanceWait makes releases wait up to d for the platform balance to
// cover a transfer before failing closed. Zero fails immediately.
func (s *Service) WithBalanceWait(d time.Duration) *Service {
	s.balanceWait = d
	return s
}

// WithPaymentSync sets the bounded polling used by SyncPayment.
func (s *Service) WithPaymentSync(timeout, interval time.Duration) *Service {
	s.syncTimeout = timeout
	s.syncInterval = interval
	return s
}

// Machine exposes the state machine for webhook-driven transitions.
func (s *Service) Machine() *StateMachine { return s.machine }

// Snapshot adapts a Store to the release lock manager's snapshot source.
func Snapshot(store Store) releaselock.SnapshotFunc {
	return func(ctx context.Context, id string) (*releaselock.TransactionSnapshot, error) {
		t, err := store.Get(ctx, id)
		if err != nil {
			return nil, notFound(id, err)
		}
		return &releaselock.TransactionSnapshot{
			ID:       t.ID,
			Released: t.Status == StatusReleased,
			PayoutID: t.GatewayTransferID,
			Version:  t.Version,
		}, nil
	}
}

// Create validates the request, fixes every monetary figure and stores a
// DRAFT transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, apperrors.Validation(apperrors.ReasonInvalidRequest, "buyer and seller cannot be the same user")
	}
	subtotal, ok := money.Parse(req.Amount)
	if !ok || !subtotal.IsPositive() {
		return nil, apperrors.Validation(apperrors.ReasonInvalidAmount, "invalid amount %q", req.Amount)
	}
	currency := money.NormalizeCurrency(req.Currency)
	if len(currency) != 3 {
		return nil, apperrors.Validation(apperrors.ReasonInvalidRequest, "invalid currency %q", req.Currency)
	}

	if !money.FitsCurrency(subtotal, currency) {
		return nil, apperrors.Validation(apperrors.ReasonInvalidAmount,
			"amount %s has more decimals than %s settles in", req.Amount, strings.ToUpper(currency))
	}

	breakdown := s.fees.CalculateIn(subtotal, currency)
	now := s.now().UTC()
	t := &Transaction{
		ID:              idgen.WithPrefix("tx_"),
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		SellerAccountID: req.SellerAccountID,
		Currency:        currency,
		Subtotal:        breakdown.Subtotal,
		BuyerFee:        breakdown.BuyerFee,
		SellerFee:       breakdown.SellerFee,
		BuyerTotal:      breakdown.BuyerTotal,
		SellerNet:       breakdown.SellerNet,
		Status:          StatusDraft,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if len(req.Milestones) > 0 {
		amounts := make([]decimal.Decimal, len(req.Milestones))
		sum := decimal.Zero
		for i, m := range req.Milestones {
			amt, ok := money.Parse(m.Amount)
			if !ok || !amt.IsPositive() || !money.FitsCurrency(amt, currency) {
				return nil, apperrors.Validation(apperrors.ReasonInvalidAmount, "invalid amount %q for milestone %d", m.Amount, i)
			}
			amounts[i] = amt
			sum = sum.Add(amt)
		}
		if !sum.Equal(breakdown.Subtotal) {
			return nil, apperrors.Invariant(apperrors.ReasonMilestoneSum,
				"milestones sum to %s, subtotal is %s", money.Format(sum), money.Format(breakdown.Subtotal))
		}
		nets := s.fees.SplitSellerNetIn(breakdown.SellerNet, amounts, currency)
		t.Milestones = make([]Milestone, len(amounts))
		for i := range amounts {
			t.Milestones[i] = Milestone{
				Index:     i,
				Amount:    amounts[i],
				SellerNet: nets[i],
				DueDate:   req.Milestones[i].DueDate,
			}
		}
	}

	ev := &TransitionEvent{
		ID:            idgen.WithPrefix("evt_"),
		TransactionID: t.ID,
		To:            StatusDraft,
		Version:       t.Version,
		Reason:        "created",
		CreatedAt:     now,
	}
	if err := s.store.Create(ctx, t, ev); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	s.logger.Info("transaction created",
		"transaction_id", t.ID, "subtotal", money.Format(t.Subtotal), "currency", t.Currency,
		"milestones", len(t.Milestones))
	return t, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return t, nil
}

// GetByPaymentIntent returns the transaction owning a gateway payment intent.
func (s *Service) GetByPaymentIntent(ctx context.Context, intentID string) (*Transaction, error) {
	return s.store.GetByPaymentIntent(ctx, intentID)
}

// ListForUser returns the transactions where userID is buyer or seller.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Events returns the outbox events of a transaction.
func (s *Service) Events(ctx context.Context, id string) ([]*TransitionEvent, error) {
	return s.store.ListEvents(ctx, id)
}

// Refunds returns the refunds issued for a transaction.
func (s *Service) Refunds(ctx context.Context, id string) ([]*RefundRecord, error) {
	return s.store.ListRefunds(ctx, id)
}

// Releases returns the milestone release rows of a transaction.
func (s *Service) Releases(ctx context.Context, id string) ([]*releaselock.MilestoneRelease, error) {
	return s.locks.List(ctx, id)
}

// StartPayment creates (or replays) the payment intent for the buyer total
// and moves the transaction to AWAITING_PAYMENT.
func (s *Service) StartPayment(ctx context.Context, id string) (*PaymentStart, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusDraft && t.Status != StatusAwaitingPayment {
		return nil, apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s is %s, payment already handled", id, t.Status)
	}

	pi, err := s.gateway.CreatePaymentIntent(ctx, gateway.PaymentIntentRequest{
		Amount:         t.BuyerTotal,
		Currency:       t.Currency,
		Reference:      t.ID,
		IdempotencyKey: idempotency.Key(t.ID, idempotency.OpPaymentIntent),
	})
	if err != nil {
		return nil, fmt.Errorf("create payment intent for %s: %w", id, err)
	}

	next, _, err := s.machine.Transition(ctx, id, StatusAwaitingPayment, TransitionOptions{
		Reason: "payment_started",
		From:   []Status{StatusDraft},
		Mutate: func(n *Transaction) { n.GatewayPaymentIntentID = pi.ID },
	})
	if err != nil {
		return nil, err
	}
	return &PaymentStart{Transaction: next, IntentID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// SyncPayment polls the gateway a bounded number of times for the intent to
// succeed and marks the transaction FUNDED when it has. Webhooks normally do
// this; SyncPayment covers a missed delivery.
func (s *Service) SyncPayment(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.GatewayPaymentIntentID == "" {
		return nil, apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s has no payment intent", id)
	}
	if t.Status != StatusDraft && t.Status != StatusAwaitingPayment {
		return t, nil
	}

	attempts := retry.Attempts(s.syncTimeout, s.syncInterval)
	paid := retry.Poll(ctx, attempts, s.syncInterval, func(ctx context.Context) (bool, error) {
		pi, err := s.gateway.RetrievePaymentIntent(ctx, t.GatewayPaymentIntentID)
		if err != nil {
			return false, err
		}
		return pi.Status == gateway.IntentSucceeded, nil
	})
	if !paid {
		return t, nil
	}
	next, _, err := s.MarkFunded(ctx, id)
	if errors.Is(err, ErrAlreadyProcessed) {
		return next, nil
	}
	return next, err
}

// MarkFunded applies the payment-captured edge. A transaction already past
// AWAITING_PAYMENT yields ErrAlreadyProcessed.
func (s *Service) MarkFunded(ctx context.Context, id string) (*Transaction, bool, error) {
	return s.machine.Transition(ctx, id, StatusFunded, TransitionOptions{
		Reason: "payment_succeeded",
		From:   []Status{StatusDraft, StatusAwaitingPayment},
	})
}

// Advance moves a funded transaction through the delivery states.
func (s *Service) Advance(ctx context.Context, id string, target Status) (*Transaction, error) {
	switch target {
	case StatusProofSubmitted, StatusUnderReview, StatusDeliveredPendingRelease:
	default:
		return nil, apperrors.Validation(apperrors.ReasonInvalidRequest, "cannot advance to %s", target)
	}
	t, _, err := s.machine.Transition(ctx, id, target, TransitionOptions{Reason: "advanced"})
	return t, err
}

// Cancel cancels a transaction that was never funded.
func (s *Service) Cancel(ctx context.Context, id string) (*Transaction, error) {
	t, _, err := s.machine.Transition(ctx, id, StatusCancelled, TransitionOptions{Reason: "cancelled"})
	return t, err
}

// OpenDispute applies the chargeback edge from a deliverable state.
func (s *Service) OpenDispute(ctx context.Context, id, reason string) (*Transaction, bool, error) {
	return s.machine.Transition(ctx, id, StatusDisputed, TransitionOptions{
		Reason: "dispute_opened: " + reason,
		From:   deliverable,
	})
}

// ResolveDispute closes a dispute. Won returns a DISPUTED transaction to the
// pre-dispute state. Lost refunds it and reverses prior wallet credits, also
// from a deliverable state when the opening event was never applied. The
// gateway already returned the funds, so no refund call is made.
func (s *Service) ResolveDispute(ctx context.Context, id string, outcome dispute.Outcome) (*Transaction, bool, error) {
	switch outcome {
	case dispute.OutcomeWon:
		return s.machine.apply(ctx, id, func(cur *Transaction) (Status, error) {
			if cur.Status != StatusDisputed {
				return "", fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, id, cur.Status)
			}
			if cur.PreDisputeStatus == "" {
				return "", apperrors.Invariant(apperrors.ReasonInvalidState, "disputed transaction %s has no pre-dispute status", id)
			}
			return cur.PreDisputeStatus, nil
		}, TransitionOptions{Reason: "dispute_won"})
	case dispute.OutcomeLost:
		return s.machine.Transition(ctx, id, StatusRefunded, TransitionOptions{
			Reason: "dispute_lost",
			From:   append([]Status{StatusDisputed}, deliverable...),
		})
	default:
		return nil, false, apperrors.Validation(apperrors.ReasonInvalidRequest, "unknown dispute outcome %q", outcome)
	}
}

// checkFreeze runs the dispute freeze gate. It is the first step of every
// money-moving entry point.
func (s *Service) checkFreeze(ctx context.Context, t *Transaction) error {
	return s.gate.CheckFreeze(ctx, dispute.Subject{
		TransactionID: t.ID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
	}).Err()
}

// ensureBalance fails closed unless the platform balance covers amount.
func (s *Service) ensureBalance(ctx context.Context, amount decimal.Decimal, currency string) bool {
	if s.guard.CheckSufficiency(ctx, amount, currency).Sufficient {
		return true
	}
	if s.balanceWait <= 0 {
		return false
	}
	return s.guard.WaitForSufficiency(ctx, amount, currency, s.balanceWait)
}

// Release pays out a non-milestone transaction in full. Concurrent callers
// share one idempotency key, so the gateway performs one transfer and the
// version check lets one of them credit the wallet.
func (s *Service) Release(ctx context.Context, id string) (res *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TransactionID(id))
	defer func() {
		traces.End(span, err)
		metrics.ReleasesTotal.WithLabelValues("full", releaseOutcome(res, err)).Inc()
	}()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkFreeze(ctx, t); err != nil {
		return nil, err
	}
	if t.HasMilestones() {
		return nil, apperrors.Validation(apperrors.ReasonMilestoneRequired,
			"transaction %s has %d milestones, release them individually", id, len(t.Milestones))
	}

	token, err := s.locks.AcquireFullReleaseLock(ctx, id)
	if err != nil {
		return nil, err
	}
	if token.AlreadyReleased {
		return &ReleaseResult{Transaction: t, PayoutID: token.PayoutID, AlreadyReleased: true}, nil
	}
	if !CanTransition(t.Status, StatusReleased) {
		return nil, apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s is %s, cannot release", id, t.Status)
	}

	// The claim shuts out a concurrent refund before any money moves.
	claimed, created, err := s.machine.Claim(ctx, id, ClaimRelease, t.SellerNet, func(cur *Transaction) error {
		if !cur.Status.IsDeliverable() {
			return apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s is %s, cannot release", id, cur.Status)
		}
		return nil
	})
	if err != nil {
		if done := s.alreadyReleased(ctx, id); done != nil {
			return done, nil
		}
		return nil, err
	}

	// A resumed claim may already have paid out; the gateway replays it
	// without touching the balance.
	if created && !s.ensureBalance(ctx, t.SellerNet, t.Currency) {
		s.unclaim(ctx, id, ClaimRelease)
		// A concurrent caller may have finished while we checked.
		if done := s.alreadyReleased(ctx, id); done != nil {
			return done, nil
		}
		return nil, apperrors.InsufficientBalance("platform balance cannot cover release of %s %s for %s",
			money.Format(t.SellerNet), t.Currency, id)
	}

	tr, err := s.gateway.CreateTransfer(ctx, gateway.TransferRequest{
		Amount:         t.SellerNet,
		Currency:       t.Currency,
		Destination:    t.SellerAccountID,
		TransferGroup:  t.ID,
		IdempotencyKey: idempotency.Key(t.ID, idempotency.OpRelease),
	})
	if err != nil {
		if keepsClaim(err) {
			s.logger.Warn("release transfer outcome unknown, keeping claim; retry reuses the same key",
				"transaction_id", id, "error", err)
		} else {
			s.unclaim(ctx, id, ClaimRelease)
		}
		return nil, fmt.Errorf("release %s: %w", id, err)
	}

	next, applied, err := s.machine.Transition(ctx, id, StatusReleased, TransitionOptions{
		Reason: "released",
		Mutate: func(n *Transaction) { n.GatewayTransferID = tr.ID },
	})
	if err != nil {
		s.logger.Error("CRITICAL: transfer succeeded but release was not recorded",
			"transaction_id", id, "transfer_id", tr.ID, "amount", money.Format(t.SellerNet), "error", err)
		return nil, err
	}
	if applied && next.Version != claimed.Version+1 {
		s.logger.Info("transaction changed during release", "transaction_id", id,
			"claimed_version", claimed.Version, "written_version", next.Version)
	}
	return &ReleaseResult{Transaction: next, PayoutID: tr.ID, AlreadyReleased: !applied}, nil
}

// alreadyReleased returns the existing payout when id is RELEASED, else nil.
func (s *Service) alreadyReleased(ctx context.Context, id string) *ReleaseResult {
	cur, err := s.store.Get(ctx, id)
	if err != nil || cur.Status != StatusReleased {
		return nil
	}
	return &ReleaseResult{Transaction: cur, PayoutID: cur.GatewayTransferID, AlreadyReleased: true}
}

// keepsClaim reports whether err may hide a payout that happened remotely,
// or another caller's call under the same key still in progress.
func keepsClaim(err error) bool {
	return gateway.IsUnknownOutcome(err) || errors.Is(err, gateway.ErrIdempotencyMismatch)
}

// unclaim drops a claim after nothing was paid out. A failure only delays
// the other payout kind, so it is logged.
func (s *Service) unclaim(ctx context.Context, id string, kind Claim) {
	if err := s.machine.Unclaim(ctx, id, kind); err != nil {
		s.logger.Error("failed to drop payout claim", "transaction_id", id, "claim", kind, "error", err)
	}
}

// ReleaseMilestone pays out one milestone. The milestone release row is the
// lock: exactly one caller inserts it and calls the gateway, the others
// observe the winner's row.
func (s *Service) ReleaseMilestone(ctx context.Context, id string, index int) (res *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseMilestone",
		traces.TransactionID(id), traces.MilestoneIndex(index))
	defer func() {
		traces.End(span, err)
		metrics.ReleasesTotal.WithLabelValues("milestone", releaseOutcome(res, err)).Inc()
	}()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkFreeze(ctx, t); err != nil {
		return nil, err
	}
	m, ok := t.Milestone(index)
	if !ok {
		return nil, apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s has no milestone %d", id, index)
	}
	idx := index
	if m.Released {
		return &ReleaseResult{Transaction: t, MilestoneIndex: &idx, PayoutID: m.PayoutID, AlreadyReleased: true}, nil
	}
	if !t.Status.IsDeliverable() {
		return nil, apperrors.Validation(apperrors.ReasonInvalidState,
			"transaction %s is %s, cannot release milestone %d", id, t.Status, index)
	}

	key := idempotency.MilestoneKey(id, idempotency.OpMilestoneRelease, index)
	lock, err := s.locks.AcquireMilestoneReleaseLock(ctx, id, index, m.Amount, m.SellerNet, key)
	if err != nil {
		return nil, err
	}
	if !lock.Acquired {
		return s.observeWinner(ctx, t, lock.Row)
	}

	// A refund claims the row before checking milestone locks, so reading it
	// after taking the lock sees any refund that could have missed ours.
	if err := s.recheckAfterLock(ctx, id, index); err != nil {
		return nil, err
	}

	if !s.ensureBalance(ctx, m.SellerNet, t.Currency) {
		if lerr := s.locks.ReleaseFailedLock(ctx, id, index); lerr != nil {
			s.logger.Error("failed to drop milestone lock after balance check", "transaction_id", id,
				"milestone", index, "error", lerr)
		}
		return nil, apperrors.InsufficientBalance("platform balance cannot cover milestone %d of %s (%s %s)",
			index, id, money.Format(m.SellerNet), t.Currency)
	}

	tr, err := s.gateway.CreateTransfer(ctx, gateway.TransferRequest{
		Amount:         m.SellerNet,
		Currency:       t.Currency,
		Destination:    t.SellerAccountID,
		TransferGroup:  t.ID,
		IdempotencyKey: key,
	})
	if err != nil {
		if gateway.IsUnknownOutcome(err) {
			s.logger.Warn("milestone transfer outcome unknown, keeping lock for reconciliation",
				"transaction_id", id, "milestone", index, "error", err)
			return nil, fmt.Errorf("release milestone %d of %s: %w", index, id, err)
		}
		if lerr := s.locks.ReleaseFailedLock(ctx, id, index); lerr != nil {
			s.logger.Error("failed to drop milestone lock after gateway failure", "transaction_id", id,
				"milestone", index, "error", lerr)
		}
		return nil, fmt.Errorf("release milestone %d of %s: %w", index, id, err)
	}

	next, err := s.completeMilestone(ctx, id, index, tr.ID, m.Amount, m.SellerNet)
	if err != nil {
		return nil, err
	}
	return &ReleaseResult{Transaction: next, MilestoneIndex: &idx, PayoutID: tr.ID}, nil
}

// recheckAfterLock re-reads the transaction under a fresh milestone lock and
// drops the lock when a refund claim or a non-deliverable status appeared.
func (s *Service) recheckAfterLock(ctx context.Context, id string, index int) error {
	cur, err := s.store.Get(ctx, id)
	var reject error
	switch {
	case err != nil:
		reject = notFound(id, err)
	case cur.Claim == ClaimRefund:
		reject = apperrors.Validation(apperrors.ReasonRefundInFlight,
			"a refund of transaction %s is in flight, milestone %d not released", id, index)
	case !cur.Status.IsDeliverable():
		reject = apperrors.Validation(apperrors.ReasonInvalidState,
			"transaction %s is %s, cannot release milestone %d", id, cur.Status, index)
	default:
		return nil
	}
	if lerr := s.locks.ReleaseFailedLock(ctx, id, index); lerr != nil {
		s.logger.Error("failed to drop milestone lock after recheck", "transaction_id", id,
			"milestone", index, "error", lerr)
	}
	return reject
}

// observeWinner converts a lost lock race into the winner's result.
func (s *Service) observeWinner(ctx context.Context, t *Transaction, row *releaselock.MilestoneRelease) (*ReleaseResult, error) {
	idx := row.MilestoneIndex
	switch row.Status {
	case releaselock.StatusReleased:
		// The winner may have crashed between completing the lock and
		// flagging the milestone; flagging again is a no-op otherwise.
		next, err := s.machine.MarkMilestoneReleased(ctx, t.ID, idx, row.PayoutID)
		if err != nil {
			return nil, err
		}
		return &ReleaseResult{Transaction: next, MilestoneIndex: &idx, PayoutID: row.PayoutID, AlreadyReleased: true}, nil
	case releaselock.StatusCreating:
		return &ReleaseResult{Transaction: t, MilestoneIndex: &idx, InFlight: true}, nil
	default:
		return nil, apperrors.Validation(apperrors.ReasonPolicyBlocked,
			"milestone %d of %s is parked for manual review: %s", idx, t.ID, row.FailureReason)
	}
}

// completeMilestone records a successful milestone payout: lock first, then
// the transaction row.
func (s *Service) completeMilestone(ctx context.Context, id string, index int, payoutID string, amount, sellerNet decimal.Decimal) (*Transaction, error) {
	if _, err := s.locks.CompleteReleaseLock(ctx, id, index, payoutID, amount, sellerNet); err != nil {
		s.logger.Error("CRITICAL: milestone transfer succeeded but lock completion failed",
			"transaction_id", id, "milestone", index, "transfer_id", payoutID, "error", err)
		return nil, err
	}
	next, err := s.machine.MarkMilestoneReleased(ctx, id, index, payoutID)
	if err != nil {
		s.logger.Error("CRITICAL: milestone transfer succeeded but transaction was not updated",
			"transaction_id", id, "milestone", index, "transfer_id", payoutID, "error", err)
		return nil, err
	}
	return next, nil
}

// RefundEligibility evaluates the refund policy for a transaction.
func (s *Service) RefundEligibility(ctx context.Context, id string) (refund.Eligibility, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return refund.Eligibility{}, err
	}
	return s.policy.CheckRefundEligibility(ctx, candidate(t))
}

// Refund returns amount (the maximum when nil) to the buyer and moves the
// transaction to REFUNDED, reversing any wallet credit.
func (s *Service) Refund(ctx context.Context, id string, amount *decimal.Decimal) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TransactionID(id))
	defer func() {
		traces.End(span, err)
		outcome := "refunded"
		if err != nil {
			outcome = apperrors.ReasonOf(err)
			if outcome == "" {
				outcome = "error"
			}
		}
		metrics.RefundsTotal.WithLabelValues(outcome).Inc()
	}()

	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkFreeze(ctx, t); err != nil {
		return nil, err
	}
	e, err := s.policy.CheckRefundEligibility(ctx, candidate(t))
	if err != nil {
		return nil, err
	}
	amt := e.MaxRefundAmount
	if amount != nil {
		amt = *amount
	}
	if err := refund.ValidateRefundAmount(e, amt); err != nil {
		return nil, err
	}
	if t.GatewayPaymentIntentID == "" {
		return nil, apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s has no captured payment", id)
	}
	if !money.FitsCurrency(amt, t.Currency) {
		return nil, apperrors.Validation(apperrors.ReasonInvalidAmount,
			"refund amount %s has more decimals than %s settles in", amt, strings.ToUpper(t.Currency))
	}

	// Claim before the final policy read: a milestone release re-reads the
	// row after taking its lock, so one of the two always sees the other.
	claimed, created, err := s.machine.Claim(ctx, id, ClaimRefund, amt, func(cur *Transaction) error {
		if !cur.Status.IsDeliverable() {
			return apperrors.Validation(apperrors.ReasonInvalidState, "transaction %s is %s, cannot refund", id, cur.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed.ClaimAmount != nil && !claimed.ClaimAmount.Equal(amt) {
		if amount != nil {
			// The idempotency key is bound to the first amount.
			return nil, apperrors.Validation(apperrors.ReasonRefundAmountFixed,
				"a refund of %s is already in flight for %s, retry with that amount",
				money.Format(*claimed.ClaimAmount), id)
		}
		amt = *claimed.ClaimAmount
	}
	e, err = s.policy.CheckRefundEligibility(ctx, candidate(claimed))
	if err == nil {
		err = refund.ValidateRefundAmount(e, amt)
	}
	if err != nil {
		if created {
			s.unclaim(ctx, id, ClaimRefund)
		}
		return nil, err
	}
	span.SetAttributes(traces.Amount(money.Format(amt)))

	key := idempotency.Key(id, idempotency.OpRefund)
	r, err := s.gateway.CreateRefund(ctx, gateway.RefundRequest{
		PaymentIntentID: t.GatewayPaymentIntentID,
		Amount:          amt,
		Currency:        t.Currency,
		IdempotencyKey:  key,
	})
	if err != nil {
		if keepsClaim(err) {
			s.logger.Warn("refund outcome unknown, keeping claim; retry reuses the same key and amount",
				"transaction_id", id, "error", err)
		} else {
			s.unclaim(ctx, id, ClaimRefund)
		}
		return nil, fmt.Errorf("refund %s: %w", id, err)
	}

	rec := &RefundRecord{
		ID:              idgen.WithPrefix("rf_"),
		TransactionID:   id,
		Amount:          amt,
		Currency:        t.Currency,
		GatewayRefundID: r.ID,
		IdempotencyKey:  key,
		CreatedAt:       s.now().UTC(),
	}
	next, _, err := s.machine.Transition(ctx, id, StatusRefunded, TransitionOptions{
		Reason: "refunded",
		Refund: rec,
	})
	if err != nil {
		s.logger.Error("CRITICAL: gateway refund succeeded but refund was not recorded",
			"transaction_id", id, "refund_id", r.ID, "amount", money.Format(amt), "error", err)
		return nil, err
	}
	return &RefundResult{Transaction: next, Refund: rec}, nil
}

func candidate(t *Transaction) refund.Candidate {
	return refund.Candidate{
		TransactionID: t.ID,
		Status:        string(t.Status),
		Subtotal:      t.Subtotal,
		BuyerFee:      t.BuyerFee,
	}
}

func releaseOutcome(res *ReleaseResult, err error) string {
	switch {
	case err != nil:
		if r := apperrors.ReasonOf(err); r != "" {
			return r
		}
		return "error"
	case res.InFlight:
		return "in_flight"
	case res.AlreadyReleased:
		return apperrors.ReasonAlreadyReleased
	default:
		return "released"
	}
}
