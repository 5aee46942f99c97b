// Package escrow holds a buyer's payment for a staged deal and releases it to
// the seller, in full or per milestone, or refunds it to the buyer.
//
// Flow:
//  1. Buyer pays the payment intent → DRAFT/AWAITING_PAYMENT to FUNDED
//  2. Seller delivers → PROOF_SUBMITTED / UNDER_REVIEW / DELIVERED_PENDING_RELEASE
//  3. Release → gateway transfer to the seller, wallet credit, RELEASED
//  4. Refund → gateway refund to the buyer, wallet debit, REFUNDED
//  5. Chargeback → DISPUTED until the gateway closes it (won: back, lost: REFUNDED)
//
// The transaction row is the single arbiter of truth. Every mutation re-reads
// it and writes with a compare-and-swap on Version; no lock is held across a
// gateway call.
package escrow

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	ErrVersionConflict     = errors.New("escrow: transaction version changed")
	// ErrAlreadyProcessed reports that a transaction is already past the
	// source states an operation accepts. Webhooks acknowledge it.
	ErrAlreadyProcessed = errors.New("escrow: transaction already past this step")
	ErrDuplicateRefund  = errors.New("escrow: refund record already exists")
)

// Status is a transaction lifecycle state.
type Status string

const (
	StatusDraft                   Status = "DRAFT"
	StatusAwaitingPayment         Status = "AWAITING_PAYMENT"
	StatusFunded                  Status = "FUNDED"
	StatusProofSubmitted          Status = "PROOF_SUBMITTED"
	StatusUnderReview             Status = "UNDER_REVIEW"
	StatusDeliveredPendingRelease Status = "DELIVERED_PENDING_RELEASE"
	StatusReleased                Status = "RELEASED"
	StatusRefunded                Status = "REFUNDED"
	StatusDisputed                Status = "DISPUTED"
	StatusCancelled               Status = "CANCELLED"
)

// IsTerminal reports whether no further transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsDeliverable reports whether s is funded and awaiting release.
func (s Status) IsDeliverable() bool {
	switch s {
	case StatusFunded, StatusProofSubmitted, StatusUnderReview, StatusDeliveredPendingRelease:
		return true
	}
	return false
}

// deliverable lists the funded pre-release states in lifecycle order.
var deliverable = []Status{StatusFunded, StatusProofSubmitted, StatusUnderReview, StatusDeliveredPendingRelease}

// edges is the directed transition graph. DISPUTED may return only to the
// recorded pre-dispute state; the state machine enforces that separately.
var edges = map[Status][]Status{
	StatusDraft:           {StatusAwaitingPayment, StatusFunded, StatusCancelled},
	StatusAwaitingPayment: {StatusFunded, StatusCancelled},
	StatusFunded: {
		StatusProofSubmitted, StatusUnderReview, StatusDeliveredPendingRelease,
		StatusReleased, StatusRefunded, StatusDisputed,
	},
	StatusProofSubmitted: {
		StatusUnderReview, StatusDeliveredPendingRelease,
		StatusReleased, StatusRefunded, StatusDisputed,
	},
	StatusUnderReview: {
		StatusProofSubmitted, StatusDeliveredPendingRelease,
		StatusReleased, StatusRefunded, StatusDisputed,
	},
	StatusDeliveredPendingRelease: {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed: {
		StatusFunded, StatusProofSubmitted, StatusUnderReview, StatusDeliveredPendingRelease,
		StatusRefunded,
	},
}

// CanTransition reports whether from → to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claim marks a release or refund whose gateway call may be in flight. It is
// written with the version check before the call, so a release and a refund
// of the same transaction can never both reach the gateway.
type Claim string

const (
	ClaimNone    Claim = ""
	ClaimRelease Claim = "release"
	ClaimRefund  Claim = "refund"
)

// Milestone is an independently releasable part of a transaction.
type Milestone struct {
	Index       int             `json:"index"`
	Amount      decimal.Decimal `json:"amount"`
	SellerNet   decimal.Decimal `json:"sellerNet"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Released    bool            `json:"released"`
	ReleaseDate *time.Time      `json:"releaseDate,omitempty"`
	PayoutID    string          `json:"payoutId,omitempty"`
}

// Transaction is one buyer/seller deal. Monetary fields are fixed at
// creation; no store write path updates them.
type Transaction struct {
	ID                     string           `json:"id"`
	BuyerID                string           `json:"buyerId"`
	SellerID               string           `json:"sellerId"`
	SellerAccountID        string           `json:"sellerAccountId"`
	Currency               string           `json:"currency"`
	Subtotal               decimal.Decimal  `json:"subtotal"`
	BuyerFee               decimal.Decimal  `json:"buyerFee"`
	SellerFee              decimal.Decimal  `json:"sellerFee"`
	BuyerTotal             decimal.Decimal  `json:"buyerTotal"`
	SellerNet              decimal.Decimal  `json:"sellerNet"`
	Status                 Status           `json:"status"`
	PreDisputeStatus       Status           `json:"preDisputeStatus,omitempty"`
	Version                int64            `json:"version"`
	Claim                  Claim            `json:"claim,omitempty"`
	ClaimAmount            *decimal.Decimal `json:"claimAmount,omitempty"`
	GatewayPaymentIntentID string           `json:"gatewayPaymentIntentId,omitempty"`
	GatewayTransferID      string           `json:"gatewayTransferId,omitempty"`
	Milestones             []Milestone      `json:"milestones,omitempty"`
	FundedAt               *time.Time       `json:"fundedAt,omitempty"`
	ReleasedAt             *time.Time       `json:"releasedAt,omitempty"`
	RefundedAt             *time.Time       `json:"refundedAt,omitempty"`
	CancelledAt            *time.Time       `json:"cancelledAt,omitempty"`
	CreatedAt              time.Time        `json:"createdAt"`
	UpdatedAt              time.Time        `json:"updatedAt"`
}

// HasMilestones reports whether the transaction releases per milestone.
func (t *Transaction) HasMilestones() bool { return len(t.Milestones) > 0 }

// Milestone returns the milestone with the given index.
func (t *Transaction) Milestone(index int) (*Milestone, bool) {
	for i := range t.Milestones {
		if t.Milestones[i].Index == index {
			return &t.Milestones[i], true
		}
	}
	return nil, false
}

// AllMilestonesReleased reports whether every milestone is flagged released.
func (t *Transaction) AllMilestonesReleased() bool {
	if !t.HasMilestones() {
		return false
	}
	for _, m := range t.Milestones {
		if !m.Released {
			return false
		}
	}
	return true
}

// ReleasedMilestones counts the flagged milestones.
func (t *Transaction) ReleasedMilestones() int {
	n := 0
	for _, m := range t.Milestones {
		if m.Released {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to mutate.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Milestones != nil {
		cp.Milestones = make([]Milestone, len(t.Milestones))
		for i, m := range t.Milestones {
			m.DueDate = copyTime(m.DueDate)
			m.ReleaseDate = copyTime(m.ReleaseDate)
			cp.Milestones[i] = m
		}
	}
	cp.FundedAt = copyTime(t.FundedAt)
	cp.ReleasedAt = copyTime(t.ReleasedAt)
	cp.RefundedAt = copyTime(t.RefundedAt)
	cp.CancelledAt = copyTime(t.CancelledAt)
	if t.ClaimAmount != nil {
		amt := *t.ClaimAmount
		cp.ClaimAmount = &amt
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RefundRecord is a refund issued through the gateway.
type RefundRecord struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transactionId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	GatewayRefundID string          `json:"gatewayRefundId"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// TransitionEvent is the outbox row written with every applied transition.
// Unique on (TransactionID, Version).
type TransitionEvent struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Version       int64     `json:"version"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"createdAt"`
}
