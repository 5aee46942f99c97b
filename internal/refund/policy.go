// Package refund decides whether a transaction may still be refunded and for
// how much.
//
// The policy is strict: once any milestone has been paid out, nothing can be
// refunded. Proportional reversal across partially released milestones is
// not attempted; such cases go through the dispute process instead.
package refund

import (
	"context"
	"fmt"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/releaselock"
	"github.com/shopspring/decimal"
)

// Transaction statuses the policy cares about.
const (
	statusDraft           = "DRAFT"
	statusAwaitingPayment = "AWAITING_PAYMENT"
	statusReleased        = "RELEASED"
	statusRefunded        = "REFUNDED"
	statusCancelled       = "CANCELLED"
)

// Candidate is the transaction data the policy reads.
type Candidate struct {
	TransactionID string
	Status        string
	Subtotal      decimal.Decimal
	BuyerFee      decimal.Decimal
}

// Eligibility is the policy verdict.
type Eligibility struct {
	Eligible           bool            `json:"eligible"`
	MaxRefundAmount    decimal.Decimal `json:"maxRefundAmount"`
	Reason             string          `json:"reason,omitempty"`
	Message            string          `json:"message,omitempty"`
	ReleasedMilestones int             `json:"releasedMilestones"`
}

// Err returns the rejection for an ineligible verdict, or nil.
func (e Eligibility) Err() error {
	if e.Eligible {
		return nil
	}
	return apperrors.Validation(e.Reason, "%s", e.Message)
}

// ReleaseSummarizer counts milestone release rows by status.
type ReleaseSummarizer interface {
	Summarize(ctx context.Context, txID string) (releaselock.Summary, error)
}

// Policy evaluates refund eligibility.
type Policy struct {
	releases ReleaseSummarizer
}

// NewPolicy creates a Policy.
func NewPolicy(releases ReleaseSummarizer) *Policy {
	return &Policy{releases: releases}
}

// CheckRefundEligibility returns the refund verdict for c. A failure to read
// milestone releases is returned as an error; callers must not refund.
func (p *Policy) CheckRefundEligibility(ctx context.Context, c Candidate) (Eligibility, error) {
	switch c.Status {
	case statusReleased:
		return ineligible(apperrors.ReasonAlreadyReleased, "transaction %s was already released", c.TransactionID), nil
	case statusRefunded:
		return ineligible(apperrors.ReasonInvalidState, "transaction %s was already refunded", c.TransactionID), nil
	case statusDraft, statusAwaitingPayment, statusCancelled:
		return ineligible(apperrors.ReasonInvalidState, "transaction %s is %s, nothing was captured", c.TransactionID, c.Status), nil
	}

	s, err := p.releases.Summarize(ctx, c.TransactionID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("refund eligibility %s: %w", c.TransactionID, err)
	}
	switch {
	case s.Released > 0:
		e := ineligible(apperrors.ReasonPolicyBlocked,
			"refund blocked: %d milestone(s) of transaction %s already released", s.Released, c.TransactionID)
		e.ReleasedMilestones = s.Released
		return e, nil
	case s.Creating > 0:
		return ineligible(apperrors.ReasonReleaseInFlight,
			"refund blocked: a milestone release of transaction %s is in flight", c.TransactionID), nil
	case s.Failed > 0:
		return ineligible(apperrors.ReasonPolicyBlocked,
			"refund blocked: a milestone release of transaction %s awaits manual review", c.TransactionID), nil
	}

	return Eligibility{
		Eligible:        true,
		MaxRefundAmount: c.Subtotal.Add(c.BuyerFee),
	}, nil
}

// ValidateRefundAmount checks amount against a verdict.
func ValidateRefundAmount(e Eligibility, amount decimal.Decimal) error {
	if !e.Eligible {
		return e.Err()
	}
	if !amount.IsPositive() {
		return apperrors.Validation(apperrors.ReasonInvalidAmount, "refund amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(e.MaxRefundAmount) {
		return apperrors.Validation(apperrors.ReasonAmountExceedsMax,
			"refund amount %s exceeds maximum refundable %s", amount.StringFixed(2), e.MaxRefundAmount.StringFixed(2))
	}
	return nil
}

func ineligible(reason, format string, args ...any) Eligibility {
	return Eligibility{
		Eligible:        false,
		MaxRefundAmount: decimal.Zero,
		Reason:          reason,
		Message:         fmt.Sprintf(format, args...),
	}
}
