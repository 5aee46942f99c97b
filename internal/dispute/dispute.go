// Package dispute tracks gateway disputes and account restrictions, and
// vetoes money movement while either is active.
//
// Disputes are snapshots of the gateway's dispute object keyed by the
// gateway dispute id. Restrictions are placed on the buyer when a dispute
// opens and are only ever lifted by a reviewer; a dispute the platform wins
// does not lift them.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDisputeNotFound     = errors.New("dispute: not found")
	ErrRestrictionNotFound = errors.New("dispute: no active restriction")
)

// Status mirrors the gateway's dispute status.
type Status string

const (
	StatusWarningNeedsResponse Status = "warning_needs_response"
	StatusWarningUnderReview   Status = "warning_under_review"
	StatusWarningClosed        Status = "warning_closed"
	StatusNeedsResponse        Status = "needs_response"
	StatusUnderReview          Status = "under_review"
	StatusWon                  Status = "won"
	StatusLost                 Status = "lost"
)

// IsOpen reports whether the dispute still freezes the transaction.
func (s Status) IsOpen() bool {
	switch s {
	case StatusWarningNeedsResponse, StatusWarningUnderReview, StatusNeedsResponse, StatusUnderReview:
		return true
	}
	return false
}

// Outcome is how a closed dispute resolves the transaction.
type Outcome string

const (
	OutcomeNone Outcome = ""     // still open, or unknown status
	OutcomeWon  Outcome = "won"  // funds stay with the platform
	OutcomeLost Outcome = "lost" // funds returned to the buyer
)

// Outcome maps a closed status onto a resolution. A closed inquiry
// (warning_closed) never moved funds and counts as won.
func (s Status) Outcome() Outcome {
	switch s {
	case StatusWon, StatusWarningClosed:
		return OutcomeWon
	case StatusLost:
		return OutcomeLost
	}
	return OutcomeNone
}

// Dispute is the latest known snapshot of a gateway dispute.
type Dispute struct {
	GatewayDisputeID       string          `json:"gatewayDisputeId"`
	TransactionID          string          `json:"transactionId"`
	GatewayPaymentIntentID string          `json:"gatewayPaymentIntentId"`
	Status                 Status          `json:"status"`
	Reason                 string          `json:"reason"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	EvidenceDueBy          *time.Time      `json:"evidenceDueBy,omitempty"`
	LastEventID            string          `json:"lastEventId"`
	CreatedAt              time.Time       `json:"createdAt"`
	// UpdatedAt is the gateway event time of the snapshot. Older events
	// never overwrite newer snapshots.
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsOpen reports whether the dispute freezes its transaction.
func (d *Dispute) IsOpen() bool { return d.Status.IsOpen() }

// Restriction blocks money movement for a user until lifted by a reviewer.
type Restriction struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	FundsFrozen     bool       `json:"fundsFrozen"`
	Reason          string     `json:"reason"`
	SourceDisputeID string     `json:"sourceDisputeId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	LiftedAt        *time.Time `json:"liftedAt,omitempty"`
	LiftedBy        string     `json:"liftedBy,omitempty"`
}

// Active reports whether the restriction is in force.
func (r *Restriction) Active() bool { return r.LiftedAt == nil }

// Store persists dispute snapshots.
type Store interface {
	// UpsertSnapshot inserts d or overwrites the stored snapshot with the
	// same GatewayDisputeID when d is not older. It returns the stored row.
	UpsertSnapshot(ctx context.Context, d *Dispute) (*Dispute, error)
	Get(ctx context.Context, gatewayDisputeID string) (*Dispute, error)
	OpenForTransaction(ctx context.Context, txID string) ([]*Dispute, error)
	ListForTransaction(ctx context.Context, txID string) ([]*Dispute, error)
}

// RestrictionStore persists account restrictions.
type RestrictionStore interface {
	// Restrict adds r unless the user already has a restriction (active or
	// lifted) from the same source dispute, so redelivered dispute events
	// never undo a reviewer's decision. Returns the stored row.
	Restrict(ctx context.Context, r *Restriction) (*Restriction, error)
	ActiveFundsFrozen(ctx context.Context, userIDs ...string) ([]*Restriction, error)
	// Lift marks every active restriction of userID lifted and returns how
	// many were lifted.
	Lift(ctx context.Context, userID, reviewer string, at time.Time) (int, error)
	ListForUser(ctx context.Context, userID string) ([]*Restriction, error)
}
