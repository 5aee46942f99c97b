package dispute

import (
	"context"
	"log/slog"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/prometheus/client_golang/prometheus"
)

var freezeChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rift",
	Subsystem: "dispute",
	Name:      "freeze_checks_total",
	Help:      "Freeze gate verdicts by reason (clear, frozen_by_dispute, account_restricted, freeze_unverified).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(freezeChecksTotal)
}

// Subject identifies what a freeze check is about.
type Subject struct {
	TransactionID string
	BuyerID       string
	SellerID      string
}

// Freeze is a gate verdict.
type Freeze struct {
	Frozen  bool   `json:"frozen"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Err converts a frozen verdict into a validation error, or nil.
func (f Freeze) Err() error {
	if !f.Frozen {
		return nil
	}
	return apperrors.Validation(f.Reason, "%s", f.Message)
}

// Gate vetoes releases and refunds for disputed transactions and
// restricted accounts. It only reads, so it is safe at any concurrency.
type Gate struct {
	disputes     Store
	restrictions RestrictionStore
	logger       *slog.Logger
}

// NewGate creates a gate.
func NewGate(disputes Store, restrictions RestrictionStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{disputes: disputes, restrictions: restrictions, logger: logger}
}

// CheckFreeze reports whether money may move for s. A failed lookup
// freezes.
func (g *Gate) CheckFreeze(ctx context.Context, s Subject) Freeze {
	open, err := g.disputes.OpenForTransaction(ctx, s.TransactionID)
	if err != nil {
		return g.lookupFailed(s, err)
	}
	if len(open) > 0 {
		freezeChecksTotal.WithLabelValues(apperrors.ReasonFrozenByDispute).Inc()
		return Freeze{
			Frozen:  true,
			Reason:  apperrors.ReasonFrozenByDispute,
			Message: "transaction " + s.TransactionID + " is frozen by open dispute " + open[0].GatewayDisputeID,
		}
	}

	var users []string
	for _, u := range []string{s.BuyerID, s.SellerID} {
		if u != "" {
			users = append(users, u)
		}
	}
	if len(users) > 0 {
		active, err := g.restrictions.ActiveFundsFrozen(ctx, users...)
		if err != nil {
			return g.lookupFailed(s, err)
		}
		if len(active) > 0 {
			freezeChecksTotal.WithLabelValues(apperrors.ReasonAccountRestricted).Inc()
			return Freeze{
				Frozen:  true,
				Reason:  apperrors.ReasonAccountRestricted,
				Message: "account " + active[0].UserID + " has frozen funds pending review (" + active[0].Reason + ")",
			}
		}
	}

	freezeChecksTotal.WithLabelValues("clear").Inc()
	return Freeze{}
}

func (g *Gate) lookupFailed(s Subject, err error) Freeze {
	freezeChecksTotal.WithLabelValues(apperrors.ReasonFreezeUnverified).Inc()
	g.logger.Error("freeze lookup failed, treating transaction as frozen",
		"transaction_id", s.TransactionID, "error", err)
	return Freeze{
		Frozen:  true,
		Reason:  apperrors.ReasonFreezeUnverified,
		Message: "dispute and restriction status of transaction " + s.TransactionID + " could not be verified",
	}
}
