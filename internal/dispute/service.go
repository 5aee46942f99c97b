package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/idgen"
)

// Service records dispute snapshots and manages restrictions.
type Service struct {
	disputes     Store
	restrictions RestrictionStore
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a dispute service.
func NewService(disputes Store, restrictions RestrictionStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{disputes: disputes, restrictions: restrictions, logger: logger, now: time.Now}
}

// RecordSnapshot stores d. While the stored snapshot is open, buyerID (when
// known) carries a funds-frozen restriction sourced from the dispute.
// Closing the dispute, whatever the outcome, leaves restrictions in place.
func (s *Service) RecordSnapshot(ctx context.Context, d *Dispute, buyerID string) (*Dispute, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = s.now().UTC()
	}
	stored, err := s.disputes.UpsertSnapshot(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("upsert dispute %s: %w", d.GatewayDisputeID, err)
	}
	if stored.IsOpen() && buyerID != "" {
		_, err := s.restrictions.Restrict(ctx, &Restriction{
			ID:              idgen.WithPrefix("rst_"),
			UserID:          buyerID,
			FundsFrozen:     true,
			Reason:          "dispute_opened",
			SourceDisputeID: stored.GatewayDisputeID,
			CreatedAt:       s.now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("restrict buyer %s: %w", buyerID, err)
		}
	}
	return stored, nil
}

// LiftRestriction is the manual-review exit: it lifts every active
// restriction on userID and records who lifted it.
func (s *Service) LiftRestriction(ctx context.Context, userID, reviewer string) (int, error) {
	if reviewer == "" {
		return 0, apperrors.Validation(apperrors.ReasonInvalidState, "a reviewer is required to lift restrictions")
	}
	n, err := s.restrictions.Lift(ctx, userID, reviewer, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, apperrors.Wrap(apperrors.KindNotFound, apperrors.ReasonNotFound,
			"no active restriction for "+userID, ErrRestrictionNotFound)
	}
	s.logger.Info("account restriction lifted", "user_id", userID, "reviewer", reviewer, "count", n)
	return n, nil
}

// Get returns a dispute by gateway id.
func (s *Service) Get(ctx context.Context, gatewayDisputeID string) (*Dispute, error) {
	d, err := s.disputes.Get(ctx, gatewayDisputeID)
	if err == ErrDisputeNotFound {
		return nil, apperrors.Wrap(apperrors.KindNotFound, apperrors.ReasonNotFound, "dispute "+gatewayDisputeID, err)
	}
	return d, err
}

// ListForTransaction returns every dispute recorded for txID.
func (s *Service) ListForTransaction(ctx context.Context, txID string) ([]*Dispute, error) {
	return s.disputes.ListForTransaction(ctx, txID)
}

// Restrictions returns a user's restrictions, lifted ones included.
func (s *Service) Restrictions(ctx context.Context, userID string) ([]*Restriction, error) {
	return s.restrictions.ListForUser(ctx, userID)
}
