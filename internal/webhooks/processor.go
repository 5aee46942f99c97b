package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/dispute"
	"github.com/mbd888/rift/internal/escrow"
	"github.com/mbd888/rift/internal/metrics"
	"github.com/mbd888/rift/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// DefaultTolerance is how old a signed delivery may be.
const DefaultTolerance = webhook.DefaultTolerance

// Transactions is the slice of the escrow service the processor drives.
type Transactions interface {
	GetByPaymentIntent(ctx context.Context, intentID string) (*escrow.Transaction, error)
	MarkFunded(ctx context.Context, id string) (*escrow.Transaction, bool, error)
	OpenDispute(ctx context.Context, id, reason string) (*escrow.Transaction, bool, error)
	ResolveDispute(ctx context.Context, id string, outcome dispute.Outcome) (*escrow.Transaction, bool, error)
}

// DisputeRecorder stores dispute snapshots and restricts the buyer.
type DisputeRecorder interface {
	RecordSnapshot(ctx context.Context, d *dispute.Dispute, buyerID string) (*dispute.Dispute, error)
}

// Result is what one delivery did.
type Result struct {
	EventID       string `json:"eventId"`
	Variant       string `json:"variant"`
	Outcome       string `json:"outcome"`
	TransactionID string `json:"transactionId,omitempty"`
}

// ErrNoSecret rejects every delivery when no signing secret is configured.
var ErrNoSecret = errors.New("webhooks: signing secret not configured")

// Processor verifies and applies gateway events.
type Processor struct {
	secret       string
	tolerance    time.Duration
	transactions Transactions
	disputes     DisputeRecorder
	deliveries   DeliveryStore
	logger       *slog.Logger
	now          func() time.Time
}

// NewProcessor creates a processor verifying signatures against secret.
func NewProcessor(secret string, transactions Transactions, disputes DisputeRecorder, deliveries DeliveryStore, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if deliveries == nil {
		deliveries = NewMemoryStore()
	}
	return &Processor{
		secret:       secret,
		tolerance:    DefaultTolerance,
		transactions: transactions,
		disputes:     disputes,
		deliveries:   deliveries,
		logger:       logger,
		now:          time.Now,
	}
}

// WithTolerance overrides the signature timestamp tolerance.
func (p *Processor) WithTolerance(d time.Duration) *Processor {
	p.tolerance = d
	return p
}

// Verify checks the signature header and decodes the event.
func (p *Processor) Verify(payload []byte, signature string) (stripe.Event, error) {
	if p.secret == "" {
		metrics.WebhookSignatureFailuresTotal.Inc()
		return stripe.Event{}, apperrors.GatewaySignature(ErrNoSecret)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookSignatureFailuresTotal.Inc()
		p.logger.Warn("webhook signature rejected", "error", err)
		return stripe.Event{}, apperrors.GatewaySignature(err)
	}
	return ev, nil
}

// Process verifies payload and applies it. Unknown transactions are
// acknowledged; failures while mutating a known transaction are returned so
// the gateway redelivers.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (res *Result, err error) {
	ev, err := p.Verify(payload, signature)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "webhooks.Process",
		traces.GatewayEventID(ev.ID), traces.GatewayEventType(string(ev.Type)))
	defer func() { traces.End(span, err) }()

	parsed, perr := Parse(ev)
	if perr != nil {
		p.logger.Warn("unparseable webhook acknowledged", "event_id", ev.ID, "type", ev.Type, "error", perr)
		parsed = Ignored{ID: ev.ID, Type: string(ev.Type)}
	}

	res, err = p.Apply(ctx, parsed)
	outcome := OutcomeFailed
	if res != nil {
		outcome = res.Outcome
	}
	metrics.WebhookEventsTotal.WithLabelValues(parsed.Variant(), outcome).Inc()

	d := &Delivery{
		EventID:    ev.ID,
		EventType:  string(ev.Type),
		Variant:    parsed.Variant(),
		Outcome:    outcome,
		LastSeenAt: p.now().UTC(),
	}
	if err != nil {
		d.LastError = err.Error()
	}
	if _, rerr := p.deliveries.Record(ctx, d); rerr != nil {
		p.logger.Warn("failed to record webhook delivery", "event_id", ev.ID, "error", rerr)
	}
	return res, err
}

// Apply executes a parsed event. It is safe to call repeatedly with the
// same event.
func (p *Processor) Apply(ctx context.Context, ev Event) (*Result, error) {
	res := &Result{EventID: ev.EventID(), Variant: ev.Variant()}
	switch e := ev.(type) {
	case PaymentSucceeded:
		t, ok, err := p.lookup(ctx, e.IntentID, res)
		if !ok {
			return res, err
		}
		_, applied, err := p.transactions.MarkFunded(ctx, t.ID)
		return p.settle(res, applied, err)

	case DisputeOpened:
		return p.applyDispute(ctx, e.Dispute, res)

	case DisputeUpdated:
		return p.applyDispute(ctx, e.Dispute, res)

	case DisputeClosed:
		return p.applyDispute(ctx, e.Dispute, res)

	default:
		res.Outcome = OutcomeIgnored
		return res, nil
	}
}

// applyDispute records d and moves the transaction to match the stored
// snapshot rather than the event type: deliveries arrive out of order or not
// at all, and only the newest snapshot says whether the dispute is open.
func (p *Processor) applyDispute(ctx context.Context, d *dispute.Dispute, res *Result) (*Result, error) {
	t, ok, err := p.recordDispute(ctx, d, res)
	if !ok {
		return res, err
	}
	if d.IsOpen() {
		_, applied, err := p.transactions.OpenDispute(ctx, t.ID, d.Reason)
		return p.settle(res, applied, err)
	}
	outcome := d.Status.Outcome()
	if outcome == dispute.OutcomeNone {
		res.Outcome = OutcomeApplied
		return res, nil
	}
	_, applied, err := p.transactions.ResolveDispute(ctx, t.ID, outcome)
	return p.settle(res, applied, err)
}

// recordDispute resolves the owning transaction and stores the snapshot.
// The stored snapshot replaces d when a newer one already exists.
func (p *Processor) recordDispute(ctx context.Context, d *dispute.Dispute, res *Result) (*escrow.Transaction, bool, error) {
	t, ok, err := p.lookup(ctx, d.GatewayPaymentIntentID, res)
	if !ok {
		return nil, false, err
	}
	d.TransactionID = t.ID
	stored, err := p.disputes.RecordSnapshot(ctx, d, t.BuyerID)
	if err != nil {
		res.Outcome = OutcomeFailed
		return nil, false, fmt.Errorf("record dispute %s for %s: %w", d.GatewayDisputeID, t.ID, err)
	}
	*d = *stored
	return t, true, nil
}

func (p *Processor) lookup(ctx context.Context, intentID string, res *Result) (*escrow.Transaction, bool, error) {
	t, err := p.transactions.GetByPaymentIntent(ctx, intentID)
	if errors.Is(err, escrow.ErrTransactionNotFound) {
		p.logger.Info("webhook for unknown payment intent acknowledged",
			"event_id", res.EventID, "variant", res.Variant, "intent_id", intentID)
		res.Outcome = OutcomeUnknownTransaction
		return nil, false, nil
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		return nil, false, fmt.Errorf("look up payment intent %s: %w", intentID, err)
	}
	res.TransactionID = t.ID
	return t, true, nil
}

func (p *Processor) settle(res *Result, applied bool, err error) (*Result, error) {
	switch {
	case errors.Is(err, escrow.ErrAlreadyProcessed):
		res.Outcome = OutcomeAlreadyProcessed
		return res, nil
	case err != nil:
		res.Outcome = OutcomeFailed
		p.logger.Error("webhook could not be applied", "event_id", res.EventID,
			"variant", res.Variant, "transaction_id", res.TransactionID, "error", err)
		return res, err
	case applied:
		res.Outcome = OutcomeApplied
	default:
		res.Outcome = OutcomeAlreadyProcessed
	}
	p.logger.Info("webhook processed", "event_id", res.EventID, "variant", res.Variant,
		"transaction_id", res.TransactionID, "outcome", res.Outcome)
	return res, nil
}
