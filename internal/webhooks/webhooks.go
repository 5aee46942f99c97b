// Package webhooks ingests payment gateway events.
//
// Every delivery is signature-checked before anything else, parsed into one
// of a closed set of variants and applied to the transaction it references.
// Deliveries are at-least-once and may arrive out of order; applying the same
// event twice leaves state unchanged.
package webhooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/rift/internal/dispute"
	"github.com/mbd888/rift/internal/money"
	"github.com/stripe/stripe-go/v81"
)

// Event is a parsed gateway event. The concrete type is one of
// PaymentSucceeded, DisputeOpened, DisputeUpdated, DisputeClosed or Ignored.
type Event interface {
	EventID() string
	Variant() string
}

// PaymentSucceeded reports a captured payment intent.
type PaymentSucceeded struct {
	ID       string
	IntentID string
}

// DisputeOpened reports a new chargeback or inquiry.
type DisputeOpened struct {
	ID      string
	Dispute *dispute.Dispute
}

// DisputeUpdated carries a newer snapshot of an existing dispute.
type DisputeUpdated struct {
	ID      string
	Dispute *dispute.Dispute
}

// DisputeClosed carries the final snapshot of a dispute.
type DisputeClosed struct {
	ID      string
	Dispute *dispute.Dispute
}

// Ignored is any event type the engine does not act on.
type Ignored struct {
	ID   string
	Type string
}

func (e PaymentSucceeded) EventID() string { return e.ID }
func (e DisputeOpened) EventID() string    { return e.ID }
func (e DisputeUpdated) EventID() string   { return e.ID }
func (e DisputeClosed) EventID() string    { return e.ID }
func (e Ignored) EventID() string          { return e.ID }

func (PaymentSucceeded) Variant() string { return "payment_succeeded" }
func (DisputeOpened) Variant() string    { return "dispute_opened" }
func (DisputeUpdated) Variant() string   { return "dispute_updated" }
func (DisputeClosed) Variant() string    { return "dispute_closed" }
func (Ignored) Variant() string          { return "ignored" }

// Parse converts a verified gateway event into its variant.
func Parse(ev stripe.Event) (Event, error) {
	switch ev.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := decode(ev, &pi); err != nil {
			return nil, err
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("event %s: payment intent without id", ev.ID)
		}
		return PaymentSucceeded{ID: ev.ID, IntentID: pi.ID}, nil

	case stripe.EventTypeChargeDisputeCreated,
		stripe.EventTypeChargeDisputeUpdated,
		stripe.EventTypeChargeDisputeClosed,
		stripe.EventTypeChargeDisputeFundsWithdrawn,
		stripe.EventTypeChargeDisputeFundsReinstated:
		d, err := parseDispute(ev)
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case stripe.EventTypeChargeDisputeCreated:
			return DisputeOpened{ID: ev.ID, Dispute: d}, nil
		case stripe.EventTypeChargeDisputeClosed:
			return DisputeClosed{ID: ev.ID, Dispute: d}, nil
		default:
			return DisputeUpdated{ID: ev.ID, Dispute: d}, nil
		}
	}
	return Ignored{ID: ev.ID, Type: string(ev.Type)}, nil
}

func parseDispute(ev stripe.Event) (*dispute.Dispute, error) {
	var sd stripe.Dispute
	if err := decode(ev, &sd); err != nil {
		return nil, err
	}
	if sd.ID == "" {
		return nil, fmt.Errorf("event %s: dispute without id", ev.ID)
	}
	currency := money.NormalizeCurrency(string(sd.Currency))
	d := &dispute.Dispute{
		GatewayDisputeID: sd.ID,
		Status:           dispute.Status(sd.Status),
		Reason:           string(sd.Reason),
		Amount:           money.FromMinor(sd.Amount, currency),
		Currency:         currency,
		LastEventID:      ev.ID,
		UpdatedAt:        time.Unix(ev.Created, 0).UTC(),
	}
	if sd.PaymentIntent != nil {
		d.GatewayPaymentIntentID = sd.PaymentIntent.ID
	}
	if sd.Created > 0 {
		d.CreatedAt = time.Unix(sd.Created, 0).UTC()
	}
	if sd.EvidenceDetails != nil && sd.EvidenceDetails.DueBy > 0 {
		due := time.Unix(sd.EvidenceDetails.DueBy, 0).UTC()
		d.EvidenceDueBy = &due
	}
	if d.GatewayPaymentIntentID == "" {
		return nil, fmt.Errorf("event %s: dispute %s has no payment intent", ev.ID, sd.ID)
	}
	return d, nil
}

func decode(ev stripe.Event, v any) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return fmt.Errorf("event %s: empty data object", ev.ID)
	}
	if err := json.Unmarshal(ev.Data.Raw, v); err != nil {
		return fmt.Errorf("event %s: decode %s: %w", ev.ID, ev.Type, err)
	}
	return nil
}
