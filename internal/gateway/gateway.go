// Package gateway is a thin, always-idempotent adapter over the external
// payment gateway's payment-intent, transfer, refund and balance primitives.
//
// Every call that moves money takes a caller-supplied idempotency key; retries
// must reuse it. Errors are classified at this boundary:
//   - insufficient platform balance -> apperrors.KindInsufficientBalance
//   - network failure, timeout, 429, 5xx -> apperrors.KindGatewayTransient
//     (outcome unknown: the effect may already have happened remotely)
//   - everything else -> a definitive failure (nothing happened remotely)
package gateway

import (
	"context"
	"errors"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds   = errors.New("gateway: insufficient platform balance")
	ErrIdempotencyMismatch = errors.New("gateway: idempotency key reused with different parameters")
	ErrNotFound            = errors.New("gateway: object not found")
	ErrCircuitOpen         = errors.New("gateway: circuit open")
	ErrMissingKey          = errors.New("gateway: idempotency key is required")
)

// PaymentIntentStatus mirrors the gateway's payment intent lifecycle.
type PaymentIntentStatus string

const (
	IntentRequiresPaymentMethod PaymentIntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  PaymentIntentStatus = "requires_confirmation"
	IntentRequiresAction        PaymentIntentStatus = "requires_action"
	IntentProcessing            PaymentIntentStatus = "processing"
	IntentRequiresCapture       PaymentIntentStatus = "requires_capture"
	IntentSucceeded             PaymentIntentStatus = "succeeded"
	IntentCanceled              PaymentIntentStatus = "canceled"
)

// PaymentIntentRequest asks the gateway to collect a buyer payment.
type PaymentIntentRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Reference      string // internal transaction id, stored as gateway metadata
	IdempotencyKey string
}

// PaymentIntent is the gateway's view of a buyer payment.
type PaymentIntent struct {
	ID           string              `json:"id"`
	ClientSecret string              `json:"-"`
	Status       PaymentIntentStatus `json:"status"`
	Amount       decimal.Decimal     `json:"amount"`
	Currency     string              `json:"currency"`
}

// TransferRequest moves platform balance to a seller's payout destination.
type TransferRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Destination    string
	TransferGroup  string
	IdempotencyKey string
}

// Transfer is a completed payout to a seller.
type Transfer struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
}

// RefundRequest returns captured funds to the buyer.
type RefundRequest struct {
	PaymentIntentID string
	Amount          decimal.Decimal
	Currency        string
	IdempotencyKey  string
}

// Refund is a gateway refund.
type Refund struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

// Balance is the platform's per-currency balance.
type Balance struct {
	Available map[string]decimal.Decimal `json:"available"`
	Pending   map[string]decimal.Decimal `json:"pending"`
}

// AvailableFor returns the available amount for currency (zero when absent).
func (b *Balance) AvailableFor(currency string) decimal.Decimal {
	if b == nil || b.Available == nil {
		return decimal.Zero
	}
	return b.Available[currency]
}

// Gateway is the capability contract the engine consumes.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error)
	RetrieveBalance(ctx context.Context) (*Balance, error)
}

// IsUnknownOutcome reports whether err leaves the remote effect undetermined.
// Callers must keep their lock and reconcile by retrying with the same key.
// A local circuit rejection never reached the gateway and is not unknown.
func IsUnknownOutcome(err error) bool {
	return apperrors.Is(err, apperrors.KindGatewayTransient) && !errors.Is(err, ErrCircuitOpen)
}

func insufficient(op string) error {
	return apperrors.Wrap(apperrors.KindInsufficientBalance, apperrors.ReasonInsufficientBalance,
		op+": platform balance too low", ErrInsufficientFunds)
}
