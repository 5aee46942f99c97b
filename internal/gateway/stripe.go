package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/money"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// DefaultRequestTimeout bounds every gateway HTTP request.
const DefaultRequestTimeout = 20 * time.Second

// StripeConfig configures the Stripe-backed gateway.
type StripeConfig struct {
	SecretKey string
	Timeout   time.Duration
	// BaseURL overrides the API endpoint (tests point it at httptest servers).
	BaseURL string
}

// Stripe implements Gateway on top of stripe-go. The client is an explicit
// dependency of this struct, never a package global, so several instances
// with different keys can coexist.
type Stripe struct {
	api *client.API
}

// NewStripe builds a Stripe gateway. SDK-level network retries are disabled:
// retry policy lives in Resilient so every attempt is counted and bounded.
func NewStripe(cfg StripeConfig) *Stripe {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}
	return &Stripe{api: client.New(cfg.SecretKey, backends)}
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	currency := money.NormalizeCurrency(req.Currency)
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(money.ToMinor(req.Amount, currency)),
		Currency:      stripe.String(currency),
		TransferGroup: stripe.String(req.Reference),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("transaction_id", req.Reference)
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe("create payment intent", err)
	}
	return fromStripeIntent(pi), nil
}

func (s *Stripe) RetrievePaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, classifyStripe("retrieve payment intent", err)
	}
	return fromStripeIntent(pi), nil
}

func (s *Stripe) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	currency := money.NormalizeCurrency(req.Currency)
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(money.ToMinor(req.Amount, currency)),
		Currency:    stripe.String(currency),
		Destination: stripe.String(req.Destination),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classifyStripe("create transfer", err)
	}
	out := &Transfer{
		ID:       tr.ID,
		Amount:   money.FromMinor(tr.Amount, string(tr.Currency)),
		Currency: string(tr.Currency),
	}
	if tr.Destination != nil {
		out.Destination = tr.Destination.ID
	}
	return out, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Amount:        stripe.Int64(money.ToMinor(req.Amount, req.Currency)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripe("create refund", err)
	}
	return &Refund{
		ID:     r.ID,
		Amount: money.FromMinor(r.Amount, string(r.Currency)),
		Status: string(r.Status),
	}, nil
}

func (s *Stripe) RetrieveBalance(ctx context.Context) (*Balance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	b, err := s.api.Balance.Get(params)
	if err != nil {
		return nil, classifyStripe("retrieve balance", err)
	}
	out := &Balance{
		Available: make(map[string]decimal.Decimal, len(b.Available)),
		Pending:   make(map[string]decimal.Decimal, len(b.Pending)),
	}
	for _, a := range b.Available {
		cur := string(a.Currency)
		out.Available[cur] = out.Available[cur].Add(money.FromMinor(a.Amount, cur))
	}
	for _, a := range b.Pending {
		cur := string(a.Currency)
		out.Pending[cur] = out.Pending[cur].Add(money.FromMinor(a.Amount, cur))
	}
	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	return &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       PaymentIntentStatus(pi.Status),
		Amount:       money.FromMinor(pi.Amount, string(pi.Currency)),
		Currency:     string(pi.Currency),
	}
}

// classifyStripe maps stripe-go errors onto the engine taxonomy.
func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Transport failure or client timeout: the request may have reached
		// the gateway and been applied.
		return apperrors.GatewayTransient(op, err)
	}
	switch {
	case se.Code == stripe.ErrorCodeBalanceInsufficient ||
		strings.Contains(string(se.Code), "insufficient_funds"):
		return insufficient(op)
	case se.Type == stripe.ErrorTypeIdempotency:
		return fmt.Errorf("%s: %w: %s", op, ErrIdempotencyMismatch, se.Msg)
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		return apperrors.GatewayTransient(op, err)
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, ErrNotFound, se.Msg)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Compile-time assertion.
var _ Gateway = (*Stripe)(nil)
