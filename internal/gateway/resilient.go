package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/rift/internal/apperrors"
	"github.com/mbd888/rift/internal/circuitbreaker"
	"github.com/mbd888/rift/internal/retry"
)

// Operation keys used for circuit state and metrics.
const (
	opCreatePaymentIntent   = "create_payment_intent"
	opRetrievePaymentIntent = "retrieve_payment_intent"
	opCreateTransfer        = "create_transfer"
	opCreateRefund          = "create_refund"
	opRetrieveBalance       = "retrieve_balance"
)

// ResilientConfig tunes retry and circuit behaviour.
type ResilientConfig struct {
	MaxAttempts      int           // per call, including the first
	BaseDelay        time.Duration // exponential backoff base
	FailureThreshold int           // consecutive transient failures before opening
	CoolDown         time.Duration // open duration before a probe
}

// DefaultResilientConfig returns production defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxAttempts:      3,
		BaseDelay:        200 * time.Millisecond,
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
	}
}

// Resilient wraps a Gateway with bounded retries of transient failures and a
// per-operation circuit breaker. Every attempt of one call carries the same
// idempotency key, so a retry after a lost response cannot move money twice.
type Resilient struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
	cfg     ResilientConfig
	logger  *slog.Logger
}

// NewResilient wraps inner.
func NewResilient(inner Gateway, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{
		inner:   inner,
		breaker: circuitbreaker.New(cfg.FailureThreshold, cfg.CoolDown),
		cfg:     cfg,
		logger:  logger,
	}
}

// CircuitState exposes the circuit state of an operation for health checks.
func (r *Resilient) CircuitState(op string) circuitbreaker.State {
	return r.breaker.State(op)
}

func (r *Resilient) call(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	err := retry.Do(ctx, r.cfg.MaxAttempts, r.cfg.BaseDelay, func() error {
		attempt++
		done := observeCall(op)
		err := r.breaker.Execute(op, fn, IsUnknownOutcome)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			done(ErrCircuitOpen)
			return retry.Permanent(ErrCircuitOpen)
		}
		done(err)
		if err == nil {
			return nil
		}
		if !IsUnknownOutcome(err) {
			return retry.Permanent(err)
		}
		r.logger.Warn("gateway call failed, will retry with same key",
			"op", op, "attempt", attempt, "error", err)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		// Rejected locally: nothing reached the gateway, so the outcome is known.
		return apperrors.Wrap(apperrors.KindGatewayTransient, apperrors.ReasonGatewayUnavailable,
			fmt.Sprintf("%s: gateway temporarily unavailable", op), ErrCircuitOpen)
	}
	if err != nil && apperrors.KindOf(err) == "" && ctx.Err() != nil {
		// Cancelled between attempts: an earlier attempt may have landed.
		return apperrors.GatewayTransient(op, err)
	}
	return err
}

func (r *Resilient) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	var out *PaymentIntent
	err := r.call(ctx, opCreatePaymentIntent, func() (err error) {
		out, err = r.inner.CreatePaymentIntent(ctx, req)
		return err
	})
	return out, err
}

func (r *Resilient) RetrievePaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var out *PaymentIntent
	err := r.call(ctx, opRetrievePaymentIntent, func() (err error) {
		out, err = r.inner.RetrievePaymentIntent(ctx, intentID)
		return err
	})
	return out, err
}

func (r *Resilient) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out *Transfer
	err := r.call(ctx, opCreateTransfer, func() (err error) {
		out, err = r.inner.CreateTransfer(ctx, req)
		return err
	})
	return out, err
}

func (r *Resilient) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var out *Refund
	err := r.call(ctx, opCreateRefund, func() (err error) {
		out, err = r.inner.CreateRefund(ctx, req)
		return err
	})
	return out, err
}

func (r *Resilient) RetrieveBalance(ctx context.Context) (*Balance, error) {
	var out *Balance
	err := r.call(ctx, opRetrieveBalance, func() (err error) {
		out, err = r.inner.RetrieveBalance(ctx)
		return err
	})
	return out, err
}

// IsCircuitOpen reports whether err was a local circuit rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case apperrors.Is(err, apperrors.KindInsufficientBalance):
		return "insufficient"
	case IsUnknownOutcome(err):
		return "transient"
	default:
		return "rejected"
	}
}

var _ Gateway = (*Resilient)(nil)
