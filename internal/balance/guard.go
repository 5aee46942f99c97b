// Package balance answers "can the platform cover this transfer right now?"
// from the gateway's per-currency available balance.
//
// The guard is fail-closed: any failure to learn the balance is reported as
// insufficient, never as an error the caller might ignore.
package balance

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/rift/internal/gateway"
	"github.com/mbd888/rift/internal/money"
	"github.com/mbd888/rift/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Defaults for the bounded wait.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultWaitTimeout  = 30 * time.Second
)

var checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rift",
	Subsystem: "balance",
	Name:      "checks_total",
	Help:      "Balance sufficiency checks by result (sufficient, insufficient, unknown).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(checksTotal)
}

// BalanceSource is the slice of the gateway the guard needs.
type BalanceSource interface {
	RetrieveBalance(ctx context.Context) (*gateway.Balance, error)
}

// Result is a sufficiency verdict.
type Result struct {
	Available  decimal.Decimal `json:"available"`
	Sufficient bool            `json:"sufficient"`
	// Unknown is set when the balance could not be read.
	Unknown bool `json:"unknown,omitempty"`
}

// Guard checks platform balance before money moves.
type Guard struct {
	source       BalanceSource
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewGuard creates a guard polling at interval for WaitForSufficiency.
func NewGuard(source BalanceSource, interval time.Duration, logger *slog.Logger) *Guard {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{source: source, pollInterval: interval, logger: logger}
}

// CheckSufficiency reports whether the available balance in currency covers amount.
func (g *Guard) CheckSufficiency(ctx context.Context, amount decimal.Decimal, currency string) Result {
	currency = money.NormalizeCurrency(currency)
	bal, err := g.source.RetrieveBalance(ctx)
	if err != nil {
		checksTotal.WithLabelValues("unknown").Inc()
		g.logger.Warn("balance query failed, treating as insufficient",
			"currency", currency, "amount", amount.String(), "error", err)
		return Result{Available: decimal.Zero, Sufficient: false, Unknown: true}
	}
	available := bal.AvailableFor(currency)
	res := Result{Available: available, Sufficient: available.GreaterThanOrEqual(amount)}
	if res.Sufficient {
		checksTotal.WithLabelValues("sufficient").Inc()
	} else {
		checksTotal.WithLabelValues("insufficient").Inc()
	}
	return res
}

// WaitForSufficiency re-checks at the guard's fixed interval until the
// balance covers amount or timeout elapses. It returns false on timeout or
// cancellation and makes at most ceil(timeout/interval) checks.
func (g *Guard) WaitForSufficiency(ctx context.Context, amount decimal.Decimal, currency string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	attempts := retry.Attempts(timeout, g.pollInterval)
	return retry.Poll(ctx, attempts, g.pollInterval, func(ctx context.Context) (bool, error) {
		return g.CheckSufficiency(ctx, amount, currency).Sufficient, nil
	})
}
