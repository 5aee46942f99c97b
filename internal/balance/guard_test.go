package balance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/rift/internal/gateway"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	calls     int32
	available func(call int32) (decimal.Decimal, error)
}

func (s *scriptedSource) RetrieveBalance(context.Context) (*gateway.Balance, error) {
	n := atomic.AddInt32(&s.calls, 1)
	amt, err := s.available(n)
	if err != nil {
		return nil, err
	}
	return &gateway.Balance{Available: map[string]decimal.Decimal{"usd": amt}}, nil
}

func counterValue(t *testing.T, result string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, checksTotal.WithLabelValues(result).Write(m))
	return m.GetCounter().GetValue()
}

func TestCheckSufficiency(t *testing.T) {
	g := NewGuard(&scriptedSource{available: func(int32) (decimal.Decimal, error) {
		return decimal.RequireFromString("100.00"), nil
	}}, time.Millisecond, nil)

	res := g.CheckSufficiency(context.Background(), decimal.RequireFromString("95"), "USD")
	assert.True(t, res.Sufficient)
	assert.True(t, res.Available.Equal(decimal.NewFromInt(100)))

	res = g.CheckSufficiency(context.Background(), decimal.RequireFromString("100.01"), "usd")
	assert.False(t, res.Sufficient)

	res = g.CheckSufficiency(context.Background(), decimal.NewFromInt(1), "eur")
	assert.False(t, res.Sufficient, "missing currency counts as zero")
}

func TestCheckSufficiency_FailsClosed(t *testing.T) {
	before := counterValue(t, "unknown")
	g := NewGuard(&scriptedSource{available: func(int32) (decimal.Decimal, error) {
		return decimal.Decimal{}, errors.New("gateway unreachable")
	}}, time.Millisecond, nil)

	res := g.CheckSufficiency(context.Background(), decimal.NewFromInt(1), "usd")
	assert.False(t, res.Sufficient)
	assert.True(t, res.Unknown)
	assert.Equal(t, before+1, counterValue(t, "unknown"))
}

func TestWaitForSufficiency_BecomesSufficient(t *testing.T) {
	src := &scriptedSource{available: func(call int32) (decimal.Decimal, error) {
		if call < 3 {
			return decimal.NewFromInt(10), nil
		}
		return decimal.NewFromInt(100), nil
	}}
	g := NewGuard(src, time.Millisecond, nil)

	ok := g.WaitForSufficiency(context.Background(), decimal.NewFromInt(50), "usd", time.Second)
	assert.True(t, ok)
	assert.EqualValues(t, 3, atomic.LoadInt32(&src.calls))
}

func TestWaitForSufficiency_TimesOutWithoutError(t *testing.T) {
	src := &scriptedSource{available: func(int32) (decimal.Decimal, error) {
		return decimal.Decimal{}, errors.New("boom")
	}}
	g := NewGuard(src, 10*time.Millisecond, nil)

	start := time.Now()
	ok := g.WaitForSufficiency(context.Background(), decimal.NewFromInt(50), "usd", 30*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 3, atomic.LoadInt32(&src.calls), "ceil(timeout/interval) checks")
}
