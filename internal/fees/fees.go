// Package fees computes the buyer and seller fee split for an escrow subtotal.
//
// Every figure is rounded exactly once here. Downstream code stores and reuses
// the Breakdown and never re-derives amounts, which keeps the wallet ledger
// reconcilable against gateway transfers to the cent.
package fees

import (
	"errors"

	"github.com/mbd888/rift/internal/money"
	"github.com/shopspring/decimal"
)

// Default platform rates.
var (
	DefaultBuyerRate  = decimal.RequireFromString("0.03")
	DefaultSellerRate = decimal.RequireFromString("0.05")
)

var ErrInvalidRate = errors.New("fees: rate must be within [0, 1)")

// Breakdown is the full fee split for one subtotal.
type Breakdown struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	BuyerFee   decimal.Decimal `json:"buyerFee"`
	SellerFee  decimal.Decimal `json:"sellerFee"`
	BuyerTotal decimal.Decimal `json:"buyerTotal"`
	SellerNet  decimal.Decimal `json:"sellerNet"`
}

// Calculator holds the configured rates. It is safe for concurrent use.
type Calculator struct {
	buyerRate  decimal.Decimal
	sellerRate decimal.Decimal
}

// NewCalculator validates and stores the rates.
func NewCalculator(buyerRate, sellerRate decimal.Decimal) (*Calculator, error) {
	one := decimal.NewFromInt(1)
	for _, r := range []decimal.Decimal{buyerRate, sellerRate} {
		if r.IsNegative() || r.GreaterThanOrEqual(one) {
			return nil, ErrInvalidRate
		}
	}
	return &Calculator{buyerRate: buyerRate, sellerRate: sellerRate}, nil
}

// Default returns a calculator with the default platform rates.
func Default() *Calculator {
	return &Calculator{buyerRate: DefaultBuyerRate, sellerRate: DefaultSellerRate}
}

// Calculate splits subtotal into fees, buyer total and seller net, rounding
// to two decimals.
func (c *Calculator) Calculate(subtotal decimal.Decimal) Breakdown {
	return c.calculate(subtotal, money.Scale)
}

// CalculateIn is Calculate at the scale the gateway settles currency in, so
// zero-decimal currencies never carry fractional fees.
func (c *Calculator) CalculateIn(subtotal decimal.Decimal, currency string) Breakdown {
	return c.calculate(subtotal, money.ScaleOf(currency))
}

func (c *Calculator) calculate(subtotal decimal.Decimal, scale int32) Breakdown {
	subtotal = subtotal.Round(scale)
	buyerFee := subtotal.Mul(c.buyerRate).Round(scale)
	sellerFee := subtotal.Mul(c.sellerRate).Round(scale)
	return Breakdown{
		Subtotal:   subtotal,
		BuyerFee:   buyerFee,
		SellerFee:  sellerFee,
		BuyerTotal: subtotal.Add(buyerFee),
		SellerNet:  subtotal.Sub(sellerFee),
	}
}

// SplitSellerNet distributes sellerNet across milestone amounts in proportion
// to the seller rate. The last milestone takes the remainder so the parts
// always sum to sellerNet exactly.
func (c *Calculator) SplitSellerNet(sellerNet decimal.Decimal, amounts []decimal.Decimal) []decimal.Decimal {
	return c.split(sellerNet, amounts, money.Scale)
}

// SplitSellerNetIn is SplitSellerNet at currency's own scale.
func (c *Calculator) SplitSellerNetIn(sellerNet decimal.Decimal, amounts []decimal.Decimal, currency string) []decimal.Decimal {
	return c.split(sellerNet, amounts, money.ScaleOf(currency))
}

func (c *Calculator) split(sellerNet decimal.Decimal, amounts []decimal.Decimal, scale int32) []decimal.Decimal {
	parts := make([]decimal.Decimal, len(amounts))
	if len(amounts) == 0 {
		return parts
	}
	allocated := decimal.Zero
	for i, amt := range amounts[:len(amounts)-1] {
		fee := amt.Mul(c.sellerRate).Round(scale)
		parts[i] = amt.Sub(fee)
		allocated = allocated.Add(parts[i])
	}
	parts[len(parts)-1] = sellerNet.Sub(allocated)
	return parts
}
