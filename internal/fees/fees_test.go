package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculate_ReferenceFigures(t *testing.T) {
	c, err := NewCalculator(d("0.03"), d("0.05"))
	require.NoError(t, err)

	b := c.Calculate(d("100.00"))

	assert.True(t, b.BuyerFee.Equal(d("3.00")), "buyerFee=%s", b.BuyerFee)
	assert.True(t, b.SellerFee.Equal(d("5.00")), "sellerFee=%s", b.SellerFee)
	assert.True(t, b.BuyerTotal.Equal(d("103.00")), "buyerTotal=%s", b.BuyerTotal)
	assert.True(t, b.SellerNet.Equal(d("95.00")), "sellerNet=%s", b.SellerNet)
}

func TestCalculate_RoundsEachFigureOnce(t *testing.T) {
	b := Default().Calculate(d("33.33"))

	// 33.33 * 0.03 = 0.9999 -> 1.00; 33.33 * 0.05 = 1.6665 -> 1.67
	assert.True(t, b.BuyerFee.Equal(d("1.00")), "buyerFee=%s", b.BuyerFee)
	assert.True(t, b.SellerFee.Equal(d("1.67")), "sellerFee=%s", b.SellerFee)
	assert.True(t, b.BuyerTotal.Equal(d("34.33")))
	assert.True(t, b.SellerNet.Equal(d("31.66")))
}

func TestNewCalculator_RejectsBadRates(t *testing.T) {
	_, err := NewCalculator(d("-0.01"), d("0.05"))
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = NewCalculator(d("0.03"), d("1"))
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestSplitSellerNet_SumsExactly(t *testing.T) {
	c := Default()
	b := c.Calculate(d("100.01"))
	amounts := []decimal.Decimal{d("33.33"), d("33.33"), d("33.35")}

	parts := c.SplitSellerNet(b.SellerNet, amounts)
	require.Len(t, parts, 3)

	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p)
	}
	assert.True(t, sum.Equal(b.SellerNet), "sum=%s sellerNet=%s", sum, b.SellerNet)
	assert.True(t, parts[0].Equal(d("31.66")))
}

func TestSplitSellerNet_Empty(t *testing.T) {
	assert.Empty(t, Default().SplitSellerNet(d("10"), nil))
}

func TestCalculateIn_ZeroDecimalCurrency(t *testing.T) {
	c := Default()
	b := c.CalculateIn(d("1050"), "JPY")

	// 1050 * 0.03 = 31.5 -> 32; 1050 * 0.05 = 52.5 -> 53
	assert.True(t, b.BuyerFee.Equal(d("32")), "buyerFee=%s", b.BuyerFee)
	assert.True(t, b.SellerFee.Equal(d("53")), "sellerFee=%s", b.SellerFee)
	assert.True(t, b.SellerNet.Equal(d("997")), "sellerNet=%s", b.SellerNet)
	assert.True(t, b.SellerNet.Equal(b.SellerNet.Round(0)), "seller net must be whole yen")

	parts := c.SplitSellerNetIn(b.SellerNet, []decimal.Decimal{d("525"), d("525")}, "jpy")
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.True(t, p.Equal(p.Round(0)), "part=%s", p)
	}
	assert.True(t, parts[0].Add(parts[1]).Equal(b.SellerNet))

	usd := c.CalculateIn(d("100.00"), "usd")
	assert.True(t, usd.SellerNet.Equal(d("95.00")))
}
