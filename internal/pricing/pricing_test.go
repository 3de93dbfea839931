package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var even = State{YesShares: 1000, NoShares: 1000}

func TestPrices(t *testing.T) {
	yes, no := Prices(even)
	assert.InDelta(t, 0.5, yes, 1e-12)
	assert.InDelta(t, 0.5, no, 1e-12)

	yes, no = Prices(State{YesShares: 250, NoShares: 750})
	assert.InDelta(t, 0.75, yes, 1e-12)
	assert.InDelta(t, 1.0, yes+no, 1e-12)

	yes, _ = Prices(State{})
	assert.Equal(t, 0.5, yes)
}

func TestBuy_MovesPriceUpAndKeepsInvariant(t *testing.T) {
	for _, o := range []Outcome{Yes, No} {
		imp, err := PriceImpactForTrade(even, Trade{Side: Buy, Outcome: o, Amount: 100})
		require.NoError(t, err)

		assert.Greater(t, imp.Proceeds, 100.0, "more shares than collateral below price 1")
		assert.Greater(t, imp.NewPrice, 0.5)
		assert.Greater(t, imp.PriceImpact, 0.0)
		assert.InDelta(t, even.YesShares*even.NoShares, imp.NewState.YesShares*imp.NewState.NoShares, 1e-6)
		assert.InDelta(t, 100/imp.Proceeds, imp.AvgPrice, 1e-12)
	}
}

func TestBuyThenSellRoundTrips(t *testing.T) {
	buy, err := PriceImpactForTrade(even, Trade{Side: Buy, Outcome: Yes, Amount: 100})
	require.NoError(t, err)

	sell, err := PriceImpactForTrade(buy.NewState, Trade{Side: Sell, Outcome: Yes, Amount: buy.Proceeds})
	require.NoError(t, err)

	assert.InDelta(t, 100, sell.Proceeds, 1e-6)
	assert.InDelta(t, even.YesShares, sell.NewState.YesShares, 1e-6)
	assert.InDelta(t, even.NoShares, sell.NewState.NoShares, 1e-6)
	assert.Less(t, sell.PriceImpact, 0.0)
}

func TestSell_NeverExceedsShares(t *testing.T) {
	imp, err := PriceImpactForTrade(even, Trade{Side: Sell, Outcome: No, Amount: 1e9})
	require.NoError(t, err)
	assert.Less(t, imp.Proceeds, even.YesShares)
	assert.Greater(t, imp.NewState.YesShares, 0.0)
	assert.Greater(t, imp.NewState.NoShares, 0.0)
}

func TestPriceImpactForTrade_Errors(t *testing.T) {
	tests := []struct {
		name  string
		state State
		trade Trade
		want  error
	}{
		{"zero amount", even, Trade{Side: Buy, Outcome: Yes}, ErrInvalidAmount},
		{"negative amount", even, Trade{Side: Buy, Outcome: Yes, Amount: -1}, ErrInvalidAmount},
		{"nan amount", even, Trade{Side: Buy, Outcome: Yes, Amount: math.NaN()}, ErrInvalidAmount},
		{"bad outcome", even, Trade{Side: Buy, Outcome: "MAYBE", Amount: 1}, ErrInvalidOutcome},
		{"bad side", even, Trade{Side: "hold", Outcome: Yes, Amount: 1}, ErrInvalidSide},
		{"empty pool", State{}, Trade{Side: Buy, Outcome: Yes, Amount: 1}, ErrInsufficientLiquidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PriceImpactForTrade(tt.state, tt.trade)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPriceImpactForTrade_Deterministic(t *testing.T) {
	tr := Trade{Side: Buy, Outcome: No, Amount: 42}
	a, _ := PriceImpactForTrade(even, tr)
	b, _ := PriceImpactForTrade(even, tr)
	assert.Equal(t, a, b)
}
