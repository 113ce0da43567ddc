package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorPriceScenarios(t *testing.T) {
	cases := []struct {
		in   int64
		want int64
	}{
		{43_250_000, 40_000_000},
		{123_456_789, 120_000_000},
		{9_999_999, 9_000_000},
		{5_120, 5_000},
		{7, 7},
		{0, 0},
		{-15, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FloorPrice(tc.in), "FloorPrice(%d)", tc.in)
	}
}

func TestFloorPriceIdempotent(t *testing.T) {
	for _, p := range []int64{1, 19, 999, 43_250_000, 87_654_321, 1_234_567_890, 98_765_432_100} {
		once := FloorPrice(p)
		assert.Equal(t, once, FloorPrice(once), "FloorPrice not idempotent for %d", p)
	}
}

func TestProfitAndIntervalScenario(t *testing.T) {
	one := decimal.NewFromInt(1)
	assert.Equal(t, int64(400_000), ProfitPrice(43_250_000, one))
	assert.Equal(t, int64(200_000), IntervalPrice(43_250_000, decimal.RequireFromString("0.5")))

	d := Discretizer{EarningRate: one}
	assert.Equal(t, int64(400_000), d.Profit(43_250_000))
	assert.Equal(t, int64(200_000), d.Interval(43_250_000))

	d.SlotIntervalRate = decimal.RequireFromString("0.25")
	assert.Equal(t, int64(100_000), d.Interval(43_250_000))
}

func TestProfitAndIntervalNeverNegative(t *testing.T) {
	rates := []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-3), decimal.RequireFromString("0.1"), decimal.NewFromInt(2)}
	for _, p := range []int64{-100, 0, 1, 55, 43_250_000} {
		for _, r := range rates {
			assert.GreaterOrEqual(t, ProfitPrice(p, r), int64(0))
			assert.GreaterOrEqual(t, IntervalPrice(p, r), int64(0))
		}
	}
}

func TestLowerBoundPrice(t *testing.T) {
	assert.Equal(t, int64(43_200_000), LowerBoundPrice(43_250_000, 200_000))
	assert.Equal(t, int64(43_250_000), LowerBoundPrice(43_250_000, 0))
}

func TestPriceQueueEvictsOldest(t *testing.T) {
	q := NewPriceQueue(3)
	for _, p := range []int64{1, 2, 3, 4} {
		q.Push(p)
	}
	assert.Equal(t, []int64{2, 3, 4}, q.Values())
	last, ok := q.Last()
	require.True(t, ok)
	assert.Equal(t, int64(4), last)
}

func TestPriceQueueVolatilitySign(t *testing.T) {
	rising := NewPriceQueue(60)
	rising.Push(100)
	rising.Push(110)
	assert.True(t, rising.Volatility().Equal(decimal.NewFromInt(10)), rising.Volatility().String())

	falling := NewPriceQueue(60)
	falling.Push(110)
	falling.Push(100)
	assert.True(t, falling.Volatility().Equal(decimal.NewFromInt(10).Neg()), falling.Volatility().String())

	flat := NewPriceQueue(60)
	flat.Push(100)
	assert.True(t, flat.Volatility().IsZero())
}
