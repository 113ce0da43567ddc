package pricing

import (
	"github.com/shopspring/decimal"
)

// maxFloorDepth bounds FloorPrice truncation to multiples of ten million.
const maxFloorDepth = 7

var hundred = decimal.NewFromInt(100)

// FloorPrice keeps only the most significant digit of price, truncating at
// most maxFloorDepth decimal places. Non-positive prices floor to zero.
func FloorPrice(price int64) int64 {
	if price <= 0 {
		return 0
	}
	depth := 0
	for price >= 10 && depth < maxFloorDepth {
		price /= 10
		depth++
	}
	for i := 0; i < depth; i++ {
		price *= 10
	}
	return price
}

// ProfitPrice is the per-trade target spread: FloorPrice(price)*rate/100, truncated.
func ProfitPrice(price int64, earningRatePercent decimal.Decimal) int64 {
	return percentOf(FloorPrice(price), earningRatePercent)
}

// IntervalPrice is the buy ladder rung spacing: FloorPrice(price)*rate/100, truncated.
func IntervalPrice(price int64, slotIntervalRatePercent decimal.Decimal) int64 {
	return percentOf(FloorPrice(price), slotIntervalRatePercent)
}

// LowerBoundPrice rounds price down to the nearest multiple of interval.
func LowerBoundPrice(price, interval int64) int64 {
	if interval <= 0 {
		return price
	}
	return price - price%interval
}

func percentOf(base int64, ratePercent decimal.Decimal) int64 {
	if base <= 0 || ratePercent.Cmp(decimal.Zero) <= 0 {
		return 0
	}
	return decimal.NewFromInt(base).Mul(ratePercent).Div(hundred).IntPart()
}

// Discretizer binds the configured rates. A zero SlotIntervalRate derives the
// interval as half the profit spread.
type Discretizer struct {
	EarningRate      decimal.Decimal
	SlotIntervalRate decimal.Decimal
}

func (d Discretizer) Profit(price int64) int64 {
	return ProfitPrice(price, d.EarningRate)
}

func (d Discretizer) Interval(price int64) int64 {
	if d.SlotIntervalRate.Cmp(decimal.Zero) > 0 {
		return IntervalPrice(price, d.SlotIntervalRate)
	}
	return d.Profit(price) / 2
}
