package pricing

import (
	"github.com/shopspring/decimal"
)

const DefaultQueueSize = 60

// PriceQueue is a bounded FIFO of observed prices.
type PriceQueue struct {
	size   int
	prices []int64
}

func NewPriceQueue(size int) *PriceQueue {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &PriceQueue{size: size, prices: make([]int64, 0, size)}
}

// Push appends price, evicting the oldest entry once the bound is exceeded.
func (q *PriceQueue) Push(price int64) {
	q.prices = append(q.prices, price)
	if len(q.prices) > q.size {
		q.prices = append(q.prices[:0], q.prices[len(q.prices)-q.size:]...)
	}
}

func (q *PriceQueue) Last() (int64, bool) {
	if q == nil || len(q.prices) == 0 {
		return 0, false
	}
	return q.prices[len(q.prices)-1], true
}

func (q *PriceQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.prices)
}

func (q *PriceQueue) Values() []int64 {
	if q == nil {
		return nil
	}
	out := make([]int64, len(q.prices))
	copy(out, q.prices)
	return out
}

// Volatility returns (max/min - 1)*100 over the window, positive when the
// maximum was observed after the minimum and negative otherwise.
func (q *PriceQueue) Volatility() decimal.Decimal {
	if q == nil || len(q.prices) < 2 {
		return decimal.Zero
	}
	minIdx, maxIdx := 0, 0
	for i, p := range q.prices {
		if p < q.prices[minIdx] {
			minIdx = i
		}
		if p > q.prices[maxIdx] {
			maxIdx = i
		}
	}
	low, high := q.prices[minIdx], q.prices[maxIdx]
	if low <= 0 || low == high {
		return decimal.Zero
	}
	pct := decimal.NewFromInt(high).Div(decimal.NewFromInt(low)).Sub(decimal.NewFromInt(1)).Mul(hundred)
	if maxIdx < minIdx {
		return pct.Neg()
	}
	return pct
}
