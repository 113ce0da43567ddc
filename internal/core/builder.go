package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradeBuilder assembles a TradeRecord. Every setter returns a new builder so a
// partially configured builder can be reused as a template.
type TradeBuilder struct {
	rec TradeRecord
}

func NewTrade(id string) TradeBuilder {
	return TradeBuilder{rec: TradeRecord{
		ID:           strings.TrimSpace(id),
		Side:         NoSide,
		Status:       StatusPlaced,
		Units:        decimal.Zero,
		FeeEvaluated: decimal.Zero,
	}}
}

func (b TradeBuilder) Side(side Side) TradeBuilder {
	b.rec.Side = side
	return b
}

func (b TradeBuilder) Status(status Status) TradeBuilder {
	b.rec.Status = status
	return b
}

func (b TradeBuilder) Units(units decimal.Decimal) TradeBuilder {
	b.rec.Units = units
	return b
}

func (b TradeBuilder) Price(price int64) TradeBuilder {
	b.rec.Price = price
	return b
}

// Fee keeps the raw exchange fee string and its literal decimal value.
// Unparseable fees evaluate to zero.
func (b TradeBuilder) Fee(raw string) TradeBuilder {
	b.rec.FeeRaw = raw
	b.rec.FeeEvaluated = EvaluateFee(raw)
	return b
}

func (b TradeBuilder) PlacedAt(at time.Time) TradeBuilder {
	b.rec.PlacedAt = at
	return b
}

func (b TradeBuilder) ProcessedAt(at time.Time) TradeBuilder {
	b.rec.ProcessedAt = at
	return b
}

func (b TradeBuilder) Build() (TradeRecord, error) {
	if b.rec.Units.Cmp(decimal.Zero) <= 0 {
		return TradeRecord{}, fmt.Errorf("%w: units must be > 0, got %s", ErrInvalidRecord, b.rec.Units)
	}
	if b.rec.Price <= 0 {
		return TradeRecord{}, fmt.Errorf("%w: price must be > 0, got %d", ErrInvalidRecord, b.rec.Price)
	}
	switch b.rec.Status {
	case StatusPlaced, StatusProcessed:
	default:
		return TradeRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, b.rec.Status)
	}
	return b.rec, nil
}

// EvaluateFee parses the raw fee as a plain decimal. BUY fees are quoted in
// coin and SELL fees in KRW; both are parsed the same way.
func EvaluateFee(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return v
}
