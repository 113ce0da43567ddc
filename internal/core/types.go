package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type Status string

const (
	Buy    Side = "BUY"
	Sell   Side = "SELL"
	NoSide Side = "NONE"
)

const (
	StatusPlaced    Status = "PLACED"
	StatusProcessed Status = "PROCESSED"
)

// ParseSide maps exchange order type strings ("bid"/"ask", "buy"/"sell") to a Side.
func ParseSide(raw string) Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bid", "buy":
		return Buy
	case "ask", "sell":
		return Sell
	default:
		return NoSide
	}
}

// Tradable reports whether the side is BUY or SELL.
func (s Side) Tradable() bool {
	return s == Buy || s == Sell
}

// TradeRecord is one order as seen by the ledger. Values are built through
// TradeBuilder and never mutated afterwards; WithMarked returns a copy.
type TradeRecord struct {
	ID           string          `json:"id"`
	Side         Side            `json:"side"`
	Status       Status          `json:"status"`
	Units        decimal.Decimal `json:"units"`
	Price        int64           `json:"price"`
	FeeRaw       string          `json:"fee_raw,omitempty"`
	FeeEvaluated decimal.Decimal `json:"fee_evaluated"`
	PlacedAt     time.Time       `json:"placed_at,omitempty"`
	ProcessedAt  time.Time       `json:"processed_at,omitempty"`
	Marked       bool            `json:"-"`
}

// Amount is price*units in the payment currency.
func (r TradeRecord) Amount() decimal.Decimal {
	return decimal.NewFromInt(r.Price).Mul(r.Units)
}

func (r TradeRecord) WithMarked(marked bool) TradeRecord {
	r.Marked = marked
	return r
}

type Balance struct {
	TotalKRW      decimal.Decimal `json:"total_krw"`
	InUseKRW      decimal.Decimal `json:"in_use_krw"`
	AvailableKRW  decimal.Decimal `json:"available_krw"`
	TotalCoin     decimal.Decimal `json:"total_coin"`
	InUseCoin     decimal.Decimal `json:"in_use_coin"`
	AvailableCoin decimal.Decimal `json:"available_coin"`
	LastPrice     int64           `json:"last_price"`
}
