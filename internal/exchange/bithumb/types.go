package bithumb

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	statusOK        = "0000"
	statusNoPending = "5600"
)

type envelope struct {
	Status  string
	Message string
	Data    json.RawMessage
	OrderID string
}

type rawEnvelope struct {
	Status  json.RawMessage `json:"status"`
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
	OrderID json.RawMessage `json:"order_id"`
}

type orderBookData struct {
	Timestamp json.RawMessage  `json:"timestamp"`
	Bids      []orderBookLevel `json:"bids"`
	Asks      []orderBookLevel `json:"asks"`
}

type orderBookLevel struct {
	Price    json.RawMessage `json:"price"`
	Quantity json.RawMessage `json:"quantity"`
}

type openOrder struct {
	OrderID        string          `json:"order_id"`
	OrderDate      json.RawMessage `json:"order_date"`
	Type           string          `json:"type"`
	Units          json.RawMessage `json:"units"`
	UnitsRemaining json.RawMessage `json:"units_remaining"`
	Price          json.RawMessage `json:"price"`
}

type userTransaction struct {
	Search       json.RawMessage `json:"search"`
	TransferDate json.RawMessage `json:"transfer_date"`
	Units        json.RawMessage `json:"units"`
	Price        json.RawMessage `json:"price"`
	Fee          json.RawMessage `json:"fee"`
	FeeCurrency  string          `json:"fee_currency"`
}

// rawText returns the JSON scalar as text: strings are unquoted, numbers kept verbatim.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

// parseAmount reads exchange amounts that may carry thousands separators or a
// leading sign ("- 0.0012", "43,250,000"). The magnitude is returned.
func parseAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	text := rawText(raw)
	text = strings.NewReplacer(",", "", " ", "", "+", "").Replace(text)
	text = strings.TrimPrefix(text, "-")
	if text == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

func parsePrice(raw json.RawMessage) (int64, bool) {
	v, ok := parseAmount(raw)
	if !ok {
		return 0, false
	}
	return v.IntPart(), true
}

// parseMicros converts exchange microsecond timestamps.
func parseMicros(raw json.RawMessage) (time.Time, bool) {
	text := rawText(raw)
	if text == "" {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}, false
	}
	switch {
	case v >= 1_000_000_000_000_000:
		return time.UnixMicro(v).UTC(), true
	case v >= 1_000_000_000_000:
		return time.UnixMilli(v).UTC(), true
	default:
		return time.Unix(v, 0).UTC(), true
	}
}
