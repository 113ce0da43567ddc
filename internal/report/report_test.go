package report

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/engine"
	"bithumb-gridbot/internal/exchange/paper"
	"bithumb-gridbot/internal/store"
)

func TestLedgerOrdersByPriceAndTotals(t *testing.T) {
	low, err := core.NewTrade("B1").Side(core.Buy).Units(decimal.RequireFromString("0.0025")).Price(40000000).Build()
	require.NoError(t, err)
	high, err := core.NewTrade("S1").Side(core.Sell).Units(decimal.RequireFromString("0.001")).Price(40600000).Build()
	require.NoError(t, err)

	var buf bytes.Buffer
	Ledger(&buf, "placed", []core.TradeRecord{low, high})
	out := buf.String()

	assert.Contains(t, out, "placed (2)")
	assert.Less(t, strings.Index(out, "40600000"), strings.Index(out, "40000000"))
	assert.Contains(t, out, "estimation: 140600 KRW")
}

func TestCycleShowsError(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	Cycle(&buf, engine.Report{
		ID:         "c1",
		Kind:       engine.JobFirst,
		Outcome:    engine.OutcomeAborted,
		Stage:      engine.StageBalance,
		StartedAt:  at,
		FinishedAt: at.Add(1500 * time.Millisecond),
		Err:        errors.New("transport failure"),
	})
	out := buf.String()
	assert.Contains(t, out, "aborted")
	assert.Contains(t, out, "transport failure")
	assert.Contains(t, out, "1.5s")
}

func TestFillsTotalsBySide(t *testing.T) {
	var buf bytes.Buffer
	Fills(&buf, []store.FillEntry{
		{Side: core.Buy, Price: 40000000, Units: decimal.RequireFromString("0.0025"), OrderID: "o1"},
		{Side: core.Sell, Price: 40600000, Units: decimal.RequireFromString("0.0024"), OrderID: "o2"},
	})
	assert.Contains(t, buf.String(), "bought: 100000 KRW  sold: 97440 KRW")
}

func TestBacktestSummary(t *testing.T) {
	var buf bytes.Buffer
	Backtest(&buf, engine.BacktestResult{
		Ticks:          4,
		Cycles:         3,
		Outcomes:       map[engine.Outcome]int{engine.OutcomeCompleted: 3},
		StartEquityKRW: decimal.NewFromInt(1000000),
		EndEquityKRW:   decimal.NewFromInt(1001000),
		TotalReturnPct: decimal.RequireFromString("0.1"),
		Final:          paper.Snapshot{TotalKRW: decimal.NewFromInt(997000)},
		Daily:          []engine.DailyPnL{{Date: "2024-01-02", PnLKRW: decimal.NewFromInt(1000)}},
	})
	out := buf.String()
	assert.Contains(t, out, "1000000 -> 1001000")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2024-01-02")
}
