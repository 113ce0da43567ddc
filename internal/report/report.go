// Package report renders ledgers, cycle reports and backtest results as
// console tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/engine"
	"bithumb-gridbot/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// Ledger prints one row per record, ordered by price descending.
func Ledger(w io.Writer, title string, recs []core.TradeRecord) {
	rows := append([]core.TradeRecord(nil), recs...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Price > rows[j].Price })

	fmt.Fprintf(w, "\n%s (%d)\n", title, len(rows))
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Side", "Status", "Price", "Units", "Amount", "Placed", "Processed", "Fee")
	total := decimal.Zero
	for _, rec := range rows {
		amount := rec.Amount()
		total = total.Add(amount)
		table.Append(
			rec.ID,
			string(rec.Side),
			string(rec.Status),
			fmt.Sprintf("%d", rec.Price),
			rec.Units.String(),
			amount.StringFixed(0),
			stamp(rec.PlacedAt),
			stamp(rec.ProcessedAt),
			rec.FeeEvaluated.String(),
		)
	}
	table.Render()
	fmt.Fprintf(w, "  estimation: %s KRW\n", total.StringFixed(0))
}

// Cycle prints a one-block summary of a cycle report.
func Cycle(w io.Writer, r engine.Report) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("cycle", r.ID)
	table.Append("kind", string(r.Kind))
	table.Append("outcome", string(r.Outcome))
	table.Append("stage", r.Stage)
	table.Append("price", fmt.Sprintf("%d", r.Price))
	table.Append("profit", fmt.Sprintf("%d", r.Profit))
	table.Append("interval", fmt.Sprintf("%d", r.Interval))
	table.Append("volatility %", r.Volatility.StringFixed(2))
	table.Append("placed / canceled", fmt.Sprintf("%d / %d", r.Placed, r.Canceled))
	table.Append("notified", fmt.Sprintf("%d", r.Notified))
	table.Append("elapsed", r.Duration().Round(time.Millisecond).String())
	if r.Err != nil {
		table.Append("error", r.Err.Error())
	}
	table.Render()
}

// Fills prints journal entries with a per-side total.
func Fills(w io.Writer, entries []store.FillEntry) {
	table := tablewriter.NewWriter(w)
	table.Header("Processed", "Side", "Price", "Units", "Amount", "Fee", "Order")
	totals := map[core.Side]decimal.Decimal{}
	for _, e := range entries {
		amount := e.Units.Mul(decimal.NewFromInt(e.Price))
		totals[e.Side] = totals[e.Side].Add(amount)
		table.Append(
			stamp(e.ProcessedAt),
			string(e.Side),
			fmt.Sprintf("%d", e.Price),
			e.Units.String(),
			amount.StringFixed(0),
			e.Fee.String(),
			e.OrderID,
		)
	}
	table.Render()
	fmt.Fprintf(w, "  bought: %s KRW  sold: %s KRW\n",
		totals[core.Buy].StringFixed(0), totals[core.Sell].StringFixed(0))
}

// Backtest prints the replay summary and the daily equity change.
func Backtest(w io.Writer, res engine.BacktestResult) {
	fmt.Fprintf(w, "\nbacktest %s .. %s\n", stamp(res.StartTime), stamp(res.EndTime))
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	table.Append("ticks", fmt.Sprintf("%d", res.Ticks))
	table.Append("cycles", fmt.Sprintf("%d", res.Cycles))
	outcomes := make([]string, 0, len(res.Outcomes))
	for o := range res.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		table.Append("  "+o, fmt.Sprintf("%d", res.Outcomes[engine.Outcome(o)]))
	}
	table.Append("buy fills", fmt.Sprintf("%d", res.BuyFills))
	table.Append("sell fills", fmt.Sprintf("%d", res.SellFills))
	table.Append("price", fmt.Sprintf("%d -> %d", res.StartPrice, res.EndPrice))
	table.Append("equity KRW", fmt.Sprintf("%s -> %s", res.StartEquityKRW.StringFixed(0), res.EndEquityKRW.StringFixed(0)))
	table.Append("return %", res.TotalReturnPct.StringFixed(4))
	table.Append("max drawdown %", res.MaxDrawdownPct.StringFixed(4))
	table.Append("fees KRW", res.FeesKRW.StringFixed(0))
	table.Append("fees coin", res.FeesCoin.String())
	table.Append("final KRW", res.Final.TotalKRW.StringFixed(0))
	table.Append("final coin", res.Final.TotalCoin.String())
	table.Append("open orders", fmt.Sprintf("%d", len(res.OpenOrders)))
	table.Append("estimation KRW", res.Estimation.StringFixed(0))
	table.Render()

	if len(res.Daily) == 0 {
		return
	}
	daily := tablewriter.NewWriter(w)
	daily.Header("Date", "PnL KRW")
	for _, d := range res.Daily {
		daily.Append(d.Date, d.PnLKRW.StringFixed(0))
	}
	daily.Render()
}
