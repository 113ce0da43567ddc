package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/backtest"
	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/exchange/paper"
)

// BacktestRunner replays a price feed through a paper exchange. Each tick
// moves the paper price; a cycle runs whenever a poll interval of feed time
// has passed since the previous one.
type BacktestRunner struct {
	Exchange *paper.Exchange
	Feed     backtest.Feed
	Engine   *Engine
	Observer ReportObserver
	Log      *logrus.Entry
}

type BacktestResult struct {
	Ticks          int
	Cycles         int
	Outcomes       map[Outcome]int
	BuyFills       int
	SellFills      int
	StartTime      time.Time
	EndTime        time.Time
	StartPrice     int64
	EndPrice       int64
	StartEquityKRW decimal.Decimal
	EndEquityKRW   decimal.Decimal
	TotalReturnPct decimal.Decimal
	MaxDrawdownPct decimal.Decimal
	FeesKRW        decimal.Decimal
	FeesCoin       decimal.Decimal
	Final          paper.Snapshot
	OpenOrders     []core.TradeRecord
	Estimation     decimal.Decimal
	Daily          []DailyPnL
}

type DailyPnL struct {
	Date   string
	PnLKRW decimal.Decimal
}

func (r *BacktestRunner) Run(ctx context.Context) (BacktestResult, error) {
	result := BacktestResult{Outcomes: map[Outcome]int{}}
	if r.Feed != nil {
		defer r.Feed.Close()
	}
	log := r.Log
	if log == nil {
		log = logrus.WithField("component", "backtest")
	}

	var clock time.Time
	r.Engine.SetClock(func() time.Time { return clock })
	poll := r.Engine.Config().PollInterval

	var (
		state     CycleState
		lastCycle time.Time
		started   bool
		peak      decimal.Decimal
		maxDD     decimal.Decimal
		dayOrder  []string
	)
	dailyClose := map[string]decimal.Decimal{}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tick, err := r.Feed.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, err
		}
		clock = tick.Time.UTC()
		result.Ticks++
		for _, fill := range r.Exchange.SetPrice(tick.Price, clock) {
			if fill.Side == core.Buy {
				result.BuyFills++
			} else {
				result.SellFills++
			}
		}

		var report Report
		switch {
		case !started:
			started = true
			result.StartTime = clock
			result.StartPrice = tick.Price
			state, report = r.Engine.RunCycle(ctx, JobFirst, NewCycleState(clock, r.Engine.Config().PriceQueueSize))
		case clock.Sub(lastCycle) >= poll:
			state, report = r.Engine.RunCycle(ctx, JobRecurring, state)
		}
		if report.ID != "" {
			lastCycle = clock
			result.Cycles++
			result.Outcomes[report.Outcome]++
			if r.Observer != nil {
				r.Observer.ObserveReport(report)
			}
		}

		snap := r.Exchange.Snapshot()
		if result.StartEquityKRW.IsZero() {
			result.StartEquityKRW = snap.EquityKRW
		}
		if snap.EquityKRW.GreaterThan(peak) {
			peak = snap.EquityKRW
		}
		if peak.IsPositive() {
			if dd := peak.Sub(snap.EquityKRW).Div(peak); dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
		day := clock.Format("2006-01-02")
		if _, ok := dailyClose[day]; !ok {
			dayOrder = append(dayOrder, day)
		}
		dailyClose[day] = snap.EquityKRW
		result.EndTime = clock
		result.EndPrice = tick.Price
	}

	final := r.Exchange.Snapshot()
	result.Final = final
	result.EndEquityKRW = final.EquityKRW
	result.FeesKRW = final.FeesKRW
	result.FeesCoin = final.FeesCoin
	result.MaxDrawdownPct = maxDD.Mul(decimal.NewFromInt(100))
	if result.StartEquityKRW.IsPositive() {
		result.TotalReturnPct = result.EndEquityKRW.Sub(result.StartEquityKRW).
			Div(result.StartEquityKRW).Mul(decimal.NewFromInt(100))
	}
	if state.Placed != nil {
		result.OpenOrders = state.Placed.Records()
		result.Estimation = state.Placed.Estimation()
	}
	prev := result.StartEquityKRW
	for _, day := range dayOrder {
		result.Daily = append(result.Daily, DailyPnL{Date: day, PnLKRW: dailyClose[day].Sub(prev)})
		prev = dailyClose[day]
	}
	log.WithFields(logrus.Fields{
		"ticks":      result.Ticks,
		"cycles":     result.Cycles,
		"buy_fills":  result.BuyFills,
		"sell_fills": result.SellFills,
		"return_pct": result.TotalReturnPct.StringFixed(4),
	}).Info("backtest_finished")
	return result, nil
}
