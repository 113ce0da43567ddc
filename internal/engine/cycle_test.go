package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/exchange"
	"bithumb-gridbot/internal/exchange/paper"
	"bithumb-gridbot/internal/notify"
	"bithumb-gridbot/internal/pricing"
)

var now = time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		UnitTradeAmount: decimal.NewFromInt(100000),
		Pricing:         pricing.Discretizer{EarningRate: decimal.NewFromInt(1)},
		PollInterval:    time.Minute,
		HistoryPageSize: 15,
		HistoryMaxPages: 5,
		Lookback:        24 * time.Hour,
	}
}

func newTestEngine(ex exchange.Exchange) (*Engine, *notify.Recorder) {
	logger, _ := logtest.NewNullLogger()
	rec := &notify.Recorder{}
	e := New(ex, testConfig(), rec, logrus.NewEntry(logger))
	e.now = func() time.Time { return now }
	return e, rec
}

func funded() core.Balance {
	return core.Balance{
		AvailableKRW:  decimal.NewFromInt(1000000),
		AvailableCoin: decimal.RequireFromString("0.001"),
	}
}

func TestFirstCyclePlacesBuyAtLowerBound(t *testing.T) {
	ex := &scriptedExchange{balance: funded(), prices: []int64{43250000}}
	e, rec := newTestEngine(ex)

	state, report := e.RunCycle(context.Background(), JobFirst, NewCycleState(now, 60))
	require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)
	assert.Equal(t, int64(400000), report.Profit)
	assert.Equal(t, int64(200000), report.Interval)
	require.Len(t, ex.placeCalls, 1)
	assert.Equal(t, core.Buy, ex.placeCalls[0].Side)
	assert.Equal(t, int64(43200000), ex.placeCalls[0].Price)
	assert.True(t, ex.placeCalls[0].Units.Equal(decimal.RequireFromString("0.0023")))
	assert.Equal(t, 1, state.Placed.CountBySide(core.Buy))
	assert.Equal(t, int64(43250000), state.CurrentPrice)
	assert.Empty(t, rec.Events())
}

func TestStalePriceAbortsBeforeAnyMutation(t *testing.T) {
	ex := &scriptedExchange{balance: funded(), prices: []int64{43250000}}
	e, _ := newTestEngine(ex)

	state, first := e.RunCycle(context.Background(), JobFirst, NewCycleState(now, 60))
	require.Equal(t, OutcomeCompleted, first.Outcome)
	before := ex.mutations()

	_, second := e.RunCycle(context.Background(), JobRecurring, state)
	assert.Equal(t, OutcomeStalePrice, second.Outcome)
	assert.Equal(t, StagePrice, second.Stage)
	assert.ErrorIs(t, second.Err, core.ErrStalePrice)
	assert.Equal(t, before, ex.mutations())
}

func TestSellLadderFallsBackThroughRungs(t *testing.T) {
	fill := fillAt(core.Buy, 40000000, "0.001", now.Add(-10*time.Minute))
	cases := []struct {
		name      string
		occupied  []int64
		wantPrice int64
		titles    []string
	}{
		{name: "top rung", wantPrice: 40600000, titles: []string{notify.TitleBuy}},
		{name: "second rung", occupied: []int64{40600000}, wantPrice: 40400000, titles: []string{notify.TitleBuy}},
		{name: "third rung", occupied: []int64{40600000, 40400000}, wantPrice: 40200000, titles: []string{notify.TitleBuy}},
		{name: "all occupied", occupied: []int64{40600000, 40400000, 40200000}, titles: []string{notify.TitleBuy, notify.TitleSellFailed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex := &scriptedExchange{
				balance:   funded(),
				prices:    []int64{40100000},
				processed: []core.TradeRecord{fill},
			}
			for i, p := range tc.occupied {
				ex.placed = append(ex.placed, openOrder(fmt.Sprintf("S%d", i), core.Sell, p))
			}
			e, rec := newTestEngine(ex)

			state, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now.Add(-time.Hour), 60))
			require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)
			sells := ex.placesOn(core.Sell)
			if tc.wantPrice == 0 {
				assert.Empty(t, sells)
			} else {
				require.Len(t, sells, 1)
				assert.Equal(t, tc.wantPrice, sells[0].Price)
				assert.True(t, sells[0].Units.Equal(decimal.RequireFromString("0.001")))
			}
			assert.Equal(t, tc.titles, rec.Titles())
			assert.Equal(t, fill.ProcessedAt, state.LastNotifiedAt)
		})
	}
}

func TestPairedSellIsVisibleToBuyLadderInSameCycle(t *testing.T) {
	ex := &scriptedExchange{
		balance:   funded(),
		prices:    []int64{40500000},
		processed: []core.TradeRecord{fillAt(core.Buy, 40200000, "0.001", now.Add(-time.Minute))},
	}
	e, _ := newTestEngine(ex)

	_, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now.Add(-time.Hour), 60))
	require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)

	sells := ex.placesOn(core.Sell)
	require.Len(t, sells, 1)
	assert.Equal(t, int64(40800000), sells[0].Price)
	buys := ex.placesOn(core.Buy)
	require.Len(t, buys, 1)
	assert.Equal(t, int64(40200000), buys[0].Price, "40400000 is paired with the new 40800000 sell")
}

func TestSellUnitsTrimmedToAvailableCoin(t *testing.T) {
	ex := &scriptedExchange{
		balance: core.Balance{
			AvailableKRW:  decimal.NewFromInt(1000000),
			AvailableCoin: decimal.RequireFromString("0.0009975"),
		},
		prices:    []int64{40100000},
		processed: []core.TradeRecord{fillAt(core.Buy, 40000000, "0.001", now.Add(-time.Minute))},
	}
	e, _ := newTestEngine(ex)

	e.RunCycle(context.Background(), JobRecurring, NewCycleState(now.Add(-time.Hour), 60))
	sells := ex.placesOn(core.Sell)
	require.Len(t, sells, 1)
	assert.True(t, sells[0].Units.Equal(decimal.RequireFromString("0.0009")))
}

func TestPartialFillsAtOnePriceMergeIntoOneSell(t *testing.T) {
	first := fillAt(core.Buy, 40000000, "0.0005", now.Add(-10*time.Minute))
	second := fillAt(core.Buy, 40000000, "0.0005", now.Add(-9*time.Minute))
	ex := &scriptedExchange{
		balance:   funded(),
		prices:    []int64{40100000},
		processed: []core.TradeRecord{second, first},
	}
	e, rec := newTestEngine(ex)

	state, _ := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now.Add(-time.Hour), 60))
	sells := ex.placesOn(core.Sell)
	require.Len(t, sells, 1)
	assert.True(t, sells[0].Units.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, []string{notify.TitleBuy}, rec.Titles())
	assert.Equal(t, second.ProcessedAt, state.LastNotifiedAt)
}

func TestBuyLadderCancelsEveryOpenBuy(t *testing.T) {
	ex := &scriptedExchange{
		balance: funded(),
		prices:  []int64{40100000},
		placed: []core.TradeRecord{
			openOrder("B1", core.Buy, 39000000),
			openOrder("B2", core.Buy, 38800000),
		},
	}
	e, _ := newTestEngine(ex)

	state, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now, 60))
	require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)
	assert.Equal(t, []string{"B1", "B2"}, ex.cancelCalls)
	require.Len(t, ex.placeCalls, 1)
	assert.Equal(t, int64(40000000), ex.placeCalls[0].Price)
	assert.Equal(t, 2, report.Canceled)
	assert.Equal(t, 1, report.Placed)
	buys := state.Placed.FilterBySide(core.Buy)
	require.Len(t, buys, 1)
	assert.Equal(t, int64(40000000), buys[0].Price)
}

func TestBuyLadderTreatsMissingOrderAsCanceled(t *testing.T) {
	ex := &scriptedExchange{
		balance: funded(),
		prices:  []int64{40100000},
		placed:  []core.TradeRecord{openOrder("B1", core.Buy, 39000000)},
		cancelErr: func(id string) error {
			return fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
		},
	}
	e, _ := newTestEngine(ex)

	_, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now, 60))
	require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)
	assert.Zero(t, report.Canceled)
	assert.Len(t, ex.placeCalls, 1)
}

func TestBuyLadderStopsAtExistingBuy(t *testing.T) {
	ex := &scriptedExchange{
		balance: funded(),
		prices:  []int64{40100000},
		placed:  []core.TradeRecord{openOrder("B1", core.Buy, 40000000)},
	}
	e, _ := newTestEngine(ex)

	_, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now, 60))
	require.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Zero(t, ex.mutations())
}

func TestBuyLadderSkipsRungsWithPairedSell(t *testing.T) {
	ex := &scriptedExchange{
		balance: funded(),
		prices:  []int64{40100000},
		placed:  []core.TradeRecord{openOrder("S1", core.Sell, 40400000)},
	}
	e, _ := newTestEngine(ex)

	e.RunCycle(context.Background(), JobRecurring, NewCycleState(now, 60))
	require.Len(t, ex.placeCalls, 1)
	assert.Equal(t, int64(39800000), ex.placeCalls[0].Price)
	assert.Empty(t, ex.cancelCalls)
}

func TestInsufficientBalanceSkipsBuy(t *testing.T) {
	book := paper.New(paper.Options{InitialKRW: decimal.NewFromInt(10000)})
	book.SetPrice(43250000, now)
	e, rec := newTestEngine(book)

	state, report := e.RunCycle(context.Background(), JobFirst, NewCycleState(now, 60))
	assert.Equal(t, OutcomeInsufficientBalance, report.Outcome)
	assert.Equal(t, StageDone, report.Stage)
	assert.ErrorIs(t, report.Err, core.ErrInsufficientBalance)
	assert.NotErrorIs(t, report.Err, core.ErrTransport)
	assert.NotErrorIs(t, report.Err, core.ErrBusiness)
	assert.Equal(t, []string{notify.TitleBuySkipped}, rec.Titles())
	assert.Zero(t, state.Placed.Len())
}

func TestExecuteReschedulesOnlyRecurringCycles(t *testing.T) {
	ex := &scriptedExchange{balanceErr: fmt.Errorf("%w: timeout", core.ErrTransport)}
	e, rec := newTestEngine(ex)

	host := &hostSpy{}
	e.Execute(context.Background(), host, JobRecurring, NewCycleState(now, 60))
	assert.Equal(t, []time.Duration{time.Minute}, host.scheduled)
	require.Len(t, host.finished, 1)
	assert.Equal(t, OutcomeAborted, host.finished[0].Outcome)
	assert.Equal(t, StageBalance, host.finished[0].Stage)
	assert.ErrorIs(t, host.finished[0].Err, core.ErrTransport)

	host = &hostSpy{}
	e.Execute(context.Background(), host, JobFirst, NewCycleState(now, 60))
	assert.Empty(t, host.scheduled)
	assert.Len(t, host.finished, 1)
	assert.Zero(t, ex.mutations())
	assert.Empty(t, rec.Events(), "transport failures are not user notifications")
}

func TestPlacedOrderFailureAbortsBeforePlanning(t *testing.T) {
	ex := &scriptedExchange{
		balance:   funded(),
		prices:    []int64{40100000},
		placedErr: fmt.Errorf("%w: 5100", core.ErrBusiness),
	}
	e, _ := newTestEngine(ex)

	_, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now, 60))
	assert.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, StagePlaced, report.Stage)
	assert.Zero(t, ex.mutations())
}

func TestFailedSellIsRetriedNextCycle(t *testing.T) {
	fill := fillAt(core.Buy, 40000000, "0.001", now.Add(-10*time.Minute))
	failing := true
	ex := &scriptedExchange{
		balance:   funded(),
		prices:    []int64{40100000, 40150000},
		processed: []core.TradeRecord{fill},
		placeErr: func(side core.Side, price int64) error {
			if side == core.Sell && failing {
				return fmt.Errorf("%w: timeout", core.ErrTransport)
			}
			return nil
		},
	}
	e, _ := newTestEngine(ex)
	start := now.Add(-time.Hour)

	state, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(start, 60))
	assert.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, StageFills, report.Stage)
	assert.Equal(t, start, state.LastNotifiedAt)
	assert.Empty(t, ex.placesOn(core.Buy))

	failing = false
	state, report = e.RunCycle(context.Background(), JobRecurring, state)
	require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)
	sells := ex.placesOn(core.Sell)
	require.Len(t, sells, 2)
	assert.Equal(t, int64(40600000), sells[1].Price)
	assert.Equal(t, fill.ProcessedAt, state.LastNotifiedAt)
}

func stocked() core.Balance {
	return core.Balance{
		AvailableKRW:  decimal.NewFromInt(1000000),
		AvailableCoin: decimal.RequireFromString("0.01"),
	}
}

func TestAbortedMergedSellKeepsOlderPartialFill(t *testing.T) {
	a := fillAt(core.Buy, 40000000, "0.001", now.Add(-10*time.Minute))
	b := fillAt(core.Buy, 39800000, "0.001", now.Add(-9*time.Minute))
	c := fillAt(core.Buy, 40000000, "0.001", now.Add(-8*time.Minute))
	failing := true
	ex := &scriptedExchange{
		balance:   stocked(),
		prices:    []int64{40100000, 40150000},
		processed: []core.TradeRecord{c, b, a},
		placeErr: func(side core.Side, price int64) error {
			if side == core.Sell && price == 40600000 && failing {
				return fmt.Errorf("%w: timeout", core.ErrTransport)
			}
			return nil
		},
	}
	e, _ := newTestEngine(ex)
	start := now.Add(-time.Hour)

	state, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(start, 60))
	require.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, StageFills, report.Stage)
	assert.True(t, state.LastNotifiedAt.Before(a.ProcessedAt))

	failing = false
	state, report = e.RunCycle(context.Background(), JobRecurring, state)
	require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)

	var merged []core.TradeRecord
	for _, rec := range ex.openOn(core.Sell) {
		if rec.Price == 40600000 {
			merged = append(merged, rec)
		}
	}
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Units.Equal(decimal.RequireFromString("0.002")), "units=%s", merged[0].Units)
	assert.Len(t, ex.openOn(core.Sell), 2)
	assert.Equal(t, c.ProcessedAt, state.LastNotifiedAt)
}

func TestHandledGroupNotReplayedAfterLaterAbort(t *testing.T) {
	a := fillAt(core.Buy, 40000000, "0.001", now.Add(-10*time.Minute))
	b := fillAt(core.Buy, 39800000, "0.001", now.Add(-9*time.Minute))
	c := fillAt(core.Buy, 40000000, "0.001", now.Add(-8*time.Minute))
	failing := true
	ex := &scriptedExchange{
		balance:   stocked(),
		prices:    []int64{40100000, 40150000},
		processed: []core.TradeRecord{a, b, c},
		placeErr: func(side core.Side, price int64) error {
			if side == core.Sell && price != 40600000 && failing {
				return fmt.Errorf("%w: timeout", core.ErrTransport)
			}
			return nil
		},
	}
	e, rec := newTestEngine(ex)

	state, report := e.RunCycle(context.Background(), JobRecurring, NewCycleState(now.Add(-time.Hour), 60))
	require.Equal(t, OutcomeAborted, report.Outcome)
	assert.Equal(t, StageFills, report.Stage)
	assert.Equal(t, a.ProcessedAt, state.LastNotifiedAt, "c is handled but b is still pending")
	require.Len(t, ex.openOn(core.Sell), 1)

	failing = false
	state, report = e.RunCycle(context.Background(), JobRecurring, state)
	require.Equal(t, OutcomeCompleted, report.Outcome, "err=%v", report.Err)

	sells := ex.openOn(core.Sell)
	require.Len(t, sells, 2)
	assert.Equal(t, int64(40600000), sells[0].Price)
	assert.True(t, sells[0].Units.Equal(decimal.RequireFromString("0.002")))
	assert.NotEqual(t, int64(40600000), sells[1].Price)
	assert.True(t, sells[1].Units.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, []string{notify.TitleBuy, notify.TitleBuy, notify.TitleBuy}, rec.Titles())
	assert.Equal(t, c.ProcessedAt, state.LastNotifiedAt)
}

func TestFillsNotifiedOnceAcrossCycles(t *testing.T) {
	ex := &scriptedExchange{
		balance:   funded(),
		prices:    []int64{40100000, 40150000, 40250000},
		processed: []core.TradeRecord{fillAt(core.Sell, 40600000, "0.001", now.Add(-5*time.Minute))},
	}
	e, rec := newTestEngine(ex)

	state := NewCycleState(now.Add(-time.Hour), 60)
	for i := 0; i < 3; i++ {
		state, _ = e.RunCycle(context.Background(), JobRecurring, state)
	}
	assert.Equal(t, []string{notify.TitleSell}, rec.Titles())
	assert.Equal(t, 1, state.Processed.Len())
	assert.Equal(t, 1, state.LastSell.Units.Sign())
}

func TestFillsBeforeStartAreIgnored(t *testing.T) {
	ex := &scriptedExchange{
		balance:   funded(),
		prices:    []int64{40100000},
		processed: []core.TradeRecord{fillAt(core.Buy, 40000000, "0.001", now.Add(-5*time.Minute))},
	}
	e, rec := newTestEngine(ex)

	state, _ := e.RunCycle(context.Background(), JobFirst, NewCycleState(now, 60))
	assert.Empty(t, rec.Events())
	assert.Empty(t, ex.placesOn(core.Sell))
	assert.Equal(t, int64(40000000), state.LastBuy.Price)
}

func TestProcessedHistoryPagesUntilLookback(t *testing.T) {
	var history []core.TradeRecord
	for i := 1; i <= 20; i++ {
		history = append(history, fillAt(core.Sell, 40000000+int64(i), "0.001", now.Add(-time.Duration(i)*time.Minute)))
	}
	ex := &scriptedExchange{balance: funded(), prices: []int64{40100000}, processed: history}
	e, _ := newTestEngine(ex)

	state, _ := e.RunCycle(context.Background(), JobFirst, NewCycleState(now, 60))
	assert.Equal(t, [][2]int{{0, 15}, {15, 15}}, ex.historyCalls)
	assert.Equal(t, 20, state.Processed.Len())

	old := append([]core.TradeRecord(nil), history[:10]...)
	for i := 0; i < 20; i++ {
		old = append(old, fillAt(core.Sell, 39000000+int64(i), "0.001", now.Add(-48*time.Hour-time.Duration(i)*time.Minute)))
	}
	ex = &scriptedExchange{balance: funded(), prices: []int64{40100000}, processed: old}
	e, _ = newTestEngine(ex)
	state, _ = e.RunCycle(context.Background(), JobFirst, NewCycleState(now, 60))
	assert.Equal(t, [][2]int{{0, 15}}, ex.historyCalls)
	assert.Equal(t, 10, state.Processed.Len())
}
