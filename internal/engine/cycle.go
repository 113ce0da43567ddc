package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/exchange"
	"bithumb-gridbot/internal/ledger"
	"bithumb-gridbot/internal/notify"
	"bithumb-gridbot/internal/pricing"
)

// ladderRungs is how many price levels the sell and buy ladders try per fill or tick.
const ladderRungs = 3

// JobHost is the scheduler a cycle reports back to. Finished is called after
// every cycle; ScheduleNext is called for recurring cycles whether they
// complete or abort.
type JobHost interface {
	ScheduleNext(delay time.Duration)
	Finished(report Report)
}

type requestClock interface {
	LastRequestAt() time.Time
}

// Engine runs the reconciliation and ladder cycle against one exchange.
type Engine struct {
	exchange exchange.Exchange
	cfg      Config
	sink     notify.Sink
	log      *logrus.Entry
	now      func() time.Time
	newID    func() string
}

func New(ex exchange.Exchange, cfg Config, sink notify.Sink, log *logrus.Entry) *Engine {
	if sink == nil {
		sink = notify.Multi{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		exchange: ex,
		cfg:      cfg.withDefaults(),
		sink:     sink,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (e *Engine) Config() Config { return e.cfg }

// SetClock replaces the wall clock, for replaying recorded prices.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Execute runs one cycle and reports it to host.
func (e *Engine) Execute(ctx context.Context, host JobHost, kind JobKind, state CycleState) CycleState {
	next, report := e.RunCycle(ctx, kind, state)
	if kind == JobRecurring {
		host.ScheduleNext(e.cfg.PollInterval)
	}
	host.Finished(report)
	return next
}

// cycle carries the per-tick working set.
type cycle struct {
	e      *Engine
	ctx    context.Context
	state  CycleState
	report Report
	log    *logrus.Entry

	balance       core.Balance
	availableCoin decimal.Decimal
}

// abortError marks a failure that ends the tick with the given outcome.
type abortError struct {
	stage   string
	outcome Outcome
	err     error
}

func (a *abortError) Error() string { return a.stage + ": " + a.err.Error() }
func (a *abortError) Unwrap() error { return a.err }

func abort(stage string, err error) error {
	return &abortError{stage: stage, outcome: OutcomeAborted, err: err}
}

// RunCycle executes one tick: balance, price, placed and processed order
// ingestion, fill notifications with auto-sell placement, then buy ladder
// planning. Any exchange failure aborts the rest of the tick.
func (e *Engine) RunCycle(ctx context.Context, kind JobKind, state CycleState) (CycleState, Report) {
	if state.Placed == nil {
		state.Placed = ledger.New()
	}
	if state.Processed == nil {
		state.Processed = ledger.New()
	}
	if state.Prices == nil {
		state.Prices = pricing.NewPriceQueue(e.cfg.PriceQueueSize)
	}
	id := e.newID()
	c := &cycle{
		e:     e,
		ctx:   ctx,
		state: state,
		report: Report{
			ID:        id,
			Kind:      kind,
			StartedAt: e.now().UTC(),
			Outcome:   OutcomeCompleted,
			Stage:     StageDone,
		},
		log: e.log.WithFields(logrus.Fields{"cycle_id": id, "kind": string(kind)}),
	}

	err := c.run()
	if rc, ok := e.exchange.(requestClock); ok {
		c.state.LastRequestAt = rc.LastRequestAt()
	}
	c.report.FinishedAt = e.now().UTC()

	var ab *abortError
	switch {
	case errors.As(err, &ab):
		c.report.Outcome = ab.outcome
		c.report.Stage = ab.stage
		c.report.Err = ab.err
		fields := logrus.Fields{"stage": ab.stage, "outcome": string(ab.outcome), "err": ab.err}
		if ab.outcome == OutcomeStalePrice {
			c.log.WithFields(fields).Info("cycle_aborted")
		} else {
			c.log.WithFields(fields).Warn("cycle_aborted")
		}
	case err != nil:
		c.report.Outcome = OutcomeAborted
		c.report.Err = err
		c.log.WithField("err", err).Warn("cycle_aborted")
	default:
		c.log.WithFields(logrus.Fields{
			"outcome":  string(c.report.Outcome),
			"price":    c.report.Price,
			"placed":   c.report.Placed,
			"canceled": c.report.Canceled,
			"notified": c.report.Notified,
			"elapsed":  c.report.Duration().String(),
		}).Info("cycle_finished")
	}
	return c.state, c.report
}

func (c *cycle) run() error {
	steps := []struct {
		stage string
		fn    func() error
	}{
		{StageBalance, c.fetchBalance},
		{StagePrice, c.fetchPrice},
		{StagePlaced, c.ingestPlaced},
		{StageProcessed, c.ingestProcessed},
		{StageSummary, c.summarize},
		{StageFills, c.handleFills},
		{StageBuyLadder, c.planBuyLadder},
	}
	for _, step := range steps {
		if err := c.ctx.Err(); err != nil {
			return abort(step.stage, err)
		}
		if err := step.fn(); err != nil {
			var ab *abortError
			if errors.As(err, &ab) {
				return err
			}
			return abort(step.stage, err)
		}
	}
	return nil
}

func (c *cycle) fetchBalance() error {
	bal, err := c.e.exchange.Balance(c.ctx)
	if err != nil {
		return err
	}
	c.balance = bal
	c.availableCoin = bal.AvailableCoin
	c.state.Balance = bal
	return nil
}

func (c *cycle) fetchPrice() error {
	price, err := c.e.exchange.CurrentPrice(c.ctx)
	if err != nil {
		return err
	}
	pr := c.e.cfg.Pricing
	c.report.Price = price
	c.report.Profit = pr.Profit(price)
	c.report.Interval = pr.Interval(price)
	if last, ok := c.state.Prices.Last(); ok && last == price {
		return &abortError{
			stage:   StagePrice,
			outcome: OutcomeStalePrice,
			err:     fmt.Errorf("%w: price %d unchanged", core.ErrStalePrice, price),
		}
	}
	c.state.Prices.Push(price)
	c.state.CurrentPrice = price
	c.report.Volatility = c.state.Prices.Volatility()
	c.log.WithFields(logrus.Fields{
		"price":      price,
		"profit":     c.report.Profit,
		"interval":   c.report.Interval,
		"volatility": c.report.Volatility.StringFixed(2),
	}).Debug("price_observed")
	return nil
}

func (c *cycle) ingestPlaced() error {
	open, err := c.e.exchange.PlacedOrders(c.ctx)
	if err != nil {
		return err
	}
	res := c.state.Placed.Reconcile(open)
	c.log.WithFields(logrus.Fields{"kept": res.Kept, "added": res.Added, "removed": res.Removed}).Debug("placed_reconciled")
	return nil
}

// ingestProcessed pages backward through the transaction history until a
// record older than the lookback window appears or a page comes back short.
func (c *cycle) ingestProcessed() error {
	cutoff := c.e.now().UTC().Add(-c.e.cfg.Lookback)
	size := c.e.cfg.HistoryPageSize
	added := 0
	for page := 0; page < c.e.cfg.HistoryMaxPages; page++ {
		recs, err := c.e.exchange.ProcessedOrders(c.ctx, page*size, size)
		if err != nil {
			return err
		}
		reachedCutoff := false
		for _, rec := range recs {
			if !rec.Side.Tradable() {
				continue
			}
			if rec.ProcessedAt.Before(cutoff) {
				reachedCutoff = true
				continue
			}
			if c.state.Processed.AddProcessed(rec) {
				added++
			}
		}
		if reachedCutoff || len(recs) < size {
			break
		}
	}
	pruned := c.state.Processed.PruneBefore(cutoff)
	c.log.WithFields(logrus.Fields{"added": added, "pruned": pruned, "held": c.state.Processed.Len()}).Debug("processed_ingested")
	return nil
}

func (c *cycle) summarize() error {
	c.state.LastBuy, _ = c.state.Processed.LatestBySide(core.Buy)
	c.state.LastSell, _ = c.state.Processed.LatestBySide(core.Sell)
	c.log.WithFields(logrus.Fields{
		"last_buy_price":  c.state.LastBuy.Price,
		"last_sell_price": c.state.LastSell.Price,
		"open_buys":       c.state.Placed.CountBySide(core.Buy),
		"open_sells":      c.state.Placed.CountBySide(core.Sell),
		"estimation":      c.state.Placed.Estimation().StringFixed(0),
	}).Debug("ledger_summary")
	return nil
}

// handleFills notifies every fill newer than the watermark and places the
// paired sell for each buy. Same-price partial fills are acted on as one
// group. The watermark only moves past a fill once it and every older fill
// have been handled, so an abort neither replays a handled group nor loses
// a part of an unhandled one.
func (c *cycle) handleFills() error {
	if c.state.handled == nil {
		c.state.handled = make(map[int64]struct{})
	}
	pending := c.state.Processed.ProcessedAfter(c.state.LastNotifiedAt)
	fresh := make([]core.TradeRecord, 0, len(pending))
	for _, rec := range pending {
		if _, done := c.state.handled[rec.ProcessedAt.UnixNano()]; !done {
			fresh = append(fresh, rec)
		}
	}
	for _, group := range ledger.GroupSamePrice(fresh) {
		fill := group.Merged
		switch fill.Side {
		case core.Buy:
			c.notify(notify.TitleBuy, fill, "")
			if err := c.placePairedSell(fill); err != nil {
				return err
			}
		case core.Sell:
			c.notify(notify.TitleSell, fill, "")
		}
		c.report.Fills = append(c.report.Fills, fill)
		for _, part := range group.Parts {
			c.state.handled[part.ProcessedAt.UnixNano()] = struct{}{}
		}
		c.advanceWatermark(pending)
	}
	return nil
}

// advanceWatermark moves LastNotifiedAt over the leading run of handled
// fills in pending, which is ordered oldest first.
func (c *cycle) advanceWatermark(pending []core.TradeRecord) {
	for _, rec := range pending {
		if !rec.ProcessedAt.After(c.state.LastNotifiedAt) {
			continue
		}
		key := rec.ProcessedAt.UnixNano()
		if _, done := c.state.handled[key]; !done {
			return
		}
		c.state.LastNotifiedAt = rec.ProcessedAt
		delete(c.state.handled, key)
	}
}

// sellUnits trims a buy fill to the lot step and to what is actually
// available, since fees charged in coin leave the balance short of the fill.
func (c *cycle) sellUnits(fill core.TradeRecord) decimal.Decimal {
	units := core.RoundUnits(fill.Units)
	if avail := core.RoundUnits(c.availableCoin); avail.LessThan(units) {
		units = avail
	}
	return units
}

func (c *cycle) placePairedSell(fill core.TradeRecord) error {
	pr := c.e.cfg.Pricing
	profit := pr.Profit(fill.Price)
	interval := pr.Interval(fill.Price)
	units := c.sellUnits(fill)

	for i := 0; i < ladderRungs; i++ {
		price := fill.Price + profit + interval*int64(1-i)
		if _, occupied := c.state.Placed.FindByPrice(core.Sell, price); occupied {
			continue
		}
		id, err := c.e.exchange.PlaceLimitOrder(c.ctx, core.Sell, units, price)
		if err != nil {
			if errors.Is(err, core.ErrValidation) {
				c.log.WithFields(logrus.Fields{"price": price, "units": units.String(), "err": err}).Warn("sell_rejected")
				c.notify(notify.TitleSellFailed, fill, err.Error())
				return nil
			}
			return err
		}
		rec, err := core.NewTrade(id).
			Side(core.Sell).
			Status(core.StatusPlaced).
			Units(units).
			Price(price).
			PlacedAt(c.e.now().UTC()).
			Build()
		if err == nil {
			c.state.Placed.Add(rec)
		}
		c.availableCoin = c.availableCoin.Sub(units)
		c.report.Placed++
		c.log.WithFields(logrus.Fields{"order_id": id, "price": price, "units": units.String(), "rung": i}).Info("sell_placed")
		return nil
	}
	c.notify(notify.TitleSellFailed, fill, "all sell rungs occupied")
	return nil
}

// planBuyLadder walks down from the interval-aligned price. It stops at the
// first rung that already has a buy; a rung without a paired sell gets a new
// buy after every open buy is canceled; rungs with a paired sell are skipped.
func (c *cycle) planBuyLadder() error {
	pr := c.e.cfg.Pricing
	interval := c.report.Interval
	if interval <= 0 {
		c.log.WithField("price", c.report.Price).Warn("buy_ladder_skipped_zero_interval")
		return nil
	}
	candidate := pricing.LowerBoundPrice(c.report.Price, interval)
	for i := 0; i < ladderRungs && candidate > 0; i, candidate = i+1, candidate-interval {
		if _, ok := c.state.Placed.FindByPrice(core.Buy, candidate); ok {
			return nil
		}
		if _, ok := c.state.Placed.FindByPrice(core.Sell, candidate+pr.Profit(candidate)); ok {
			continue
		}
		// Every open buy is canceled, not only the conflicting rung. This can
		// drop buys that were still useful.
		if err := c.cancelOpenBuys(); err != nil {
			return err
		}
		return c.placeBuy(candidate)
	}
	return nil
}

func (c *cycle) cancelOpenBuys() error {
	for _, rec := range c.state.Placed.FilterBySide(core.Buy) {
		err := c.e.exchange.CancelOrder(c.ctx, core.Buy, rec.ID)
		if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			return err
		}
		c.state.Placed.Remove(rec.ID)
		if err == nil {
			c.report.Canceled++
			c.log.WithFields(logrus.Fields{"order_id": rec.ID, "price": rec.Price}).Info("buy_canceled")
		}
	}
	return nil
}

func (c *cycle) placeBuy(price int64) error {
	units := core.UnitsFor(c.e.cfg.UnitTradeAmount, price)
	id, err := c.e.exchange.PlaceLimitOrder(c.ctx, core.Buy, units, price)
	if err != nil {
		if !errors.Is(err, core.ErrValidation) {
			return err
		}
		if errors.Is(err, core.ErrInsufficientBalance) {
			c.report.Outcome = OutcomeInsufficientBalance
		} else {
			c.report.Outcome = OutcomeBuySkipped
		}
		c.report.Err = err
		c.log.WithFields(logrus.Fields{"price": price, "units": units.String(), "err": err}).Warn("buy_skipped")
		c.notifyText(notify.TitleBuySkipped, fmt.Sprintf("price %d units %s: %v", price, units.String(), err), map[string]string{
			"price": fmt.Sprint(price),
			"units": units.String(),
		})
		return nil
	}
	rec, err := core.NewTrade(id).
		Side(core.Buy).
		Status(core.StatusPlaced).
		Units(units).
		Price(price).
		PlacedAt(c.e.now().UTC()).
		Build()
	if err == nil {
		c.state.Placed.Add(rec)
	}
	c.report.Placed++
	c.log.WithFields(logrus.Fields{"order_id": id, "price": price, "units": units.String()}).Info("buy_placed")
	return nil
}

func (c *cycle) notify(title string, rec core.TradeRecord, reason string) {
	body := fmt.Sprintf("price %d units %s", rec.Price, rec.Units.String())
	if reason != "" {
		body += ": " + reason
	}
	c.notifyText(title, body, map[string]string{
		"price":        fmt.Sprint(rec.Price),
		"units":        rec.Units.String(),
		"processed_at": rec.ProcessedAt.UTC().Format(time.RFC3339),
	})
}

func (c *cycle) notifyText(title, body string, fields map[string]string) {
	c.report.Notified++
	c.e.sink.Notify(notify.Event{
		Time:   c.e.now().UTC(),
		Title:  title,
		Body:   body,
		Fields: fields,
	})
}
