package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/core"
)

type placeCall struct {
	Side  core.Side
	Units decimal.Decimal
	Price int64
}

// scriptedExchange returns canned exchange state and records every mutation.
type scriptedExchange struct {
	balance   core.Balance
	prices    []int64
	placed    []core.TradeRecord
	processed []core.TradeRecord

	balanceErr error
	priceErr   error
	placedErr  error
	placeErr   func(side core.Side, price int64) error
	cancelErr  func(id string) error

	placeCalls   []placeCall
	cancelCalls  []string
	historyCalls [][2]int
	seq          int
}

func (s *scriptedExchange) Name() string { return "scripted" }

func (s *scriptedExchange) Balance(ctx context.Context) (core.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *scriptedExchange) CurrentPrice(ctx context.Context) (int64, error) {
	if s.priceErr != nil {
		return 0, s.priceErr
	}
	if len(s.prices) == 0 {
		return 0, fmt.Errorf("%w: no price", core.ErrTransport)
	}
	p := s.prices[0]
	if len(s.prices) > 1 {
		s.prices = s.prices[1:]
	}
	return p, nil
}

func (s *scriptedExchange) PlacedOrders(ctx context.Context) ([]core.TradeRecord, error) {
	if s.placedErr != nil {
		return nil, s.placedErr
	}
	return append([]core.TradeRecord(nil), s.placed...), nil
}

func (s *scriptedExchange) ProcessedOrders(ctx context.Context, offset, count int) ([]core.TradeRecord, error) {
	s.historyCalls = append(s.historyCalls, [2]int{offset, count})
	if offset >= len(s.processed) {
		return nil, nil
	}
	end := offset + count
	if end > len(s.processed) {
		end = len(s.processed)
	}
	return append([]core.TradeRecord(nil), s.processed[offset:end]...), nil
}

func (s *scriptedExchange) CancelOrder(ctx context.Context, side core.Side, id string) error {
	s.cancelCalls = append(s.cancelCalls, id)
	if s.cancelErr != nil {
		if err := s.cancelErr(id); err != nil {
			return err
		}
	}
	kept := s.placed[:0]
	for _, rec := range s.placed {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	s.placed = kept
	return nil
}

func (s *scriptedExchange) PlaceLimitOrder(ctx context.Context, side core.Side, units decimal.Decimal, price int64) (string, error) {
	s.placeCalls = append(s.placeCalls, placeCall{Side: side, Units: units, Price: price})
	if s.placeErr != nil {
		if err := s.placeErr(side, price); err != nil {
			return "", err
		}
	}
	s.seq++
	id := fmt.Sprintf("O%d", s.seq)
	rec, err := core.NewTrade(id).Side(side).Status(core.StatusPlaced).Units(units).Price(price).Build()
	if err != nil {
		return "", err
	}
	s.placed = append(s.placed, rec)
	return id, nil
}

func (s *scriptedExchange) PlaceMarketOrder(ctx context.Context, side core.Side, units decimal.Decimal) (string, error) {
	return "", fmt.Errorf("%w: market orders unused", core.ErrValidation)
}

func (s *scriptedExchange) mutations() int {
	return len(s.placeCalls) + len(s.cancelCalls)
}

func (s *scriptedExchange) placesOn(side core.Side) []placeCall {
	out := make([]placeCall, 0)
	for _, call := range s.placeCalls {
		if call.Side == side {
			out = append(out, call)
		}
	}
	return out
}

// openOn lists the orders the exchange accepted on side.
func (s *scriptedExchange) openOn(side core.Side) []core.TradeRecord {
	out := make([]core.TradeRecord, 0)
	for _, rec := range s.placed {
		if rec.Side == side {
			out = append(out, rec)
		}
	}
	return out
}

func openOrder(id string, side core.Side, price int64) core.TradeRecord {
	rec, err := core.NewTrade(id).Side(side).Status(core.StatusPlaced).Units(decimal.RequireFromString("0.001")).Price(price).Build()
	if err != nil {
		panic(err)
	}
	return rec
}

func fillAt(side core.Side, price int64, units string, at time.Time) core.TradeRecord {
	rec, err := core.NewTrade(fmt.Sprintf("%s-%d", side, at.UnixMicro())).
		Side(side).
		Status(core.StatusProcessed).
		Units(decimal.RequireFromString(units)).
		Price(price).
		PlacedAt(at).
		ProcessedAt(at).
		Build()
	if err != nil {
		panic(err)
	}
	return rec
}

type hostSpy struct {
	scheduled []time.Duration
	finished  []Report
}

func (h *hostSpy) ScheduleNext(d time.Duration) { h.scheduled = append(h.scheduled, d) }
func (h *hostSpy) Finished(r Report)            { h.finished = append(h.finished, r) }
