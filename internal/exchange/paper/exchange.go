package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/core"
)

// PriceSource supplies live prices when the book is not driven by a feed.
type PriceSource func(ctx context.Context) (int64, error)

type order struct {
	record core.TradeRecord
	locked decimal.Decimal
}

// Exchange is an in-memory order book that fills resting limit orders when
// the price crosses them. It applies the same validation as the live client.
type Exchange struct {
	mu sync.Mutex

	krwAvailable  decimal.Decimal
	krwLocked     decimal.Decimal
	coinAvailable decimal.Decimal
	coinLocked    decimal.Decimal
	feeRate       decimal.Decimal
	feesKRW       decimal.Decimal
	feesCoin      decimal.Decimal

	open     map[string]*order
	history  []core.TradeRecord
	price    int64
	at       time.Time
	lastFill time.Time
	fills    int
	source   PriceSource
	now      func() time.Time
	newID    func() string
}

type Options struct {
	InitialKRW  decimal.Decimal
	InitialCoin decimal.Decimal
	FeeRate     decimal.Decimal
	Source      PriceSource
	Now         func() time.Time
}

func New(opts Options) *Exchange {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Exchange{
		krwAvailable:  opts.InitialKRW,
		coinAvailable: opts.InitialCoin,
		feeRate:       opts.FeeRate,
		open:          make(map[string]*order),
		source:        opts.Source,
		now:           now,
		newID:         func() string { return "P" + uuid.NewString() },
	}
}

func (e *Exchange) Name() string { return "paper" }

// Snapshot summarises balances at the last price.
type Snapshot struct {
	Price      int64
	TotalKRW   decimal.Decimal
	TotalCoin  decimal.Decimal
	EquityKRW  decimal.Decimal
	FeesKRW    decimal.Decimal
	FeesCoin   decimal.Decimal
	OpenOrders int
	Fills      int
}

func (e *Exchange) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	totalKRW := e.krwAvailable.Add(e.krwLocked)
	totalCoin := e.coinAvailable.Add(e.coinLocked)
	return Snapshot{
		Price:      e.price,
		TotalKRW:   totalKRW,
		TotalCoin:  totalCoin,
		EquityKRW:  totalKRW.Add(totalCoin.Mul(decimal.NewFromInt(e.price))),
		FeesKRW:    e.feesKRW,
		FeesCoin:   e.feesCoin,
		OpenOrders: len(e.open),
		Fills:      e.fills,
	}
}

// SetPrice moves the market and fills every resting order the price crosses.
// It returns the fills in execution order.
func (e *Exchange) SetPrice(price int64, at time.Time) []core.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setPriceLocked(price, at)
}

func (e *Exchange) setPriceLocked(price int64, at time.Time) []core.TradeRecord {
	e.price = price
	e.at = at
	ids := make([]string, 0, len(e.open))
	for id, ord := range e.open {
		if crosses(ord.record, price) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return e.open[ids[i]].record.PlacedAt.Before(e.open[ids[j]].record.PlacedAt)
	})
	fills := make([]core.TradeRecord, 0, len(ids))
	for _, id := range ids {
		ord := e.open[id]
		delete(e.open, id)
		fills = append(fills, e.fillLocked(ord.record, ord.locked, ord.record.Price))
	}
	return fills
}

func crosses(rec core.TradeRecord, price int64) bool {
	switch rec.Side {
	case core.Buy:
		return price <= rec.Price
	case core.Sell:
		return price >= rec.Price
	default:
		return false
	}
}

func (e *Exchange) clock() time.Time {
	if !e.at.IsZero() {
		return e.at
	}
	return e.now().UTC()
}

func (e *Exchange) Balance(ctx context.Context) (core.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return core.Balance{
		TotalKRW:      e.krwAvailable.Add(e.krwLocked),
		InUseKRW:      e.krwLocked,
		AvailableKRW:  e.krwAvailable,
		TotalCoin:     e.coinAvailable.Add(e.coinLocked),
		InUseCoin:     e.coinLocked,
		AvailableCoin: e.coinAvailable,
		LastPrice:     e.price,
	}, nil
}

// CurrentPrice pulls from the live source when one is configured, filling
// crossed orders on the way.
func (e *Exchange) CurrentPrice(ctx context.Context) (int64, error) {
	if e.source != nil {
		price, err := e.source(ctx)
		if err != nil {
			return 0, err
		}
		e.mu.Lock()
		e.setPriceLocked(price, e.now().UTC())
		e.at = time.Time{}
		e.mu.Unlock()
		return price, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.price <= 0 {
		return 0, fmt.Errorf("%w: paper price not set", core.ErrTransport)
	}
	return e.price, nil
}

func (e *Exchange) PlacedOrders(ctx context.Context) ([]core.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.TradeRecord, 0, len(e.open))
	for _, ord := range e.open {
		out = append(out, ord.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

// ProcessedOrders pages the fill history newest first.
func (e *Exchange) ProcessedOrders(ctx context.Context, offset, count int) ([]core.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset < 0 || offset >= len(e.history) || count <= 0 {
		return nil, nil
	}
	end := offset + count
	if end > len(e.history) {
		end = len(e.history)
	}
	return append([]core.TradeRecord(nil), e.history[offset:end]...), nil
}

func (e *Exchange) CancelOrder(ctx context.Context, side core.Side, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ord, ok := e.open[id]
	if !ok || ord.record.Side != side {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
	}
	delete(e.open, id)
	e.unlockLocked(ord.record.Side, ord.locked)
	return nil
}

func (e *Exchange) PlaceLimitOrder(ctx context.Context, side core.Side, units decimal.Decimal, price int64) (string, error) {
	units = core.RoundUnits(units)
	if err := core.ValidateUnits(units); err != nil {
		return "", err
	}
	if price <= 0 {
		return "", fmt.Errorf("%w: price must be > 0", core.ErrValidation)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	locked, err := e.lockLocked(side, units, price)
	if err != nil {
		return "", err
	}
	id := e.newID()
	rec, err := core.NewTrade(id).
		Side(side).
		Status(core.StatusPlaced).
		Units(units).
		Price(price).
		PlacedAt(e.clock()).
		Build()
	if err != nil {
		e.unlockLocked(side, locked)
		return "", err
	}
	if e.price > 0 && crosses(rec, e.price) {
		e.fillLocked(rec, locked, price)
		return id, nil
	}
	e.open[id] = &order{record: rec, locked: locked}
	return id, nil
}

func (e *Exchange) PlaceMarketOrder(ctx context.Context, side core.Side, units decimal.Decimal) (string, error) {
	units = core.RoundUnits(units)
	if err := core.ValidateUnits(units); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.price <= 0 {
		return "", fmt.Errorf("%w: paper price not set", core.ErrTransport)
	}
	locked, err := e.lockLocked(side, units, e.price)
	if err != nil {
		return "", err
	}
	id := e.newID()
	rec, err := core.NewTrade(id).
		Side(side).
		Status(core.StatusPlaced).
		Units(units).
		Price(e.price).
		PlacedAt(e.clock()).
		Build()
	if err != nil {
		e.unlockLocked(side, locked)
		return "", err
	}
	e.fillLocked(rec, locked, e.price)
	return id, nil
}

func (e *Exchange) lockLocked(side core.Side, units decimal.Decimal, price int64) (decimal.Decimal, error) {
	switch side {
	case core.Buy:
		need := units.Mul(decimal.NewFromInt(price))
		if e.krwAvailable.Cmp(need) < 0 {
			return decimal.Zero, fmt.Errorf("%w: need=%s available=%s", core.ErrInsufficientBalance, need, e.krwAvailable)
		}
		e.krwAvailable = e.krwAvailable.Sub(need)
		e.krwLocked = e.krwLocked.Add(need)
		return need, nil
	case core.Sell:
		if e.coinAvailable.Cmp(units) < 0 {
			return decimal.Zero, fmt.Errorf("%w: need=%s available=%s", core.ErrInsufficientBalance, units, e.coinAvailable)
		}
		e.coinAvailable = e.coinAvailable.Sub(units)
		e.coinLocked = e.coinLocked.Add(units)
		return units, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown side %q", core.ErrValidation, side)
	}
}

func (e *Exchange) unlockLocked(side core.Side, locked decimal.Decimal) {
	switch side {
	case core.Buy:
		e.krwLocked = e.krwLocked.Sub(locked)
		e.krwAvailable = e.krwAvailable.Add(locked)
	case core.Sell:
		e.coinLocked = e.coinLocked.Sub(locked)
		e.coinAvailable = e.coinAvailable.Add(locked)
	}
}

// fillLocked settles an order at fillPrice. Buy fees are charged in coin and
// sell fees in KRW.
func (e *Exchange) fillLocked(rec core.TradeRecord, locked decimal.Decimal, fillPrice int64) core.TradeRecord {
	notional := rec.Units.Mul(decimal.NewFromInt(fillPrice))
	var fee decimal.Decimal
	switch rec.Side {
	case core.Buy:
		fee = rec.Units.Mul(e.feeRate)
		e.krwLocked = e.krwLocked.Sub(locked)
		e.krwAvailable = e.krwAvailable.Add(locked.Sub(notional))
		e.coinAvailable = e.coinAvailable.Add(rec.Units.Sub(fee))
		e.feesCoin = e.feesCoin.Add(fee)
	case core.Sell:
		fee = notional.Mul(e.feeRate).Floor()
		e.coinLocked = e.coinLocked.Sub(locked)
		e.krwAvailable = e.krwAvailable.Add(notional.Sub(fee))
		e.feesKRW = e.feesKRW.Add(fee)
	}

	at := e.clock()
	if !at.After(e.lastFill) {
		at = e.lastFill.Add(time.Microsecond)
	}
	e.lastFill = at
	e.fills++

	filled := rec
	filled.Status = core.StatusProcessed
	filled.Price = fillPrice
	filled.FeeRaw = fee.String()
	filled.FeeEvaluated = fee
	filled.ProcessedAt = at
	e.history = append([]core.TradeRecord{filled}, e.history...)
	return filled
}
