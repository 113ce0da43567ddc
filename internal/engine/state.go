package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/config"
	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/ledger"
	"bithumb-gridbot/internal/pricing"
)

// JobKind distinguishes the one-shot startup cycle from the periodic one.
type JobKind string

const (
	JobFirst     JobKind = "FIRST"
	JobRecurring JobKind = "RECURRING"
)

type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeAborted             Outcome = "aborted"
	OutcomeStalePrice          Outcome = "stale_price"
	OutcomeInsufficientBalance Outcome = "insufficient_balance"
	OutcomeBuySkipped          Outcome = "buy_skipped"
)

// Stages name the cycle steps in execution order.
const (
	StageBalance   = "balance"
	StagePrice     = "price"
	StagePlaced    = "placed_orders"
	StageProcessed = "processed_orders"
	StageSummary   = "summary"
	StageFills     = "fills"
	StageBuyLadder = "buy_ladder"
	StageDone      = "done"
)

// CycleState is everything a cycle carries over to the next one. The host owns
// it for the life of the process; it is never persisted.
type CycleState struct {
	Placed         *ledger.Ledger
	Processed      *ledger.Ledger
	Prices         *pricing.PriceQueue
	LastNotifiedAt time.Time
	LastRequestAt  time.Time
	CurrentPrice   int64
	LastBuy        core.TradeRecord
	LastSell       core.TradeRecord
	Balance        core.Balance

	// handled holds fills newer than LastNotifiedAt that were already acted
	// on, keyed by processedAt, while an older fill is still pending.
	handled map[int64]struct{}
}

// NewCycleState starts a state whose notification watermark is startedAt, so
// fills that happened before the process started are never acted on.
func NewCycleState(startedAt time.Time, priceQueueSize int) CycleState {
	return CycleState{
		Placed:         ledger.New(),
		Processed:      ledger.New(),
		Prices:         pricing.NewPriceQueue(priceQueueSize),
		LastNotifiedAt: startedAt,
		handled:        make(map[int64]struct{}),
	}
}

// Report describes how one cycle went.
type Report struct {
	ID         string
	Kind       JobKind
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	Stage      string
	Err        error
	Price      int64
	Profit     int64
	Interval   int64
	Volatility decimal.Decimal
	Placed     int
	Canceled   int
	Notified   int
	// Fills are the merged fills handled this cycle, in processing order.
	Fills []core.TradeRecord
}

func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Config holds the trading parameters a cycle plans with.
type Config struct {
	UnitTradeAmount decimal.Decimal
	Pricing         pricing.Discretizer
	PollInterval    time.Duration
	HistoryPageSize int
	HistoryMaxPages int
	Lookback        time.Duration
	PriceQueueSize  int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		UnitTradeAmount: cfg.Trade.UnitTradeAmount.Decimal,
		Pricing: pricing.Discretizer{
			EarningRate:      cfg.Trade.EarningRatePercent.Decimal,
			SlotIntervalRate: cfg.Trade.SlotIntervalRatePercent.Decimal,
		},
		PollInterval:    time.Duration(cfg.Trade.PollIntervalSec) * time.Second,
		HistoryPageSize: cfg.History.PageSize,
		HistoryMaxPages: cfg.History.MaxPages,
		Lookback:        time.Duration(cfg.History.LookbackHours) * time.Hour,
		PriceQueueSize:  cfg.Trade.PriceQueueSize,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = 15
	}
	if c.HistoryMaxPages <= 0 {
		c.HistoryMaxPages = 5
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.PriceQueueSize <= 0 {
		c.PriceQueueSize = pricing.DefaultQueueSize
	}
	return c
}
