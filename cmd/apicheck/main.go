package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/config"
	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/exchange/bithumb"
	"bithumb-gridbot/internal/pricing"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Pair       string        `json:"pair"`
	Checks     []checkResult `json:"checks"`
}

func (r *report) run(name string, fn func() (string, error)) {
	start := time.Now()
	detail, err := fn()
	cr := checkResult{
		Name:       name,
		DurationMs: time.Since(start).Milliseconds(),
		Detail:     detail,
		Status:     statusPass,
	}
	if err != nil {
		cr.Status = statusFail
		cr.Error = err.Error()
	}
	r.Checks = append(r.Checks, cr)
	if cr.Status == statusPass {
		fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
		if cr.Detail != "" {
			fmt.Printf(" - %s", cr.Detail)
		}
		fmt.Println()
	} else {
		fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
	}
}

func (r *report) skip(name, reason string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: statusSkip, Detail: reason})
	fmt.Printf("[SKIP] %s - %s\n", name, reason)
}

func (r report) failed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == statusFail {
			n++
		}
	}
	return n
}

func main() {
	var (
		configPath  string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		placeOrder  bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "seconds to wait for a websocket ticker; 0 skips")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&placeOrder, "place-order", false, "place and cancel one far-below-market buy")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	client, err := bithumb.NewClient(cfg.Exchange, cfg.OrderCurrency, cfg.PaymentCurrency)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 30 {
		timeoutSec = 30
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	r := report{StartedAt: time.Now().UTC(), Pair: cfg.Pair()}
	var (
		price   int64
		balance core.Balance
	)

	r.run("public_price", func() (string, error) {
		p, err := client.CurrentPrice(ctx)
		if err != nil {
			return "", err
		}
		price = p
		return fmt.Sprintf("price=%d profit=%d interval=%d", p,
			pricing.ProfitPrice(p, cfg.Trade.EarningRatePercent.Decimal),
			pricing.IntervalPrice(p, cfg.Trade.SlotIntervalRatePercent.Decimal)), nil
	})
	r.run("balance", func() (string, error) {
		b, err := client.Balance(ctx)
		if err != nil {
			return "", err
		}
		balance = b
		return fmt.Sprintf("available_krw=%s available_coin=%s in_use_krw=%s",
			b.AvailableKRW.StringFixed(0), b.AvailableCoin.String(), b.InUseKRW.StringFixed(0)), nil
	})
	r.run("placed_orders", func() (string, error) {
		recs, err := client.PlacedOrders(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("open=%d", len(recs)), nil
	})
	r.run("processed_orders", func() (string, error) {
		recs, err := client.ProcessedOrders(ctx, 0, cfg.History.PageSize)
		if err != nil {
			return "", err
		}
		if len(recs) == 0 {
			return "none", nil
		}
		return fmt.Sprintf("page=%d newest=%s", len(recs), recs[0].ProcessedAt.Format(time.RFC3339)), nil
	})

	if streamWait > 0 {
		r.run("ticker_stream", func() (string, error) {
			return checkStream(ctx, cfg, time.Duration(streamWait)*time.Second)
		})
	} else {
		r.skip("ticker_stream", "stream-wait-sec=0")
	}

	if !placeOrder {
		r.skip("order_lifecycle", "place-order not set")
	} else {
		r.run("order_lifecycle", func() (string, error) {
			return checkLifecycle(ctx, client, cfg, price, balance)
		})
	}

	r.FinishedAt = time.Now().UTC()
	fmt.Printf("\nsummary pair=%s checks=%d fail=%d duration=%s\n",
		r.Pair, len(r.Checks), r.failed(), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String())
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	if r.failed() > 0 {
		os.Exit(1)
	}
}

func checkStream(ctx context.Context, cfg config.Config, wait time.Duration) (string, error) {
	streamCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	stream := bithumb.NewTickerStream(cfg.Exchange.WSBaseURL, cfg.OrderCurrency, cfg.PaymentCurrency)
	errGot := errors.New("got ticker")
	var got bithumb.Ticker
	err := stream.Run(streamCtx, func(t bithumb.Ticker) error {
		got = t
		return errGot
	})
	if errors.Is(err, errGot) {
		return fmt.Sprintf("symbol=%s price=%d at=%s", got.Symbol, got.Price, got.Time.Format(time.RFC3339)), nil
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return "", fmt.Errorf("no ticker within %s", wait)
	}
	return "", err
}

// checkLifecycle places a buy at half the market price, floored to the price
// grid, and cancels it straight away.
func checkLifecycle(ctx context.Context, client *bithumb.Client, cfg config.Config, price int64, balance core.Balance) (string, error) {
	if price <= 0 {
		return "", errors.New("missing current price")
	}
	orderPrice := pricing.FloorPrice(price / 2)
	units := core.UnitsFor(cfg.Trade.UnitTradeAmount.Decimal, orderPrice)
	if err := core.ValidateUnits(units); err != nil {
		return "", err
	}
	need := units.Mul(decimal.NewFromInt(orderPrice))
	if balance.AvailableKRW.LessThan(need) {
		return "", fmt.Errorf("insufficient KRW for check order: need=%s have=%s", need.StringFixed(0), balance.AvailableKRW.StringFixed(0))
	}
	id, err := client.PlaceLimitOrder(ctx, core.Buy, units, orderPrice)
	if err != nil {
		return "", fmt.Errorf("place: %w", err)
	}
	if err := client.CancelOrder(ctx, core.Buy, id); err != nil {
		return "", fmt.Errorf("cancel %s (cancel it manually): %w", id, err)
	}
	return fmt.Sprintf("order_id=%s price=%d units=%s", id, orderPrice, units.String()), nil
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
