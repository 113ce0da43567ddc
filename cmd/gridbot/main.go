package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/backtest"
	"bithumb-gridbot/internal/config"
	"bithumb-gridbot/internal/engine"
	"bithumb-gridbot/internal/exchange"
	"bithumb-gridbot/internal/exchange/bithumb"
	"bithumb-gridbot/internal/exchange/paper"
	"bithumb-gridbot/internal/httpapi"
	"bithumb-gridbot/internal/logging"
	"bithumb-gridbot/internal/metrics"
	"bithumb-gridbot/internal/notify"
	"bithumb-gridbot/internal/report"
	"bithumb-gridbot/internal/safety"
	"bithumb-gridbot/internal/store"
)

func main() {
	var (
		configPath  string
		once        bool
		fillsWindow time.Duration
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file")
	flag.BoolVar(&once, "once", false, "run a single cycle, print the ledgers and exit")
	flag.DurationVar(&fillsWindow, "fills", 0, "print journaled fills from this far back (e.g. 24h) and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, logCloser, err := logging.Setup(cfg.Log, os.Stdout)
	if err != nil {
		fatal(err.Error())
	}
	log := logrus.NewEntry(logger).WithFields(logrus.Fields{
		"mode":     string(cfg.Mode),
		"pair":     cfg.Pair(),
		"instance": cfg.InstanceID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	switch {
	case fillsWindow > 0:
		err = printFills(cfg, fillsWindow)
	case cfg.Mode == config.ModeBacktest:
		err = runBacktest(ctx, cfg, log)
	default:
		err = runTrading(ctx, cfg, log, once)
	}
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithField("err", err).Error("gridbot_exit")
		_ = logCloser.Close()
		fatal(err.Error())
	}
	_ = logCloser.Close()
}

func runBacktest(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	feed, err := backtest.NewJSONLFeed(cfg.Backtest.DataPath)
	if err != nil {
		return err
	}
	book := paper.New(paper.Options{
		InitialKRW:  cfg.Paper.InitialKRW.Decimal,
		InitialCoin: cfg.Paper.InitialCoin.Decimal,
		FeeRate:     cfg.Paper.FeeRate.Decimal,
	})
	// Replays can produce thousands of events; they go to the debug log only.
	sink := quietSink{log: log.WithField("component", "notify")}
	eng := engine.New(book, engine.ConfigFrom(cfg), sink, log.WithField("component", "engine"))
	runner := &engine.BacktestRunner{
		Exchange: book,
		Feed:     feed,
		Engine:   eng,
		Log:      log.WithField("component", "backtest"),
	}
	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if skipped := feed.Skipped(); skipped > 0 {
		log.WithField("skipped_lines", skipped).Warn("backtest_feed_lines_skipped")
	}
	report.Backtest(os.Stdout, res)
	return nil
}

func runTrading(ctx context.Context, cfg config.Config, log *logrus.Entry, once bool) error {
	root := stateDir(cfg)
	st, err := store.New(root)
	if err != nil {
		return err
	}
	lock, err := store.AcquireInstanceLock(root, store.LockOptions{
		InstanceID:      cfg.InstanceID,
		Pair:            cfg.Pair(),
		TakeoverEnabled: cfg.State.LockTakeover != nil && *cfg.State.LockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.WithField("err", err).Warn("instance_lock_release_failed")
		}
	}()

	collectors := metrics.New()
	alerts := newAlertManager(cfg, log)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			log.WithField("err", err).Warn("alert_manager_close_timeout")
		}
	}()
	progress := notify.NewProgressTracker()
	sink := buildSink(alerts, progress, log)

	ex, err := openExchange(ctx, cfg, sink, collectors, log)
	if err != nil {
		return err
	}
	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		time.Duration(cfg.CircuitBreaker.CooldownSec)*time.Second,
	)
	breaker.SetLogger(log.WithField("component", "breaker"))
	if alerts != nil {
		breaker.SetAlerter(alerts)
	}

	eng := engine.New(safety.NewGuardedExchange(ex, breaker), engine.ConfigFrom(cfg), sink, log.WithField("component", "engine"))
	runner := &engine.Runner{
		Engine:     eng,
		Mode:       string(cfg.Mode),
		Pair:       cfg.Pair(),
		InstanceID: cfg.InstanceID,
		Store:      st,
		Journal:    st,
		Observer:   collectors,
		Breaker:    breaker,
		Log:        log.WithField("component", "runner"),
	}
	log.WithFields(logrus.Fields{"state_dir": root, "lock": lock.Path()}).Info("gridbot_started")

	if once {
		state, rep := runner.RunOnce(ctx)
		report.Cycle(os.Stdout, rep)
		if state.Placed != nil {
			report.Ledger(os.Stdout, "placed", state.Placed.Records())
		}
		if state.Processed != nil {
			report.Ledger(os.Stdout, "processed", state.Processed.Records())
		}
		return onceErr(rep)
	}

	if addr := cfg.Observability.HTTPAddr; addr != "" {
		srv := &httpapi.Server{
			Status:     runner,
			Progress:   progress,
			Metrics:    collectors.Handler(),
			StaleAfter: healthStaleAfter(cfg),
			Log:        log.WithField("component", "http"),
		}
		go func() {
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				log.WithFields(logrus.Fields{"addr": addr, "err": err}).Error("http_server_failed")
			}
		}()
	}
	return runner.Run(ctx)
}

// onceErr fails a single-cycle run only when the cycle aborted; handled
// outcomes such as a stale price or a short balance exit cleanly.
func onceErr(rep engine.Report) error {
	if rep.Outcome != engine.OutcomeAborted {
		return nil
	}
	if rep.Err == nil {
		return fmt.Errorf("cycle %s aborted at %s", rep.ID, rep.Stage)
	}
	return rep.Err
}

// openExchange builds the signed client for live mode, or a paper book fed by
// public prices for paper mode.
func openExchange(ctx context.Context, cfg config.Config, sink notify.Sink, obs bithumb.Observer, log *logrus.Entry) (exchange.Exchange, error) {
	opts := bithumb.Options{
		BaseURL:          cfg.Exchange.RestBaseURL,
		OrderCurrency:    cfg.OrderCurrency,
		PaymentCurrency:  cfg.PaymentCurrency,
		HTTPTimeout:      time.Duration(cfg.Exchange.HTTPTimeoutSec) * time.Second,
		MutationInterval: time.Duration(cfg.Exchange.MutationIntervalSec) * time.Second,
		Progress: func(seconds int) {
			sink.Progress(notify.Progress{SecondsRemaining: seconds})
		},
		Observer: obs,
		Logger:   log,
	}
	if cfg.Mode == config.ModeLive {
		if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
			return nil, errors.New("api_key/api_secret required")
		}
		opts.APIKey = cfg.Exchange.APIKey
		opts.APISecret = cfg.Exchange.APISecret
		return bithumb.NewClientWithOptions(opts), nil
	}

	paperOpts := paper.Options{
		InitialKRW:  cfg.Paper.InitialKRW.Decimal,
		InitialCoin: cfg.Paper.InitialCoin.Decimal,
		FeeRate:     cfg.Paper.FeeRate.Decimal,
	}
	if cfg.Paper.LivePrices {
		public := bithumb.NewClientWithOptions(opts)
		paperOpts.Source = public.CurrentPrice
		return paper.New(paperOpts), nil
	}
	book := paper.New(paperOpts)
	stream := bithumb.NewTickerStream(cfg.Exchange.WSBaseURL, cfg.OrderCurrency, cfg.PaymentCurrency)
	stream.Log = log.WithField("component", "ticker")
	go func() {
		err := stream.Follow(ctx, func(t bithumb.Ticker) error {
			for _, fill := range book.SetPrice(t.Price, t.Time) {
				log.WithFields(logrus.Fields{
					"order_id": fill.ID,
					"side":     string(fill.Side),
					"price":    fill.Price,
				}).Debug("paper_order_filled")
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithField("err", err).Error("ticker_stream_stopped")
		}
	}()
	return book, nil
}

func newAlertManager(cfg config.Config, log *logrus.Entry) *notify.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := notify.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBaseURL, time.Duration(tg.TimeoutSec)*time.Second)
	return notify.NewManagerWithOptions(string(cfg.Mode), cfg.Pair(), notifier, notify.ManagerOptions{
		QueueSize:          cfg.Observability.AlertQueueSize,
		DropReportInterval: time.Minute,
		Log:                log.WithField("component", "alerts"),
	})
}

// buildSink fans notifications out to the log, the progress tracker and,
// when configured, the async alert manager.
func buildSink(alerts *notify.Manager, progress *notify.ProgressTracker, log *logrus.Entry) notify.Sink {
	sinks := notify.Multi{notify.NewLogSink(log.WithField("component", "notify")), progress}
	if alerts != nil {
		sinks = append(sinks, alerts)
	}
	return sinks
}

func printFills(cfg config.Config, window time.Duration) error {
	st, err := store.New(stateDir(cfg))
	if err != nil {
		return err
	}
	entries, err := st.LoadFills(time.Now().UTC().Add(-window), time.Time{})
	if err != nil {
		return err
	}
	report.Fills(os.Stdout, entries)
	return nil
}

func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, string(cfg.Mode), strings.ToLower(cfg.Pair()), cfg.InstanceID)
}

// healthStaleAfter allows three missed polls plus the worst case of a cycle
// spent waiting on the mutation limiter.
func healthStaleAfter(cfg config.Config) time.Duration {
	poll := time.Duration(cfg.Trade.PollIntervalSec) * time.Second
	return 3*poll + 2*time.Minute
}

// quietSink logs notifications at debug level.
type quietSink struct {
	log *logrus.Entry
}

func (q quietSink) Notify(ev notify.Event) {
	q.log.WithFields(logrus.Fields{"title": ev.Title, "body": ev.Body}).Debug("notification")
}

func (q quietSink) Progress(notify.Progress) {}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
