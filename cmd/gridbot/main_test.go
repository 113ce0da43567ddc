package main

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"bithumb-gridbot/internal/config"
	"bithumb-gridbot/internal/core"
	"bithumb-gridbot/internal/engine"
	"bithumb-gridbot/internal/notify"
)

func TestStateDirSeparatesModePairAndInstance(t *testing.T) {
	cfg := config.Config{
		Mode:            config.ModePaper,
		OrderCurrency:   "ETH",
		PaymentCurrency: "KRW",
		InstanceID:      "alpha",
		State:           config.StateConfig{Dir: "/var/lib/gridbot"},
	}
	got := stateDir(cfg)
	want := filepath.Join("/var/lib/gridbot", "paper", "eth_krw", "alpha")
	if got != want {
		t.Fatalf("stateDir = %q, want %q", got, want)
	}
}

func TestHealthStaleAfterCoversThreePolls(t *testing.T) {
	cfg := config.Config{Trade: config.TradeConfig{PollIntervalSec: 60}}
	if got := healthStaleAfter(cfg); got != 5*time.Minute {
		t.Fatalf("healthStaleAfter = %s, want 5m", got)
	}
}

func TestBuildSinkWithoutAlertsFansToLogAndProgress(t *testing.T) {
	logger, hook := test.NewNullLogger()
	progress := notify.NewProgressTracker()

	sink := buildSink(nil, progress, logrus.NewEntry(logger))
	multi, ok := sink.(notify.Multi)
	if !ok {
		t.Fatalf("sink type = %T, want notify.Multi", sink)
	}
	if len(multi) != 2 {
		t.Fatalf("sinks = %d, want 2", len(multi))
	}

	sink.Notify(notify.Event{Title: notify.TitleBuy, Body: "filled"})
	sink.Progress(notify.Progress{SecondsRemaining: 7})

	if got, _ := progress.Latest(); got.SecondsRemaining != 7 {
		t.Fatalf("progress = %d, want 7", got.SecondsRemaining)
	}
	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Data["title"] == notify.TitleBuy {
			found = true
		}
	}
	if !found {
		t.Fatalf("buy notification not logged")
	}
}

func TestQuietSinkLogsOnlyAtDebug(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetOutput(io.Discard)
	sink := quietSink{log: logrus.NewEntry(logger)}

	sink.Notify(notify.Event{Title: notify.TitleSell})
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("entries at info level = %d, want 0", len(hook.AllEntries()))
	}

	logger.SetLevel(logrus.DebugLevel)
	sink.Notify(notify.Event{Title: notify.TitleSell})
	if entry := hook.LastEntry(); entry == nil || entry.Level != logrus.DebugLevel {
		t.Fatalf("expected one debug entry, got %+v", hook.AllEntries())
	}
}

func TestNewAlertManagerDisabledReturnsNil(t *testing.T) {
	cfg := config.Config{Mode: config.ModePaper, OrderCurrency: "BTC", PaymentCurrency: "KRW"}
	if m := newAlertManager(cfg, logrus.NewEntry(logrus.New())); m != nil {
		t.Fatalf("expected nil manager when telegram disabled")
	}
}

func TestOnceErrOnlyForAbortedCycles(t *testing.T) {
	handled := []engine.Report{
		{Outcome: engine.OutcomeCompleted},
		{Outcome: engine.OutcomeStalePrice, Err: core.ErrStalePrice},
		{Outcome: engine.OutcomeInsufficientBalance, Err: core.ErrInsufficientBalance},
		{Outcome: engine.OutcomeBuySkipped},
	}
	for _, rep := range handled {
		if err := onceErr(rep); err != nil {
			t.Fatalf("onceErr(%s) = %v, want nil", rep.Outcome, err)
		}
	}

	err := onceErr(engine.Report{Outcome: engine.OutcomeAborted, Stage: engine.StageFills, Err: core.ErrTransport})
	if !errors.Is(err, core.ErrTransport) {
		t.Fatalf("onceErr(aborted) = %v, want transport error", err)
	}
	if err := onceErr(engine.Report{ID: "c1", Outcome: engine.OutcomeAborted, Stage: engine.StagePrice}); err == nil {
		t.Fatalf("onceErr(aborted without err) = nil, want error")
	}
}
