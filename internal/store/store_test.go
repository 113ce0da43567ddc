package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/core"
)

func TestStoreRuntimeStatusRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok, err := s.LoadRuntimeStatus(); err != nil || ok {
		t.Fatalf("LoadRuntimeStatus() on empty dir = ok %v err %v", ok, err)
	}

	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	last := started.Add(30 * time.Second)
	in := RuntimeStatus{
		Mode:         "live",
		Pair:         "BTC_KRW",
		InstanceID:   "bot1",
		PID:          1234,
		State:        "running",
		StartedAt:    started,
		Cycles:       3,
		LastCycleAt:  &last,
		LastOutcome:  "stale_price",
		CurrentPrice: 43250000,
		OpenBuys:     1,
	}
	if err := s.SaveRuntimeStatus(in); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}

	out, ok, err := s.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = ok %v err %v", ok, err)
	}
	if out.Pair != in.Pair || out.Cycles != 3 || out.LastOutcome != "stale_price" || out.CurrentPrice != in.CurrentPrice {
		t.Fatalf("LoadRuntimeStatus() mismatch: got %+v want %+v", out, in)
	}
	if out.LastCycleAt == nil || !out.LastCycleAt.Equal(last) {
		t.Fatalf("LastCycleAt = %v, want %v", out.LastCycleAt, last)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not stamped")
	}
	leftovers, _ := filepath.Glob(filepath.Join(s.Root(), "tmp-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func fill(t *testing.T, id string, side core.Side, price int64, at time.Time) core.TradeRecord {
	t.Helper()
	rec, err := core.NewTrade(id).Side(side).Status(core.StatusProcessed).
		Units(decimal.RequireFromString("0.001")).Price(price).Fee("0.0000025").
		PlacedAt(at).ProcessedAt(at).Build()
	if err != nil {
		t.Fatalf("build fill: %v", err)
	}
	return rec
}

func TestAppendFillsSplitsByDateAndFilters(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	day1 := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	if err := s.AppendFills("c1", []core.TradeRecord{
		fill(t, "a", core.Buy, 40000000, day1),
		fill(t, "b", core.Sell, 40600000, day2),
	}); err != nil {
		t.Fatalf("AppendFills() error = %v", err)
	}
	if err := s.AppendFills("c2", nil); err != nil {
		t.Fatalf("AppendFills(nil) error = %v", err)
	}

	for _, name := range []string{"2024-01-01.jsonl", "2024-01-02.jsonl"} {
		if _, err := os.Stat(filepath.Join(s.Root(), "fills", name)); err != nil {
			t.Fatalf("journal %s missing: %v", name, err)
		}
	}

	all, err := s.LoadFills(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("LoadFills() error = %v", err)
	}
	if len(all) != 2 || all[0].OrderID != "a" || all[1].OrderID != "b" {
		t.Fatalf("LoadFills() = %+v, want a then b", all)
	}
	if all[0].CycleID != "c1" || !all[0].Fee.Equal(decimal.RequireFromString("0.0000025")) {
		t.Fatalf("entry = %+v", all[0])
	}

	later, err := s.LoadFills(day1.Add(time.Minute), time.Time{})
	if err != nil {
		t.Fatalf("LoadFills(from) error = %v", err)
	}
	if len(later) != 1 || later[0].Side != core.Sell {
		t.Fatalf("LoadFills(from) = %+v, want only the sell", later)
	}
}

func TestLoadFillsSkipsTornLine(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := s.AppendFills("c1", []core.TradeRecord{fill(t, "a", core.Buy, 40000000, at)}); err != nil {
		t.Fatalf("AppendFills() error = %v", err)
	}
	path := filepath.Join(s.Root(), "fills", "2024-03-01.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"cycle_id":"c2","order_id":`)
	_ = f.Close()

	got, err := s.LoadFills(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("LoadFills() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("LoadFills() = %d entries, want 1", len(got))
	}
}
