package backtest

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseLineFormats(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name  string
		line  string
		price int64
		ok    bool
	}{
		{name: "rfc3339 number", line: `{"time":"2024-01-02T03:04:05Z","price":43250000}`, price: 43250000, ok: true},
		{name: "unix seconds string price", line: `{"ts":1704164645,"price":"43250000.9"}`, price: 43250000, ok: true},
		{name: "unix millis", line: `{"timestamp":1704164645000,"closePrice":"40000000"}`, price: 40000000, ok: true},
		{name: "space layout", line: `{"time":"2024-01-02 03:04:05","close":1}`, price: 1, ok: true},
		{name: "zero price", line: `{"time":"2024-01-02T03:04:05Z","price":0}`},
		{name: "missing time", line: `{"price":100}`},
		{name: "bad price", line: `{"time":"2024-01-02T03:04:05Z","price":"abc"}`},
		{name: "not json", line: `price=100`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tick, ok := ParseLine([]byte(tc.line))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !tc.ok {
				return
			}
			if tick.Price != tc.price {
				t.Fatalf("price = %d, want %d", tick.Price, tc.price)
			}
			if !tick.Time.Equal(want) {
				t.Fatalf("time = %s, want %s", tick.Time, want)
			}
		})
	}
}

func TestEncodeLineRoundTrips(t *testing.T) {
	in := Tick{Time: time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC), Price: 91230000}
	line, err := EncodeLine(in)
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	out, ok := ParseLine(line)
	if !ok {
		t.Fatalf("ParseLine rejected %s", line)
	}
	if out.Price != in.Price || !out.Time.Equal(in.Time) {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
}

func TestJSONLFeedReadsDirectoryInOrder(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("2024-01-02.jsonl", `{"time":"2024-01-02T00:00:00Z","price":300}`+"\n")
	write("2024-01-01.jsonl", `{"time":"2024-01-01T00:00:00Z","price":100}`+"\n\ngarbage\n"+`{"time":"2024-01-01T00:01:00Z","price":200}`+"\n")
	write("notes.txt", "ignored")

	feed, err := NewJSONLFeed(dir)
	if err != nil {
		t.Fatalf("NewJSONLFeed: %v", err)
	}
	defer feed.Close()

	var prices []int64
	for {
		tick, err := feed.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		prices = append(prices, tick.Price)
	}
	if len(prices) != 3 || prices[0] != 100 || prices[1] != 200 || prices[2] != 300 {
		t.Fatalf("prices = %v, want [100 200 300]", prices)
	}
	if feed.Skipped() != 1 {
		t.Fatalf("skipped = %d, want 1", feed.Skipped())
	}
}

func TestJSONLFeedEmptyDirectory(t *testing.T) {
	if _, err := NewJSONLFeed(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}

func TestSliceFeed(t *testing.T) {
	f := &SliceFeed{Ticks: []Tick{{Price: 1}, {Price: 2}}}
	a, _ := f.Next()
	b, _ := f.Next()
	_, err := f.Next()
	if a.Price != 1 || b.Price != 2 {
		t.Fatalf("prices = %d,%d, want 1,2", a.Price, b.Price)
	}
	if err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
}
