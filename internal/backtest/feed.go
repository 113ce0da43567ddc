package backtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one recorded KRW price.
type Tick struct {
	Time  time.Time `json:"time"`
	Price int64     `json:"price"`
}

type Feed interface {
	Next() (Tick, error)
	Close() error
}

// JSONLFeed reads ticks from a .jsonl file, or from every .jsonl file in a
// directory in name order. Lines without a usable time and positive price are
// skipped.
type JSONLFeed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
	skipped int
}

func NewJSONLFeed(path string) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{paths: paths}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

// Skipped counts lines that were read but could not be used.
func (f *JSONLFeed) Skipped() int { return f.skipped }

func (f *JSONLFeed) Next() (Tick, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return Tick{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return Tick{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return Tick{}, io.EOF
			}
			continue
		}
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		tick, ok := ParseLine([]byte(line))
		if !ok {
			f.skipped++
			continue
		}
		return tick, nil
	}
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

// SliceFeed replays ticks held in memory.
type SliceFeed struct {
	Ticks []Tick
	pos   int
}

func (s *SliceFeed) Next() (Tick, error) {
	if s.pos >= len(s.Ticks) {
		return Tick{}, io.EOF
	}
	t := s.Ticks[s.pos]
	s.pos++
	return t, nil
}

func (s *SliceFeed) Close() error { return nil }

// EncodeLine renders a tick in the format ParseLine reads.
func EncodeLine(t Tick) ([]byte, error) {
	return json.Marshal(struct {
		Time  string `json:"time"`
		Price int64  `json:"price"`
	}{Time: t.Time.UTC().Format(time.RFC3339Nano), Price: t.Price})
}

// ParseLine accepts {"time": ..., "price": ...} with a few aliases: time may
// be RFC3339, "2006-01-02 15:04:05", or unix seconds/milliseconds; price may
// be a number or string and is truncated to whole KRW.
func ParseLine(line []byte) (Tick, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Tick{}, false
	}
	tv, ok := firstOf(raw, "time", "timestamp", "ts")
	if !ok {
		return Tick{}, false
	}
	ts, ok := parseTime(tv)
	if !ok {
		return Tick{}, false
	}
	pv, ok := firstOf(raw, "price", "closePrice", "close")
	if !ok {
		return Tick{}, false
	}
	price, ok := parsePrice(pv)
	if !ok || price <= 0 {
		return Tick{}, false
	}
	return Tick{Time: ts.UTC(), Price: price}, true
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

func firstOf(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && len(v) > 0 && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// unquote returns the string content of a JSON string, or the raw token.
func unquote(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

func parseTime(raw json.RawMessage) (time.Time, bool) {
	s := unquote(raw)
	if s == "" {
		return time.Time{}, false
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v >= 1_000_000_000_000 {
			return time.UnixMilli(v), true
		}
		return time.Unix(v, 0), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parsePrice(raw json.RawMessage) (int64, bool) {
	d, err := decimal.NewFromString(unquote(raw))
	if err != nil {
		return 0, false
	}
	return d.IntPart(), true
}

var (
	_ Feed = (*JSONLFeed)(nil)
	_ Feed = (*SliceFeed)(nil)
)
