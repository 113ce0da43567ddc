package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bithumb-gridbot/internal/core"
)

// RuntimeStatus is the snapshot an operator reads to see what the bot is doing.
type RuntimeStatus struct {
	Mode           string     `json:"mode"`
	Pair           string     `json:"pair"`
	InstanceID     string     `json:"instance_id"`
	PID            int        `json:"pid"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Cycles         int64      `json:"cycles"`
	LastCycleAt    *time.Time `json:"last_cycle_at,omitempty"`
	LastOutcome    string     `json:"last_outcome,omitempty"`
	LastStage      string     `json:"last_stage,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastNotifiedAt time.Time  `json:"last_notified_at"`
	CurrentPrice   int64      `json:"current_price,omitempty"`
	Profit         int64      `json:"profit,omitempty"`
	Interval       int64      `json:"interval,omitempty"`
	OpenBuys       int        `json:"open_buys"`
	OpenSells      int        `json:"open_sells"`
	AvailableKRW   string     `json:"available_krw,omitempty"`
	AvailableCoin  string     `json:"available_coin,omitempty"`
	Breaker        string     `json:"breaker,omitempty"`
}

// FillEntry is one handled fill in the daily journal.
type FillEntry struct {
	CycleID     string          `json:"cycle_id"`
	OrderID     string          `json:"order_id"`
	Side        core.Side       `json:"side"`
	Price       int64           `json:"price"`
	Units       decimal.Decimal `json:"units"`
	Fee         decimal.Decimal `json:"fee"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Journal receives fills as cycles handle them.
type Journal interface {
	AppendFills(cycleID string, fills []core.TradeRecord) error
}

type Store struct {
	root string
	mu   sync.Mutex
	log  *logrus.Entry
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, log: logrus.WithField("component", "store")}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendFills writes fills to fills/<date>.jsonl, dated by processing time.
func (s *Store) AppendFills(cycleID string, fills []core.TradeRecord) error {
	if len(fills) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, "fills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	byDate := map[string][]FillEntry{}
	var dates []string
	for _, fill := range fills {
		at := fill.ProcessedAt.UTC()
		date := at.Format("2006-01-02")
		if _, ok := byDate[date]; !ok {
			dates = append(dates, date)
		}
		byDate[date] = append(byDate[date], FillEntry{
			CycleID:     cycleID,
			OrderID:     fill.ID,
			Side:        fill.Side,
			Price:       fill.Price,
			Units:       fill.Units,
			Fee:         fill.FeeEvaluated,
			ProcessedAt: at,
		})
	}
	for _, date := range dates {
		if err := appendJSONLines(filepath.Join(dir, date+".jsonl"), byDate[date]); err != nil {
			return err
		}
	}
	return nil
}

// LoadFills reads journal entries processed within [from, to), oldest first.
// A zero to means no upper bound.
func (s *Store) LoadFills(from, to time.Time) ([]FillEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.root, "fills", "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []FillEntry
	for _, path := range paths {
		date, err := time.Parse("2006-01-02", strings.TrimSuffix(filepath.Base(path), ".jsonl"))
		if err != nil {
			continue
		}
		if !from.IsZero() && date.Add(24*time.Hour).Before(from) {
			continue
		}
		if !to.IsZero() && !date.Before(to) {
			continue
		}
		entries, err := readJSONLines(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !from.IsZero() && e.ProcessedAt.Before(from) {
				continue
			}
			if !to.IsZero() && !e.ProcessedAt.Before(to) {
				continue
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	return out, nil
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func appendJSONLines(path string, entries []FillEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return f.Sync()
}

func readJSONLines(path string) ([]FillEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []FillEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry FillEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final line from a crash mid-append.
			continue
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDir(dir, path)
	return nil
}

func (s *Store) fsyncDir(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.log.WithFields(logrus.Fields{"dir": dir, "target": path, "err": err}).Warn("store_dir_fsync_skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.WithFields(logrus.Fields{"dir": dir, "target": path, "err": err}).Warn("store_dir_fsync_failed")
	}
}
