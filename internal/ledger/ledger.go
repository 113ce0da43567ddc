// Package ledger keeps the in-memory trade records the cycle engine plans against.
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"bithumb-gridbot/internal/core"
)

// Ledger is an insertion-ordered collection of trade records. It is not safe
// for concurrent use; the cycle engine owns it under the single-flight rule.
type Ledger struct {
	records []core.TradeRecord
}

func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Add(rec core.TradeRecord) {
	l.records = append(l.records, rec)
}

// AddProcessed appends rec unless a record with the same processedAt already
// exists. It reports whether the record was added.
func (l *Ledger) AddProcessed(rec core.TradeRecord) bool {
	if _, ok := l.FindByProcessedAt(rec.ProcessedAt); ok {
		return false
	}
	l.Add(rec)
	return true
}

func (l *Ledger) Clear() {
	l.records = l.records[:0]
}

func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	return len(l.records)
}

func (l *Ledger) Records() []core.TradeRecord {
	if l == nil {
		return nil
	}
	out := make([]core.TradeRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Remove drops every record with the given id and returns how many were removed.
func (l *Ledger) Remove(id string) int {
	kept := l.records[:0]
	removed := 0
	for _, rec := range l.records {
		if rec.ID == id {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	l.records = kept
	return removed
}

// FindByPrice returns the first record on side at exactly price.
func (l *Ledger) FindByPrice(side core.Side, price int64) (core.TradeRecord, bool) {
	for _, rec := range l.records {
		if rec.Side == side && rec.Price == price {
			return rec, true
		}
	}
	return core.TradeRecord{}, false
}

func (l *Ledger) FindByProcessedAt(at time.Time) (core.TradeRecord, bool) {
	for _, rec := range l.records {
		if rec.ProcessedAt.Equal(at) {
			return rec, true
		}
	}
	return core.TradeRecord{}, false
}

// LatestBySide returns the record on side with the greatest processedAt.
func (l *Ledger) LatestBySide(side core.Side) (core.TradeRecord, bool) {
	var (
		latest core.TradeRecord
		found  bool
	)
	for _, rec := range l.records {
		if rec.Side != side {
			continue
		}
		if !found || rec.ProcessedAt.After(latest.ProcessedAt) {
			latest = rec
			found = true
		}
	}
	return latest, found
}

func (l *Ledger) FilterBySide(side core.Side) []core.TradeRecord {
	out := make([]core.TradeRecord, 0)
	for _, rec := range l.records {
		if rec.Side == side {
			out = append(out, rec)
		}
	}
	return out
}

func (l *Ledger) CountBySide(side core.Side) int {
	n := 0
	for _, rec := range l.records {
		if rec.Side == side {
			n++
		}
	}
	return n
}

// Estimation sums price*units over all records.
func (l *Ledger) Estimation() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range l.records {
		total = total.Add(rec.Amount())
	}
	return total
}

// ProcessedAfter returns records processed strictly after at, oldest first.
func (l *Ledger) ProcessedAfter(at time.Time) []core.TradeRecord {
	out := make([]core.TradeRecord, 0)
	for _, rec := range l.records {
		if rec.ProcessedAt.After(at) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProcessedAt.Before(out[j].ProcessedAt)
	})
	return out
}

// PruneBefore drops records processed before cutoff and returns how many were dropped.
func (l *Ledger) PruneBefore(cutoff time.Time) int {
	kept := l.records[:0]
	dropped := 0
	for _, rec := range l.records {
		if !rec.ProcessedAt.IsZero() && rec.ProcessedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, rec)
	}
	l.records = kept
	return dropped
}
