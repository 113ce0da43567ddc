package ledger

import (
	"bithumb-gridbot/internal/core"
)

// ReconcileResult counts how the placed subset changed.
type ReconcileResult struct {
	Kept    int
	Added   int
	Removed int
}

// Reconcile rebuilds the ledger so it holds exactly the open orders reported by
// the exchange. Local records are marked stale first; records confirmed by id
// are refreshed and unmarked, new ids are appended, and whatever stays marked
// is dropped.
func (l *Ledger) Reconcile(open []core.TradeRecord) ReconcileResult {
	var res ReconcileResult
	index := make(map[string]int, len(l.records))
	for i, rec := range l.records {
		l.records[i] = rec.WithMarked(true)
		if rec.ID != "" {
			index[rec.ID] = i
		}
	}
	for _, rec := range open {
		if i, ok := index[rec.ID]; ok && rec.ID != "" && l.records[i].Marked {
			l.records[i] = rec.WithMarked(false)
			res.Kept++
			continue
		}
		l.records = append(l.records, rec.WithMarked(false))
		res.Added++
	}
	kept := l.records[:0]
	for _, rec := range l.records {
		if rec.Marked {
			res.Removed++
			continue
		}
		kept = append(kept, rec)
	}
	l.records = kept
	return res
}
