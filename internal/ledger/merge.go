package ledger

import (
	"sort"
	"time"

	"bithumb-gridbot/internal/core"
)

type mergeKey struct {
	side  core.Side
	price int64
}

// FillGroup is one merged record together with the records it was built from.
type FillGroup struct {
	Merged   core.TradeRecord
	Parts    []core.TradeRecord
	Earliest time.Time
}

// GroupSamePrice collapses records sharing side and price into groups: units
// and evaluated fees are summed, and the latest processedAt (with its id and
// raw fee) becomes the merged record's. Groups are ordered by their earliest
// part, oldest first.
func GroupSamePrice(records []core.TradeRecord) []FillGroup {
	out := make([]FillGroup, 0, len(records))
	index := make(map[mergeKey]int, len(records))
	for _, rec := range records {
		key := mergeKey{side: rec.Side, price: rec.Price}
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, FillGroup{Merged: rec, Parts: []core.TradeRecord{rec}, Earliest: rec.ProcessedAt})
			continue
		}
		g := &out[i]
		merged := g.Merged
		units := merged.Units.Add(rec.Units)
		fee := merged.FeeEvaluated.Add(rec.FeeEvaluated)
		if rec.ProcessedAt.After(merged.ProcessedAt) {
			merged = rec
		}
		merged.Units = units
		merged.FeeEvaluated = fee
		g.Merged = merged
		g.Parts = append(g.Parts, rec)
		if rec.ProcessedAt.Before(g.Earliest) {
			g.Earliest = rec.ProcessedAt
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Earliest.Before(out[j].Earliest)
	})
	return out
}

// MergeSamePrice is GroupSamePrice without the parts. The result is ordered
// by the merged processedAt, oldest first.
func MergeSamePrice(records []core.TradeRecord) []core.TradeRecord {
	groups := GroupSamePrice(records)
	out := make([]core.TradeRecord, len(groups))
	for i, g := range groups {
		out[i] = g.Merged
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProcessedAt.Before(out[j].ProcessedAt)
	})
	return out
}
