// Package interleave merges per-source batches into one publish plan that
// keeps low-volume sources near the top.
package interleave

import (
	"slices"

	"github.com/ppiankov/sensorpress/internal/aggregate"
	"github.com/ppiankov/sensorpress/internal/source"
)

// Entry is one record scheduled for publishing.
type Entry struct {
	Source string
	Record source.Record
}

// Plan is the interleaved sequence in display order: the first entry is the
// one a newest-first feed shows on top.
type Plan []Entry

// Interleave orders batches by ascending size, keeping registration order on
// ties, and lays each batch over the plan with a growing stride. The smallest
// batch gets stride 1, the next stride 2, and so on. Records of one source
// keep their relative order. Empty batches take no stride.
func Interleave(batches []aggregate.Batch) Plan {
	sorted := make([]aggregate.Batch, 0, len(batches))
	for _, b := range batches {
		if len(b.Records) > 0 {
			sorted = append(sorted, b)
		}
	}
	slices.SortStableFunc(sorted, func(a, b aggregate.Batch) int {
		return len(a.Records) - len(b.Records)
	})

	plan := make(Plan, 0, aggregate.Count(sorted))
	pos, step := 0, 1
	for _, b := range sorted {
		for _, rec := range b.Records {
			at := min(pos, len(plan))
			plan = slices.Insert(plan, at, Entry{Source: b.Source, Record: rec})
			pos += step
		}
		pos, step = step, step+1
	}
	return plan
}

// PublishOrder returns the plan reversed: posts are created in this order so
// that the newest post, shown first, is the first plan entry.
func (p Plan) PublishOrder() []Entry {
	out := slices.Clone(p)
	slices.Reverse(out)
	return out
}

// Positions returns the plan indexes of each source's entries.
func (p Plan) Positions() map[string][]int {
	out := make(map[string][]int)
	for i, e := range p {
		out[e.Source] = append(out[e.Source], i)
	}
	return out
}
