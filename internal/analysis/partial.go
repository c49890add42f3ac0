// Package analysis computes temporal and spatial aggregates over conflict
// events.
package analysis

import "math"

// Partial is a mergeable count/sum/min/max over one numeric measure.
// Shards accumulate independently and are merged afterwards, so avg is
// derived from sum and count rather than stored.
type Partial struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Accumulate adds one value.
func (p *Partial) Accumulate(v float64) {
	if math.IsNaN(v) {
		return
	}
	if p.Count == 0 || v < p.Min {
		p.Min = v
	}
	if p.Count == 0 || v > p.Max {
		p.Max = v
	}
	p.Count++
	p.Sum += v
}

// Merge folds src into p.
func (p *Partial) Merge(src Partial) {
	if src.Count == 0 {
		return
	}
	if p.Count == 0 {
		*p = src
		return
	}
	p.Count += src.Count
	p.Sum += src.Sum
	p.Min = math.Min(p.Min, src.Min)
	p.Max = math.Max(p.Max, src.Max)
}

// Avg returns the mean, or 0 when empty.
func (p Partial) Avg() float64 {
	if p.Count == 0 {
		return 0
	}
	return p.Sum / float64(p.Count)
}
