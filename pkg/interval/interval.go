// Package interval implements the small amount of interval algebra needed to
// reason about who was speaking when: merging, measuring and intersecting
// half-open time spans expressed in seconds.
package interval

import "sort"

// Interval is a span of time in seconds. Valid intervals have End > Start.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Length returns End-Start, or zero for degenerate intervals.
func (iv Interval) Length() float64 {
	if iv.End <= iv.Start {
		return 0
	}
	return iv.End - iv.Start
}

// Sort orders intervals by start, then end, in place.
func Sort(ivs []Interval) {
	sort.SliceStable(ivs, func(i, j int) bool {
		if ivs[i].Start != ivs[j].Start {
			return ivs[i].Start < ivs[j].Start
		}
		return ivs[i].End < ivs[j].End
	})
}

// Merge returns the union of ivs as a sorted list of disjoint intervals.
// Zero-length and inverted entries are dropped; intervals that touch are
// joined. The input slice is not modified.
func Merge(ivs []Interval) []Interval {
	valid := make([]Interval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.End > iv.Start {
			valid = append(valid, iv)
		}
	}
	if len(valid) == 0 {
		return []Interval{}
	}
	Sort(valid)

	merged := make([]Interval, 0, len(valid))
	cur := valid[0]
	for _, next := range valid[1:] {
		if next.Start <= cur.End {
			if next.End > cur.End {
				cur.End = next.End
			}
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	return append(merged, cur)
}

// Duration sums the lengths of ivs. Overlaps are counted twice; merge first
// to measure covered time.
func Duration(ivs []Interval) float64 {
	var total float64
	for _, iv := range ivs {
		total += iv.End - iv.Start
	}
	return total
}

// Intersect sweeps two start-sorted lists and returns every overlap with
// strictly positive length. When ends are equal the cursor on a advances.
// The result is not merged.
func Intersect(a, b []Interval) []Interval {
	out := make([]Interval, 0)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End, b[j].End)
		if end > start {
			out = append(out, Interval{Start: start, End: end})
		}
		if a[i].End <= b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}
