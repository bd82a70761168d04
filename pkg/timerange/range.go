// Package timerange implements half-open time interval algebra over epoch
// milliseconds. All operations are pure; intervals are [Start, End) with
// Start < End.
package timerange

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned when an interval is empty or inverted.
var ErrInvalidRange = errors.New("timerange: invalid range")

// Range is a half-open interval [Start, End) in epoch milliseconds.
type Range struct {
	Start int64 `json:"start_ms"`
	End   int64 `json:"end_ms"`
}

// New validates and constructs a Range. End must be strictly greater than
// Start.
func New(startMs, endMs int64) (Range, error) {
	if endMs <= startMs {
		return Range{}, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, startMs, endMs)
	}
	return Range{Start: startMs, End: endMs}, nil
}

// String formats the range as [start, end).
func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Duration returns the span of the range.
func (r Range) Duration() time.Duration {
	return time.Duration(r.End-r.Start) * time.Millisecond
}

// Intersects reports whether r and o share at least one instant.
// Touching ranges ([0,10) and [10,20)) do not intersect.
func (r Range) Intersects(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Contains reports whether r fully covers o.
func (r Range) Contains(o Range) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Clamp intersects r with bounds. The second return value is false when the
// intersection is empty.
func (r Range) Clamp(bounds Range) (Range, bool) {
	start := r.Start
	if bounds.Start > start {
		start = bounds.Start
	}
	end := r.End
	if bounds.End < end {
		end = bounds.End
	}
	if end <= start {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// Merge sorts the input and coalesces overlapping and touching ranges into a
// canonical sorted, non-overlapping, non-adjacent list. Empty or inverted
// inputs are dropped. The input slice is not modified.
func Merge(ranges []Range) []Range {
	valid := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End > r.Start {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	sortRanges(valid)

	merged := valid[:1]
	for _, r := range valid[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			// Overlapping or touching: extend the current range.
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Subtract computes universe \ covered: the canonical sorted list of gaps in
// universe not covered by any input range. Covered ranges are clamped to the
// universe first; zero-width gaps are never produced.
func Subtract(universe Range, covered []Range) ([]Range, error) {
	if universe.End <= universe.Start {
		return nil, fmt.Errorf("%w: universe %s", ErrInvalidRange, universe)
	}

	clamped := make([]Range, 0, len(covered))
	for _, r := range covered {
		if c, ok := r.Clamp(universe); ok {
			clamped = append(clamped, c)
		}
	}

	var gaps []Range
	cursor := universe.Start
	for _, r := range Merge(clamped) {
		if r.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, End: r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
		if cursor >= universe.End {
			break
		}
	}
	if cursor < universe.End {
		gaps = append(gaps, Range{Start: cursor, End: universe.End})
	}
	return gaps, nil
}

// sortRanges orders by start, then end. Insertion sort keeps the hot path
// allocation-free; coverage lists are small.
func sortRanges(rs []Range) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0; j-- {
			if rs[j].Start < rs[j-1].Start ||
				(rs[j].Start == rs[j-1].Start && rs[j].End < rs[j-1].End) {
				rs[j], rs[j-1] = rs[j-1], rs[j]
			} else {
				break
			}
		}
	}
}
