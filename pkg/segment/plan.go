package segment

import (
	"fmt"

	"github.com/logvault/logvault/pkg/timerange"
)

// Decision classifies a coverage plan.
type Decision string

const (
	DecisionHit     Decision = "hit"
	DecisionMiss    Decision = "miss"
	DecisionPartial Decision = "partial"
)

// Plan is the request-scoped coverage computation for one requested range.
// Covered and Missing are both clamped to Requested; together they partition
// it exactly.
type Plan struct {
	EntityID  string            `json:"entity_id"`
	Requested timerange.Range   `json:"requested"`
	Decision  Decision          `json:"decision"`
	Covered   []timerange.Range `json:"covered"`
	Missing   []timerange.Range `json:"missing"`
	// Segments are the pre-existing segments intersecting Requested, in
	// range order.
	Segments []Segment `json:"segments"`
}

// Plan computes hit/miss/partial coverage for the requested range and the
// ordered missing sub-ranges to fetch. The decision and the missing list are
// logged before any fetch begins; that log line is the audit point for the
// range math.
//
// Two cached segments overlapping each other (not merely touching) can only
// come from a concurrent-writer race or manual tampering and are reported as
// cache corruption.
func (ix *Index) Plan(entityID string, requested timerange.Range) (*Plan, error) {
	if requested.End <= requested.Start {
		return nil, fmt.Errorf("%w: requested %s", timerange.ErrInvalidRange, requested)
	}

	segments, err := ix.Intersecting(entityID, requested)
	if err != nil {
		return nil, err
	}

	if err := ix.rejectOverlaps(entityID, segments); err != nil {
		return nil, err
	}

	clamped := make([]timerange.Range, 0, len(segments))
	for _, s := range segments {
		if c, ok := s.Range.Clamp(requested); ok {
			clamped = append(clamped, c)
		}
	}
	covered := timerange.Merge(clamped)
	missing, err := timerange.Subtract(requested, covered)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		EntityID:  entityID,
		Requested: requested,
		Covered:   covered,
		Missing:   missing,
		Segments:  segments,
	}
	switch {
	case len(missing) == 0:
		p.Decision = DecisionHit
	case len(covered) == 0:
		p.Decision = DecisionMiss
	default:
		p.Decision = DecisionPartial
	}

	ix.logger.Info("cache_decision",
		"entity_id", entityID,
		"requested", requested.String(),
		"decision", string(p.Decision),
		"segments_used", len(segments),
		"covered_ranges", rangeStrings(covered),
		"missing_ranges", rangeStrings(missing),
	)
	return p, nil
}

func (ix *Index) rejectOverlaps(entityID string, segments []Segment) error {
	for i := 1; i < len(segments); i++ {
		prev, cur := segments[i-1], segments[i]
		if !prev.Range.Intersects(cur.Range) {
			continue
		}
		if skip := ix.corrupt(entityID, cur.Dir,
			fmt.Errorf("range %s overlaps segment %s", cur.Range, prev.Range)); skip != nil {
			return skip
		}
	}
	return nil
}

func rangeStrings(rs []timerange.Range) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}
