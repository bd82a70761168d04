// Package segment manages the on-disk cache of immutable parquet segments and
// plans which parts of a requested time range still need fetching.
//
// Layout: <cache_root>/<entity_id>/from=<start_ms>/to=<end_ms>/part-XXXXX.parquet
// A segment's range is the range that was requested when it was created, not
// the span of event timestamps inside it. Segments are never rewritten,
// merged, or deleted by this package.
package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/logvault/logvault/pkg/timerange"
)

// ErrCorruptCache signals an unparsable segment directory name or otherwise
// unusable cache contents. Fatal unless the index was opened with bypass, in
// which case the offending segment is treated as absent.
var ErrCorruptCache = errors.New("segment: corrupt cache")

// PartPrefix and PartExt name the part files within a segment directory.
const (
	PartPrefix = "part-"
	PartExt    = ".parquet"
)

// Segment is one immutable cache unit: a directory of part files covering
// exactly one requested range for one entity.
type Segment struct {
	EntityID string          `json:"entity_id"`
	Range    timerange.Range `json:"range"`
	Dir      string          `json:"dir"`
}

// DirFor returns the directory a segment for the given entity and range lives
// in, whether or not it exists yet.
func DirFor(root, entityID string, r timerange.Range) string {
	return filepath.Join(root, entityID,
		fmt.Sprintf("from=%d", r.Start), fmt.Sprintf("to=%d", r.End))
}

// PartPath returns the path of the idx-th part file inside dir.
func PartPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%05d%s", PartPrefix, idx, PartExt))
}

// Parts lists the part files of a segment in index order.
func (s Segment) Parts() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading segment dir %s: %w", s.Dir, err)
	}
	var parts []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, PartPrefix) && strings.HasSuffix(name, PartExt) {
			parts = append(parts, filepath.Join(s.Dir, name))
		}
	}
	sort.Strings(parts)
	return parts, nil
}

// Index enumerates persisted segments under a cache root.
type Index struct {
	root   string
	bypass bool
	logger *slog.Logger
}

// NewIndex creates an index over root. With bypass set, corrupt segments are
// logged as warnings and treated as absent instead of failing the caller.
func NewIndex(root string, bypass bool, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{root: root, bypass: bypass, logger: logger}
}

// Root returns the cache root directory.
func (ix *Index) Root() string { return ix.root }

// List enumerates all segments for an entity, sorted by start then end. A
// directory matching the from=/to= convention but failing to parse returns
// ErrCorruptCache (or is skipped with a warning under bypass).
func (ix *Index) List(entityID string) ([]Segment, error) {
	base := filepath.Join(ix.root, entityID)
	fromDirs, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache dir %s: %w", base, err)
	}

	var segments []Segment
	for _, fd := range fromDirs {
		if !fd.IsDir() || !strings.HasPrefix(fd.Name(), "from=") {
			continue
		}
		start, err := parseBound(fd.Name(), "from=")
		if err != nil {
			if skip := ix.corrupt(entityID, filepath.Join(base, fd.Name()), err); skip != nil {
				return nil, skip
			}
			continue
		}
		toDirs, err := os.ReadDir(filepath.Join(base, fd.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading segment dir %s: %w", fd.Name(), err)
		}
		for _, td := range toDirs {
			if !td.IsDir() || !strings.HasPrefix(td.Name(), "to=") {
				continue
			}
			dir := filepath.Join(base, fd.Name(), td.Name())
			end, err := parseBound(td.Name(), "to=")
			if err == nil && end <= start {
				err = fmt.Errorf("empty range [%d, %d)", start, end)
			}
			if err != nil {
				if skip := ix.corrupt(entityID, dir, err); skip != nil {
					return nil, skip
				}
				continue
			}
			segments = append(segments, Segment{
				EntityID: entityID,
				Range:    timerange.Range{Start: start, End: end},
				Dir:      dir,
			})
		}
	}

	sort.Slice(segments, func(i, j int) bool {
		if segments[i].Range.Start != segments[j].Range.Start {
			return segments[i].Range.Start < segments[j].Range.Start
		}
		return segments[i].Range.End < segments[j].Range.End
	})
	return segments, nil
}

// Intersecting returns the segments whose range overlaps r.
func (ix *Index) Intersecting(entityID string, r timerange.Range) ([]Segment, error) {
	all, err := ix.List(entityID)
	if err != nil {
		return nil, err
	}
	var hits []Segment
	for _, s := range all {
		if s.Range.Intersects(r) {
			hits = append(hits, s)
		}
	}
	return hits, nil
}

// corrupt returns the error to propagate, or nil when bypass downgrades it to
// a warning.
func (ix *Index) corrupt(entityID, dir string, cause error) error {
	if ix.bypass {
		ix.logger.Warn("cache_segment_ignored",
			"entity_id", entityID,
			"dir", dir,
			"error", cause.Error(),
		)
		return nil
	}
	return fmt.Errorf("%w: segment %s: %v (delete the directory or enable cache bypass)",
		ErrCorruptCache, dir, cause)
}

func parseBound(name, prefix string) (int64, error) {
	raw := strings.TrimPrefix(name, prefix)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable bound %q", name)
	}
	return v, nil
}
