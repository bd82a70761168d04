// Package summary derives dataset-level metadata for a requested range from
// parquet part footers, without decoding event data. Row counts, the column
// set with types, and timestamp bounds come from footer statistics; parts
// whose footers carry no statistics fall back to a bounded column scan.
package summary

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/logvault/logvault/pkg/event"
	"github.com/logvault/logvault/pkg/segment"
	"github.com/logvault/logvault/pkg/timerange"
)

// ErrSchemaConflict signals that the same column name carries different types
// in different parts of the summarized range.
var ErrSchemaConflict = errors.New("summary: column type conflict")

const defaultScanLimit = 100_000

// PartSummary is the footer-derived metadata of one part file.
type PartSummary struct {
	Rows    int64             `json:"rows"`
	Bytes   int64             `json:"bytes"`
	Columns map[string]string `json:"columns"`
	TsMin   int64             `json:"ts_min"`
	TsMax   int64             `json:"ts_max"`
	HasTs   bool              `json:"has_ts"`
}

// Summary aggregates every part of every segment intersecting the requested
// range. An uncovered or empty range summarizes to zero rows, not an error.
type Summary struct {
	EntityID string          `json:"entity_id"`
	Range    timerange.Range `json:"range"`
	Segments int             `json:"segments"`
	Parts    int             `json:"parts"`
	Rows     int64           `json:"rows"`
	Bytes    int64           `json:"bytes"`
	// Columns maps column name to its type across all parts.
	Columns map[string]string `json:"columns"`
	TsMin   int64             `json:"ts_min"`
	TsMax   int64             `json:"ts_max"`
	HasTs   bool              `json:"has_ts"`
}

// Summarizer reads part footers under a segment index, with an optional
// metadata cache so unchanged parts are read once.
type Summarizer struct {
	ix        *segment.Index
	cache     *MetaCache
	logger    *slog.Logger
	scanLimit int
}

// New creates a summarizer. cache may be nil; a nil logger falls back to
// slog.Default().
func New(ix *segment.Index, cache *MetaCache, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{ix: ix, cache: cache, logger: logger, scanLimit: defaultScanLimit}
}

// Summarize aggregates part metadata over all segments intersecting r.
func (s *Summarizer) Summarize(entityID string, r timerange.Range) (*Summary, error) {
	segments, err := s.ix.Intersecting(entityID, r)
	if err != nil {
		return nil, err
	}

	out := &Summary{
		EntityID: entityID,
		Range:    r,
		Segments: len(segments),
		Columns:  make(map[string]string),
	}
	for _, seg := range segments {
		parts, err := seg.Parts()
		if err != nil {
			return nil, err
		}
		for _, path := range parts {
			ps, err := s.partSummary(path)
			if err != nil {
				return nil, err
			}
			if err := out.merge(path, ps); err != nil {
				return nil, err
			}
		}
	}

	s.logger.Info("dataset_summary",
		"entity_id", entityID,
		"range", r.String(),
		"segments", out.Segments,
		"parts", out.Parts,
		"rows", out.Rows,
	)
	return out, nil
}

func (a *Summary) merge(path string, ps *PartSummary) error {
	a.Parts++
	a.Rows += ps.Rows
	a.Bytes += ps.Bytes
	for name, typ := range ps.Columns {
		if prev, ok := a.Columns[name]; ok && prev != typ {
			return fmt.Errorf("%w: column %q is %s in %s but %s elsewhere",
				ErrSchemaConflict, name, typ, path, prev)
		}
		a.Columns[name] = typ
	}
	if ps.HasTs {
		if !a.HasTs || ps.TsMin < a.TsMin {
			a.TsMin = ps.TsMin
		}
		if !a.HasTs || ps.TsMax > a.TsMax {
			a.TsMax = ps.TsMax
		}
		a.HasTs = true
	}
	return nil
}

// partSummary returns the cached metadata for path when its size and mtime
// are unchanged, reading the footer otherwise.
func (s *Summarizer) partSummary(path string) (*PartSummary, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat part %s: %w", path, err)
	}
	key := cacheKey(path, st)

	if s.cache != nil {
		if ps, ok := s.cache.Get(key); ok {
			return ps, nil
		}
	}
	ps, err := readPartSummary(path, st.Size(), s.scanLimit, s.logger)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(key, ps)
	}
	return ps, nil
}

func readPartSummary(path string, size int64, scanLimit int, logger *slog.Logger) (*PartSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening part %s: %w", path, err)
	}
	defer f.Close()

	pf, err := parquet.OpenFile(f, size)
	if err != nil {
		return nil, fmt.Errorf("%w: part %s: %v (delete the segment directory or enable cache bypass)",
			segment.ErrCorruptCache, path, err)
	}

	ps := &PartSummary{
		Rows:    pf.NumRows(),
		Bytes:   size,
		Columns: make(map[string]string),
	}
	for _, field := range pf.Schema().Fields() {
		ps.Columns[field.Name()] = typeName(field)
	}

	leaf, ok := pf.Schema().Lookup(event.TimestampField)
	if !ok || ps.Rows == 0 {
		return ps, nil
	}

	if fromStats(pf, leaf.ColumnIndex, ps) {
		return ps, nil
	}

	logger.Warn("summary_stats_missing",
		"part", path,
		"rows", ps.Rows,
		"scan_limit", scanLimit,
	)
	if err := fromScan(pf, leaf.ColumnIndex, scanLimit, ps); err != nil {
		return nil, fmt.Errorf("scanning part %s: %w", path, err)
	}
	return ps, nil
}

// fromStats fills the timestamp bounds from row-group column statistics.
// Every row group must carry both bounds; otherwise the caller falls back to
// scanning.
func fromStats(pf *parquet.File, colIdx int, ps *PartSummary) bool {
	meta := pf.Metadata()
	found := false
	for _, rg := range meta.RowGroups {
		if colIdx >= len(rg.Columns) {
			return false
		}
		stats := rg.Columns[colIdx].MetaData.Statistics
		minb, maxb := stats.MinValue, stats.MaxValue
		if len(minb) == 0 || len(maxb) == 0 {
			minb, maxb = stats.Min, stats.Max
		}
		if len(minb) != 8 || len(maxb) != 8 {
			return false
		}
		lo := int64(binary.LittleEndian.Uint64(minb))
		hi := int64(binary.LittleEndian.Uint64(maxb))
		if !found || lo < ps.TsMin {
			ps.TsMin = lo
		}
		if !found || hi > ps.TsMax {
			ps.TsMax = hi
		}
		found = true
	}
	ps.HasTs = found
	return found
}

// fromScan walks up to scanLimit rows reading only the timestamp column.
func fromScan(pf *parquet.File, colIdx, scanLimit int, ps *PartSummary) error {
	scanned := 0
	found := false
	buf := make([]parquet.Row, 256)

	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for scanned < scanLimit {
			n, err := rows.ReadRows(buf)
			for i := 0; i < n && scanned < scanLimit; i++ {
				scanned++
				for _, v := range buf[i] {
					if v.Column() != colIdx || v.IsNull() {
						continue
					}
					ts := v.Int64()
					if !found || ts < ps.TsMin {
						ps.TsMin = ts
					}
					if !found || ts > ps.TsMax {
						ps.TsMax = ts
					}
					found = true
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if scanned >= scanLimit {
			break
		}
	}
	ps.HasTs = found
	return nil
}

func typeName(field parquet.Field) string {
	t := field.Type()
	if lt := t.LogicalType(); lt != nil && lt.Timestamp != nil {
		return event.KindTimestamp.String()
	}
	switch t.Kind() {
	case parquet.Int64:
		return event.KindInt.String()
	case parquet.Double:
		return event.KindFloat.String()
	case parquet.Boolean:
		return event.KindBool.String()
	default:
		return event.KindString.String()
	}
}
