package summary

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/logvault/logvault/pkg/event"
	"github.com/logvault/logvault/pkg/segment"
	"github.com/logvault/logvault/pkg/segwriter"
	"github.com/logvault/logvault/pkg/timerange"
)

func writeSegment(t *testing.T, root, entity string, r timerange.Range, rows []event.Row) {
	t.Helper()
	w, err := segwriter.Open(segment.DirFor(root, entity, r), segwriter.Config{MaxBufferRows: 3}, nil)
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, w.Append(row))
	}
	_, err = w.Finalize()
	require.NoError(t, err)
}

func rowsWithTimestamps(ts ...int64) []event.Row {
	rows := make([]event.Row, len(ts))
	for i, v := range ts {
		rows[i] = event.Row{
			"message":   event.String(fmt.Sprintf("line %d", i)),
			"timestamp": event.Timestamp(v),
		}
	}
	return rows
}

func TestSummarize_UncoveredRangeIsZero(t *testing.T) {
	ix := segment.NewIndex(t.TempDir(), false, nil)
	s := New(ix, nil, nil)

	sum, err := s.Summarize("log-1", timerange.Range{Start: 0, End: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(0), sum.Rows)
	require.Equal(t, 0, sum.Segments)
	require.Equal(t, 0, sum.Parts)
	require.False(t, sum.HasTs)
	require.Empty(t, sum.Columns)
}

func TestSummarize_AggregatesAcrossSegments(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "log-1", timerange.Range{Start: 0, End: 100},
		rowsWithTimestamps(10, 20, 30, 40, 49))
	writeSegment(t, root, "log-1", timerange.Range{Start: 100, End: 200},
		rowsWithTimestamps(100, 120, 149))

	s := New(segment.NewIndex(root, false, nil), nil, nil)
	sum, err := s.Summarize("log-1", timerange.Range{Start: 0, End: 200})
	require.NoError(t, err)

	require.Equal(t, 2, sum.Segments)
	// 5 rows at MaxBufferRows 3 makes 2 parts, 3 rows make 1.
	require.Equal(t, 3, sum.Parts)
	require.Equal(t, int64(8), sum.Rows)
	require.True(t, sum.HasTs)
	require.Equal(t, int64(10), sum.TsMin)
	require.Equal(t, int64(149), sum.TsMax)
	require.Equal(t, "string", sum.Columns["message"])
	require.Equal(t, "timestamp_ms", sum.Columns["timestamp"])
	require.Greater(t, sum.Bytes, int64(0))
}

func TestSummarize_OnlyIntersectingSegments(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "log-1", timerange.Range{Start: 0, End: 100},
		rowsWithTimestamps(10, 20))
	writeSegment(t, root, "log-1", timerange.Range{Start: 500, End: 600},
		rowsWithTimestamps(510))

	s := New(segment.NewIndex(root, false, nil), nil, nil)
	sum, err := s.Summarize("log-1", timerange.Range{Start: 0, End: 100})
	require.NoError(t, err)
	require.Equal(t, 1, sum.Segments)
	require.Equal(t, int64(2), sum.Rows)
	require.Equal(t, int64(20), sum.TsMax)
}

func TestSummarize_SchemaConflict(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "log-1", timerange.Range{Start: 0, End: 100}, []event.Row{
		{"timestamp": event.Timestamp(10), "level": event.String("info")},
	})
	writeSegment(t, root, "log-1", timerange.Range{Start: 100, End: 200}, []event.Row{
		{"timestamp": event.Timestamp(110), "level": event.Int(3)},
	})

	s := New(segment.NewIndex(root, false, nil), nil, nil)
	_, err := s.Summarize("log-1", timerange.Range{Start: 0, End: 200})
	require.ErrorIs(t, err, ErrSchemaConflict)
	require.Contains(t, err.Error(), "level")
}

func TestSummarize_CorruptPart(t *testing.T) {
	root := t.TempDir()
	dir := segment.DirFor(root, "log-1", timerange.Range{Start: 0, End: 100})
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(segment.PartPath(dir, 0), []byte("not parquet"), 0o644))

	s := New(segment.NewIndex(root, false, nil), nil, nil)
	_, err := s.Summarize("log-1", timerange.Range{Start: 0, End: 100})
	require.ErrorIs(t, err, segment.ErrCorruptCache)
}

func TestMetaCache_RoundTrip(t *testing.T) {
	cache, err := OpenMetaCache(CacheConfig{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()

	ps := &PartSummary{
		Rows:    7,
		Bytes:   1234,
		Columns: map[string]string{"message": "string"},
		TsMin:   10,
		TsMax:   99,
		HasTs:   true,
	}
	cache.Put("part|1234|42", ps)

	got, ok := cache.Get("part|1234|42")
	require.True(t, ok)
	require.Equal(t, ps, got)

	_, ok = cache.Get("part|1234|43")
	require.False(t, ok)
}

func TestSummarize_WithMetaCache(t *testing.T) {
	root := t.TempDir()
	writeSegment(t, root, "log-1", timerange.Range{Start: 0, End: 100},
		rowsWithTimestamps(10, 20, 30))

	cache, err := OpenMetaCache(CacheConfig{InMemory: true})
	require.NoError(t, err)
	defer cache.Close()

	s := New(segment.NewIndex(root, false, nil), cache, nil)
	first, err := s.Summarize("log-1", timerange.Range{Start: 0, End: 100})
	require.NoError(t, err)

	// Second pass is served from the cache and must agree.
	second, err := s.Summarize("log-1", timerange.Range{Start: 0, End: 100})
	require.NoError(t, err)
	require.Equal(t, first, second)
}
