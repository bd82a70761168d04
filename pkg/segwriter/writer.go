// Package segwriter streams event rows into the part files of one segment
// directory. Rows are buffered up to a row-count or byte-estimate threshold,
// then flushed as a parquet part file with a monotonically increasing index.
// Memory stays bounded by the flush thresholds regardless of how many rows
// pass through.
package segwriter

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/logvault/logvault/pkg/event"
	"github.com/logvault/logvault/pkg/segment"
)

// ErrNotWritable signals that the segment directory could not be created or
// written. It is raised before any row is accepted so a fetch never runs
// against a sink that will fail at flush time.
var ErrNotWritable = errors.New("segwriter: segment directory not writable")

// Config holds the flush thresholds and output encoding.
type Config struct {
	// MaxBufferRows flushes the buffer when this many rows are pending.
	MaxBufferRows int
	// MaxBufferBytes flushes when the estimated in-memory size of pending
	// rows reaches this many bytes, whichever threshold trips first.
	MaxBufferBytes int64
	// Compression is one of snappy, gzip, zstd, none. Default snappy.
	Compression string
}

const (
	defaultMaxBufferRows  = 5000
	defaultMaxBufferBytes = 32 << 20
	defaultCompression    = "snappy"
)

func (c Config) withDefaults() Config {
	if c.MaxBufferRows <= 0 {
		c.MaxBufferRows = defaultMaxBufferRows
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = defaultMaxBufferBytes
	}
	if c.Compression == "" {
		c.Compression = defaultCompression
	}
	return c
}

// Stats summarizes what one writer produced.
type Stats struct {
	Rows         int64 `json:"rows"`
	Parts        int   `json:"parts"`
	Bytes        int64 `json:"bytes"`
	PartBytesMin int64 `json:"part_bytes_min"`
	PartBytesMax int64 `json:"part_bytes_max"`
}

// Writer accumulates rows for a single segment and writes its part files.
// Not safe for concurrent use.
type Writer struct {
	dir    string
	cfg    Config
	logger *slog.Logger

	buf      []event.Row
	bufBytes int64
	partIdx  int
	stats    Stats
	done     bool
}

// Open prepares a writer for the given segment directory, creating it if
// needed. It verifies writability up front by creating a probe file; an
// unusable directory fails here, before any row is accepted.
func Open(dir string, cfg Config, logger *slog.Logger) (*Writer, error) {
	cfg = cfg.withDefaults()
	if _, err := codecFor(cfg.Compression); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotWritable, dir, err)
	}
	probe := filepath.Join(dir, ".probe")
	f, err := os.Create(probe)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotWritable, dir, err)
	}
	f.Close()
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotWritable, dir, err)
	}

	return &Writer{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		buf:    make([]event.Row, 0, cfg.MaxBufferRows),
	}, nil
}

// Dir returns the segment directory this writer fills.
func (w *Writer) Dir() string { return w.dir }

// BufferedRows returns the number of rows pending flush.
func (w *Writer) BufferedRows() int { return len(w.buf) }

// Append buffers one row, flushing a part file when either threshold trips.
func (w *Writer) Append(row event.Row) error {
	if w.done {
		return fmt.Errorf("segwriter: append after finalize on %s", w.dir)
	}
	w.buf = append(w.buf, row)
	w.bufBytes += estimateRowBytes(row)
	if len(w.buf) >= w.cfg.MaxBufferRows || w.bufBytes >= w.cfg.MaxBufferBytes {
		return w.flush()
	}
	return nil
}

// Finalize flushes any remaining rows and returns the per-segment stats. A
// writer that saw no rows produces an empty segment directory with no parts.
func (w *Writer) Finalize() (Stats, error) {
	if w.done {
		return w.stats, nil
	}
	if len(w.buf) > 0 {
		if err := w.flush(); err != nil {
			return Stats{}, err
		}
	}
	w.done = true
	return w.stats, nil
}

func (w *Writer) flush() error {
	path := segment.PartPath(w.dir, w.partIdx)
	size, err := writePart(path, w.buf, w.cfg.Compression)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	w.logger.Debug("part_flushed",
		"path", path,
		"rows", len(w.buf),
		"bytes", size,
	)

	w.stats.Rows += int64(len(w.buf))
	w.stats.Parts++
	w.stats.Bytes += size
	if w.stats.PartBytesMin == 0 || size < w.stats.PartBytesMin {
		w.stats.PartBytesMin = size
	}
	if size > w.stats.PartBytesMax {
		w.stats.PartBytesMax = size
	}

	w.partIdx++
	w.buf = w.buf[:0]
	w.bufBytes = 0
	return nil
}

// estimateRowBytes approximates the in-memory footprint of a row for the
// byte threshold. Precision does not matter, stability does.
func estimateRowBytes(row event.Row) int64 {
	var n int64
	for name, v := range row {
		n += int64(len(name)) + 16
		switch v.Kind {
		case event.KindString:
			n += int64(len(v.Str))
		case event.KindRaw:
			n += int64(len(v.Raw))
		default:
			n += 8
		}
	}
	return n
}
