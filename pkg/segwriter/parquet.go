package segwriter

import (
	"fmt"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/logvault/logvault/pkg/event"
)

// column is one inferred parquet column: a name and the kind every buffered
// value of that name agreed on, after degradation.
type column struct {
	name string
	kind event.Kind
}

func codecFor(name string) (compress.Codec, error) {
	switch name {
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "zstd":
		return &parquet.Zstd, nil
	case "none", "uncompressed":
		return &parquet.Uncompressed, nil
	default:
		return nil, fmt.Errorf("segwriter: unknown compression %q", name)
	}
}

// inferColumns derives the column set for one part from the buffered rows.
// Rows are duck-typed, so the schema is per part, not per segment: a column
// missing from a row becomes null, an int column later joined by floats
// widens to double, and any other kind mix degrades to string.
func inferColumns(rows []event.Row) []column {
	kinds := make(map[string]event.Kind)
	for _, row := range rows {
		for name, v := range row {
			kind := v.Kind
			if kind == event.KindRaw {
				// Nested values are stored as their JSON text.
				kind = event.KindString
			}
			prev, seen := kinds[name]
			switch {
			case !seen:
				kinds[name] = kind
			case prev == kind:
			case (prev == event.KindInt && kind == event.KindFloat) ||
				(prev == event.KindFloat && kind == event.KindInt):
				kinds[name] = event.KindFloat
			default:
				kinds[name] = event.KindString
			}
		}
	}

	cols := make([]column, 0, len(kinds))
	for name, kind := range kinds {
		cols = append(cols, column{name: name, kind: kind})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].name < cols[j].name })
	return cols
}

func schemaFor(cols []column) *parquet.Schema {
	group := parquet.Group{}
	for _, c := range cols {
		var node parquet.Node
		switch c.kind {
		case event.KindInt:
			node = parquet.Int(64)
		case event.KindFloat:
			node = parquet.Leaf(parquet.DoubleType)
		case event.KindBool:
			node = parquet.Leaf(parquet.BooleanType)
		case event.KindTimestamp:
			node = parquet.Timestamp(parquet.Millisecond)
		default:
			node = parquet.String()
		}
		group[c.name] = parquet.Optional(node)
	}
	return parquet.NewSchema("event", group)
}

// colValue coerces a row value to the column's inferred kind.
func colValue(kind event.Kind, v event.Value) any {
	if kind == v.Kind {
		switch kind {
		case event.KindInt, event.KindTimestamp:
			return v.Int
		case event.KindFloat:
			return v.Float
		case event.KindBool:
			return v.Bool
		default:
			return v.Text()
		}
	}
	if kind == event.KindFloat && v.Kind == event.KindInt {
		return float64(v.Int)
	}
	return v.Text()
}

// writePart encodes one buffered batch as a parquet file at path.
func writePart(path string, rows []event.Row, compression string) (int64, error) {
	codec, err := codecFor(compression)
	if err != nil {
		return 0, err
	}
	cols := inferColumns(rows)
	schema := schemaFor(cols)

	colIdx := make([]int, len(cols))
	for i, c := range cols {
		leaf, ok := schema.Lookup(c.name)
		if !ok {
			return 0, fmt.Errorf("column %q missing from schema", c.name)
		}
		colIdx[i] = leaf.ColumnIndex
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	pw := parquet.NewGenericWriter[any](f, schema, parquet.Compression(codec))

	prows := make([]parquet.Row, 0, len(rows))
	for _, row := range rows {
		pr := make(parquet.Row, 0, len(cols))
		for i, c := range cols {
			v, ok := row[c.name]
			if !ok {
				pr = append(pr, parquet.ValueOf(nil).Level(0, 0, colIdx[i]))
				continue
			}
			pr = append(pr, parquet.ValueOf(colValue(c.kind, v)).Level(0, 1, colIdx[i]))
		}
		prows = append(prows, pr)
	}

	if _, err := pw.WriteRows(prows); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
