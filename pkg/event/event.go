// Package event models one ingested log event as a loosely-typed row.
// Provider payloads are duck-typed JSON objects; each field is converted once
// at ingestion into a tagged Value so downstream code never re-inspects raw
// JSON.
package event

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// TimestampField is the column carrying the event time in epoch milliseconds.
const TimestampField = "timestamp"

// Kind identifies the scalar type of a Value.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTimestamp
	// KindRaw holds JSON the converter could not map to a scalar kind
	// (nested objects, arrays).
	KindRaw
)

// String returns the parquet-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int64"
	case KindFloat:
		return "double"
	case KindBool:
		return "boolean"
	case KindTimestamp:
		return "timestamp_ms"
	case KindRaw:
		return "raw_json"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged union of the scalar kinds an event field can hold.
// Only the field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Raw   json.RawMessage
}

// String constructs a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Int constructs an int64 Value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Float constructs a double Value.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Bool constructs a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Timestamp constructs a timestamp Value from epoch milliseconds.
func Timestamp(ms int64) Value { return Value{Kind: KindTimestamp, Int: ms} }

// Raw constructs a raw-JSON fallback Value.
func Raw(data json.RawMessage) Value { return Value{Kind: KindRaw, Raw: data} }

// Any returns the Go representation of the value for encoding.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt, KindTimestamp:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindRaw:
		return string(v.Raw)
	default:
		return nil
	}
}

// Text renders the value as a string, used when a column degrades to string
// because of mixed kinds.
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt, KindTimestamp:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindRaw:
		return string(v.Raw)
	default:
		return ""
	}
}

// Row is one ingested event: column name to typed value. Rows are never
// mutated after construction.
type Row map[string]Value

// FromAny converts one decoded JSON object into a Row. Numbers decoded via
// json.Number keep integer precision; nested objects and arrays fall back to
// KindRaw; null fields are omitted.
func FromAny(obj map[string]any) Row {
	row := make(Row, len(obj))
	for name, val := range obj {
		if v, ok := convert(name, val); ok {
			row[name] = v
		}
	}
	return row
}

func convert(name string, val any) (Value, bool) {
	switch v := val.(type) {
	case nil:
		return Value{}, false
	case string:
		return String(v), true
	case bool:
		return Bool(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			if name == TimestampField {
				return Timestamp(i), true
			}
			return Int(i), true
		}
		f, err := v.Float64()
		if err != nil {
			return String(v.String()), true
		}
		if name == TimestampField {
			return Timestamp(int64(f)), true
		}
		return Float(f), true
	case float64:
		if name == TimestampField {
			return Timestamp(int64(v)), true
		}
		if v == math.Trunc(v) && math.Abs(v) < math.MaxInt64 {
			return Int(int64(v)), true
		}
		return Float(v), true
	case int64:
		if name == TimestampField {
			return Timestamp(v), true
		}
		return Int(v), true
	case int:
		return convert(name, int64(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Value{}, false
		}
		return Raw(raw), true
	}
}

// Timestamp returns the event time in epoch milliseconds, if present.
func (r Row) Timestamp() (int64, bool) {
	v, ok := r[TimestampField]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindTimestamp, KindInt:
		return v.Int, true
	case KindFloat:
		return int64(v.Float), true
	default:
		return 0, false
	}
}

// DedupeKey builds the row-identifying key used for in-run de-duplication:
// the provider log id plus the event sequence number. Rows missing either
// part have no key and are never deduplicated.
func (r Row) DedupeKey() (string, bool) {
	logID, ok := r["log_id"]
	if !ok || logID.Kind == KindRaw {
		return "", false
	}
	seq, ok := r["sequence_number_str"]
	if !ok {
		seq, ok = r["sequence_number"]
	}
	if !ok || seq.Kind == KindRaw {
		return "", false
	}
	return logID.Text() + ":" + seq.Text(), true
}

// HashKey reduces a dedupe key to the 64-bit hash stored in the in-run seen
// set. Collisions drop a non-duplicate row; at the run sizes involved the
// probability is negligible against keeping full keys in memory.
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}
