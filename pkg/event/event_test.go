package event

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeObject(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	require.NoError(t, dec.Decode(&obj))
	return obj
}

func TestFromAny_ScalarKinds(t *testing.T) {
	obj := decodeObject(t, `{
		"message": "hello",
		"timestamp": 1700000000000,
		"count": 42,
		"ratio": 0.5,
		"ok": true,
		"nested": {"a": 1},
		"tags": ["x", "y"],
		"missing": null
	}`)

	row := FromAny(obj)

	require.Equal(t, String("hello"), row["message"])
	require.Equal(t, Timestamp(1700000000000), row["timestamp"])
	require.Equal(t, Int(42), row["count"])
	require.Equal(t, Float(0.5), row["ratio"])
	require.Equal(t, Bool(true), row["ok"])
	require.Equal(t, KindRaw, row["nested"].Kind)
	require.JSONEq(t, `{"a":1}`, string(row["nested"].Raw))
	require.Equal(t, KindRaw, row["tags"].Kind)

	_, present := row["missing"]
	require.False(t, present, "null fields are omitted")

	ts, ok := row.Timestamp()
	require.True(t, ok)
	require.Equal(t, int64(1700000000000), ts)
}

func TestFromAny_TimestampFromFloat(t *testing.T) {
	row := FromAny(map[string]any{"timestamp": float64(1700000000123)})
	ts, ok := row.Timestamp()
	require.True(t, ok)
	require.Equal(t, int64(1700000000123), ts)
}

func TestRow_TimestampMissing(t *testing.T) {
	row := FromAny(map[string]any{"message": "no ts"})
	_, ok := row.Timestamp()
	require.False(t, ok)
}

func TestDedupeKey(t *testing.T) {
	tests := []struct {
		name    string
		row     Row
		want    string
		present bool
	}{
		{
			name: "string sequence preferred",
			row: Row{
				"log_id":              String("log-1"),
				"sequence_number_str": String("900719925474099123"),
				"sequence_number":     Int(123),
			},
			want:    "log-1:900719925474099123",
			present: true,
		},
		{
			name: "numeric sequence fallback",
			row: Row{
				"log_id":          String("log-1"),
				"sequence_number": Int(77),
			},
			want:    "log-1:77",
			present: true,
		},
		{
			name: "missing log id",
			row:  Row{"sequence_number": Int(1)},
		},
		{
			name: "missing sequence",
			row:  Row{"log_id": String("log-1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.row.DedupeKey()
			require.Equal(t, tt.present, ok)
			if ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestHashKey_Stable(t *testing.T) {
	require.Equal(t, HashKey("log-1:42"), HashKey("log-1:42"))
	require.NotEqual(t, HashKey("log-1:42"), HashKey("log-1:43"))
}

func TestValue_Text(t *testing.T) {
	require.Equal(t, "42", Int(42).Text())
	require.Equal(t, "true", Bool(true).Text())
	require.Equal(t, "0.5", Float(0.5).Text())
	require.Equal(t, "x", String("x").Text())
	require.Equal(t, "1700000000000", Timestamp(1700000000000).Text())
}
