package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Row is one decoded JSON record.
type Row map[string]json.RawMessage

// DecodeRow parses a JSON object.
func DecodeRow(raw json.RawMessage) (Row, error) {
	var row Row
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("%w: record is not a JSON object: %v", ErrSchemaMismatch, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: record is null", ErrSchemaMismatch)
	}
	return row, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Validate checks that raw conforms to t: no unknown fields, every non
// nullable field present and every value convertible to its column type.
func (t *Table) Validate(raw json.RawMessage) error {
	row, err := DecodeRow(raw)
	if err != nil {
		return err
	}
	for name := range row {
		if !t.HasColumn(name) {
			return fmt.Errorf("%w: table %s: unknown field %q", ErrSchemaMismatch, t.Name, name)
		}
	}
	rec, err := t.BuildRecord(memory.DefaultAllocator, []Row{row})
	if err != nil {
		return err
	}
	rec.Release()
	return nil
}

// BuildRecord converts rows to an Arrow record with t's schema. Unknown
// fields are ignored; missing non nullable fields are an error.
func (t *Table) BuildRecord(mem memory.Allocator, rows []Row) (arrow.Record, error) {
	rb := array.NewRecordBuilder(mem, t.Schema)
	defer rb.Release()

	for i, f := range t.Schema.Fields() {
		b := rb.Field(i)
		for n, row := range rows {
			raw, ok := row[f.Name]
			if !ok || isNull(raw) {
				if !f.Nullable {
					return nil, fmt.Errorf("%w: table %s row %d: missing required field %q", ErrSchemaMismatch, t.Name, n, f.Name)
				}
				b.AppendNull()
				continue
			}
			if err := appendValue(b, f, raw); err != nil {
				return nil, fmt.Errorf("%w: table %s row %d field %q: %v", ErrSchemaMismatch, t.Name, n, f.Name, err)
			}
		}
	}
	return rb.NewRecord(), nil
}

func appendValue(b array.Builder, f arrow.Field, raw json.RawMessage) error {
	switch bb := b.(type) {
	case *array.StringBuilder:
		bb.Append(stringValue(raw, isJSON(f)))
		return nil
	case *array.TimestampBuilder:
		ts, err := ParseTimestamp(raw)
		if err != nil {
			return err
		}
		unit := f.Type.(*arrow.TimestampType).Unit
		v, err := arrow.TimestampFromTime(ts, unit)
		if err != nil {
			return err
		}
		bb.Append(v)
		return nil
	case *array.Decimal128Builder:
		dt := f.Type.(*arrow.Decimal128Type)
		n, err := decimal128.FromString(stringValue(raw, false), dt.Precision, dt.Scale)
		if err != nil {
			return err
		}
		bb.Append(n)
		return nil
	}
	// Numbers, booleans, dates and nested types use the builder's own JSON
	// decoding.
	return b.UnmarshalJSON(append(append([]byte{'['}, raw...), ']'))
}

// stringValue returns JSON strings unquoted and anything else as its JSON
// text. keepJSON keeps strings quoted for JSON columns holding objects.
func stringValue(raw json.RawMessage, keepJSON bool) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if keepJSON && !json.Valid([]byte(s)) {
				return string(raw)
			}
			return s
		}
	}
	return string(raw)
}

// ParseTimestamp accepts RFC3339 strings and unix seconds.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	whole := int64(secs)
	return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), nil
}

// BlockTimestamp returns the block_timestamp of row, if present and valid.
func (r Row) BlockTimestamp() (time.Time, bool) {
	raw, ok := r["block_timestamp"]
	if !ok || isNull(raw) {
		return time.Time{}, false
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// String returns a string field of row.
func (r Row) String(name string) string {
	raw, ok := r[name]
	if !ok || isNull(raw) {
		return ""
	}
	return stringValue(raw, false)
}

// PartitionValue is one (column, value) pair, encoded in JSON as a two
// element array.
type PartitionValue struct {
	Key   string
	Value string
}

func (p PartitionValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Key, p.Value})
}

func (p *PartitionValue) UnmarshalJSON(data []byte) error {
	var kv [2]string
	if err := json.Unmarshal(data, &kv); err != nil {
		return fmt.Errorf("partition value must be [key, value]: %w", err)
	}
	p.Key, p.Value = kv[0], kv[1]
	return nil
}

// PartitionValues computes where row is placed. Function partitioned tables
// derive chain_id and the year, month and day of block_timestamp; other
// tables use explicit values, falling back to the row's partition columns.
// The row itself is never modified.
func (t *Table) PartitionValues(row Row, chainID string, explicit []PartitionValue) ([]PartitionValue, error) {
	if t.FunctionPartitioned() {
		ts, ok := row.BlockTimestamp()
		if !ok {
			return nil, fmt.Errorf("%w: table %s: block_timestamp is required", ErrPartition, t.Name)
		}
		if id := row.String("chain_id"); id != "" {
			chainID = id
		}
		return []PartitionValue{
			{"chain_id", chainID},
			{"year", fmt.Sprintf("%04d", ts.Year())},
			{"month", fmt.Sprintf("%02d", int(ts.Month()))},
			{"day", fmt.Sprintf("%02d", ts.Day())},
		}, nil
	}
	if len(explicit) > 0 {
		for _, pv := range explicit {
			if !slices.Contains(t.PartitionColumns, pv.Key) {
				return nil, fmt.Errorf("%w: table %s: %q is not a partition column", ErrPartition, t.Name, pv.Key)
			}
			if pv.Value == "" {
				return nil, fmt.Errorf("%w: table %s: empty value for %q", ErrPartition, t.Name, pv.Key)
			}
		}
		return explicit, nil
	}
	out := make([]PartitionValue, 0, len(t.PartitionColumns))
	for _, c := range t.PartitionColumns {
		v := row.String(c)
		if v == "" && c == "chain_id" {
			v = chainID
		}
		if v == "" {
			return nil, fmt.Errorf("%w: table %s: no value for %q", ErrPartition, t.Name, c)
		}
		out = append(out, PartitionValue{c, v})
	}
	return out, nil
}

// PartitionKey renders values as "k=v/k=v".
func PartitionKey(values []PartitionValue) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.Key + "=" + v.Value
	}
	return strings.Join(parts, "/")
}
