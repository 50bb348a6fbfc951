package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var timestampUTC = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// Query runs a SELECT and materializes the result as one Arrow record.
func (c *Catalog) Query(ctx context.Context, query string, args ...any) (arrow.Record, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("column types: %w", err)
	}
	fields := make([]arrow.Field, len(types))
	for i, ct := range types {
		fields[i] = arrow.Field{Name: ct.Name(), Type: arrowType(ct.DatabaseTypeName()), Nullable: true}
	}
	sch := arrow.NewSchema(fields, nil)

	rb := array.NewRecordBuilder(memory.DefaultAllocator, sch)
	defer rb.Release()

	values := make([]any, len(fields))
	ptrs := make([]any, len(fields))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for i, v := range values {
			if err := appendScanned(rb.Field(i), v); err != nil {
				return nil, fmt.Errorf("column %s: %w", fields[i].Name, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rb.NewRecord(), nil
}

// arrowType maps DuckDB type names; anything unrecognised is returned as text.
func arrowType(dbType string) arrow.DataType {
	t := strings.ToUpper(dbType)
	switch {
	case t == "BIGINT", t == "INTEGER", t == "SMALLINT", t == "TINYINT":
		return arrow.PrimitiveTypes.Int64
	case t == "UBIGINT", t == "UINTEGER", t == "USMALLINT", t == "UTINYINT":
		return arrow.PrimitiveTypes.Uint64
	case t == "DOUBLE", t == "FLOAT", t == "REAL":
		return arrow.PrimitiveTypes.Float64
	case t == "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	case strings.HasPrefix(t, "TIMESTAMP"), t == "DATE":
		return timestampUTC
	case t == "BLOB":
		return arrow.BinaryTypes.Binary
	}
	return arrow.BinaryTypes.String
}

func appendScanned(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		bb.Append(n)
	case *array.Uint64Builder:
		switch n := v.(type) {
		case uint64:
			bb.Append(n)
		case uint32:
			bb.Append(uint64(n))
		case uint16:
			bb.Append(uint64(n))
		case uint8:
			bb.Append(uint64(n))
		default:
			return fmt.Errorf("unexpected %T for unsigned column", v)
		}
	case *array.Float64Builder:
		switch f := v.(type) {
		case float64:
			bb.Append(f)
		case float32:
			bb.Append(float64(f))
		default:
			return fmt.Errorf("unexpected %T for float column", v)
		}
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("unexpected %T for boolean column", v)
		}
		bb.Append(x)
	case *array.TimestampBuilder:
		ts, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("unexpected %T for timestamp column", v)
		}
		bb.Append(arrow.Timestamp(ts.UTC().UnixMicro()))
	case *array.BinaryBuilder:
		x, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("unexpected %T for blob column", v)
		}
		bb.Append(x)
	case *array.StringBuilder:
		s, err := toText(v)
		if err != nil {
			return err
		}
		bb.Append(s)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected %T for integer column", v)
}

// toText renders scanned values of text-mapped columns. JSON values arrive
// decoded and are re-encoded; HUGEINT arrives as *big.Int.
func toText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case *big.Int:
		return x.String(), nil
	case fmt.Stringer:
		return x.String(), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		return string(b), err
	}
	return fmt.Sprint(v), nil
}

// EncodeIPC serializes rec as an Arrow IPC stream.
func EncodeIPC(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("ipc write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("ipc close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeIPC reads every batch of an IPC stream and concatenates them.
func DecodeIPC(data []byte) (arrow.Record, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ipc reader: %w", err)
	}
	defer r.Release()

	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for r.Next() {
		rec := r.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 1 {
		recs[0].Retain()
		return recs[0], nil
	}
	tbl := array.NewTableFromRecords(r.Schema(), recs)
	defer tbl.Release()
	return tableToRecord(tbl)
}

func tableToRecord(tbl arrow.Table) (arrow.Record, error) {
	cols := make([]arrow.Array, tbl.NumCols())
	for i := range cols {
		chunks := tbl.Column(i).Data().Chunks()
		if len(chunks) == 0 {
			cols[i] = array.MakeArrayOfNull(memory.DefaultAllocator, tbl.Schema().Field(i).Type, 0)
			continue
		}
		arr, err := array.Concatenate(chunks, memory.DefaultAllocator)
		if err != nil {
			return nil, err
		}
		cols[i] = arr
	}
	rec := array.NewRecord(tbl.Schema(), cols, tbl.NumRows())
	for _, c := range cols {
		c.Release()
	}
	return rec, nil
}
