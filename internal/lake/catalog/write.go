package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	duckdb "github.com/duckdb/duckdb-go/v2"

	"github.com/vietddude/chainlake/internal/lake/schema"
)

// WriteMode selects how a write replaces existing rows.
type WriteMode string

const (
	ModeAppend    WriteMode = "append"
	ModeOverwrite WriteMode = "overwrite"
	ModeMerge     WriteMode = "merge"
)

var ErrInvalidWriteMode = errors.New("invalid write mode")

// ParseWriteMode maps a request value to a mode; empty means append.
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(strings.ToLower(s)) {
	case "", ModeAppend:
		return ModeAppend, nil
	case ModeOverwrite:
		return ModeOverwrite, nil
	case ModeMerge:
		return ModeMerge, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidWriteMode, s)
}

// Write is one Arrow record destined for a table.
type Write struct {
	Table  *schema.Table
	Mode   WriteMode
	Record arrow.Record
	// Partition restricts an overwrite. Ignored by other modes.
	Partition []schema.PartitionValue
}

// UnitOfWork groups writes into a single DuckDB transaction held on one
// pooled connection, so appender rows and deletes commit together.
type UnitOfWork struct {
	c    *Catalog
	conn *sql.Conn
}

// NewUnitOfWork begins a transaction.
func (c *Catalog) NewUnitOfWork(ctx context.Context) (*UnitOfWork, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &UnitOfWork{c: c, conn: conn}, nil
}

func (u *UnitOfWork) Commit() error {
	if u.conn == nil {
		return fmt.Errorf("transaction already completed")
	}
	return u.finish("COMMIT")
}

// Rollback is safe to call after Commit.
func (u *UnitOfWork) Rollback() error {
	if u.conn == nil {
		return nil
	}
	return u.finish("ROLLBACK")
}

func (u *UnitOfWork) finish(stmt string) error {
	_, err := u.conn.ExecContext(context.Background(), stmt)
	if cerr := u.conn.Close(); err == nil {
		err = cerr
	}
	u.conn = nil
	return err
}

// Apply executes w inside the transaction and returns the rows inserted.
// Merge and overwrite clear their target rows with SQL before the rows are
// appended.
func (u *UnitOfWork) Apply(ctx context.Context, w Write) (int64, error) {
	if u.conn == nil {
		return 0, fmt.Errorf("transaction already completed")
	}
	if w.Record == nil || w.Record.NumRows() == 0 {
		return 0, nil
	}
	if !w.Record.Schema().Equal(w.Table.Schema) {
		return 0, fmt.Errorf("%w: record does not match table %s", schema.ErrSchemaMismatch, w.Table.Name)
	}
	switch w.Mode {
	case ModeMerge:
		if err := u.deleteKeys(ctx, w); err != nil {
			return 0, err
		}
	case ModeOverwrite:
		if err := u.deletePartition(ctx, w); err != nil {
			return 0, err
		}
	}
	return u.append(ctx, w)
}

// Commit applies writes atomically.
func (c *Catalog) Commit(ctx context.Context, writes ...Write) (int64, error) {
	uow, err := c.NewUnitOfWork(ctx)
	if err != nil {
		return 0, err
	}
	defer uow.Rollback()

	var total int64
	for _, w := range writes {
		n, err := uow.Apply(ctx, w)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := uow.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return total, nil
}

// Append inserts rec into table.
func (c *Catalog) Append(ctx context.Context, table *schema.Table, rec arrow.Record) (int64, error) {
	return c.Commit(ctx, Write{Table: table, Mode: ModeAppend, Record: rec})
}

// append streams the record through a DuckDB appender on the transaction's
// connection.
func (u *UnitOfWork) append(ctx context.Context, w Write) (int64, error) {
	fields := w.Table.Schema.Fields()
	rows := int(w.Record.NumRows())

	err := u.conn.Raw(func(raw any) error {
		dc, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", raw)
		}
		if u.c.lake {
			use := fmt.Sprintf("USE %s.%s", u.c.cfg.Name, u.c.cfg.Schema)
			if err := execRaw(ctx, dc, use); err != nil {
				return fmt.Errorf("failed to select catalog: %w", err)
			}
		}
		appender, err := duckdb.NewAppenderFromConn(dc, "", w.Table.Name)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		row := make([]driver.Value, len(fields))
		for r := 0; r < rows; r++ {
			for ci := range fields {
				v, err := appendValue(w.Record.Column(ci), r)
				if err != nil {
					_ = appender.Close()
					return fmt.Errorf("column %s row %d: %w", fields[ci].Name, r, err)
				}
				row[ci] = v
			}
			if err := appender.AppendRow(row...); err != nil {
				_ = appender.Close()
				return err
			}
		}
		return appender.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("append to %s: %w", w.Table.Name, err)
	}
	return int64(rows), nil
}

func execRaw(ctx context.Context, dc driver.Conn, stmt string) error {
	ex, ok := dc.(driver.ExecerContext)
	if !ok {
		return fmt.Errorf("driver connection %T cannot exec", dc)
	}
	_, err := ex.ExecContext(ctx, stmt, nil)
	return err
}

// deleteKeys removes rows sharing a key with any incoming row.
func (u *UnitOfWork) deleteKeys(ctx context.Context, w Write) error {
	keys := w.Table.KeyColumns
	if len(keys) == 0 {
		return fmt.Errorf("table %s has no key columns for merge", w.Table.Name)
	}
	idx := make([]int, len(keys))
	for i, k := range keys {
		found := w.Table.Schema.FieldIndices(k)
		if len(found) == 0 {
			return fmt.Errorf("key column %s missing from %s", k, w.Table.Name)
		}
		idx[i] = found[0]
	}

	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = k + " = ?"
	}
	match := "(" + strings.Join(conds, " AND ") + ")"

	rows := int(w.Record.NumRows())
	chunk := u.c.cfg.MergeBatchRows
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		clauses := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*len(keys))
		for r := start; r < end; r++ {
			clauses = append(clauses, match)
			for _, ci := range idx {
				v, err := valueAt(w.Record.Column(ci), r)
				if err != nil {
					return err
				}
				args = append(args, v)
			}
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", u.c.Qualified(w.Table.Name), strings.Join(clauses, " OR "))
		if _, err := u.conn.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("merge delete from %s: %w", w.Table.Name, err)
		}
	}
	return nil
}

// deletePartition clears the partition an overwrite targets.
func (u *UnitOfWork) deletePartition(ctx context.Context, w Write) error {
	if len(w.Partition) == 0 {
		return fmt.Errorf("overwrite of %s requires partition values", w.Table.Name)
	}
	var conds []string
	var args []any
	for _, pv := range w.Partition {
		expr, ok := partitionColumn(w.Table, pv.Key)
		if !ok {
			return fmt.Errorf("unknown partition key %q for %s", pv.Key, w.Table.Name)
		}
		conds = append(conds, expr+" = ?")
		args = append(args, pv.Value)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", u.c.Qualified(w.Table.Name), strings.Join(conds, " AND "))
	if _, err := u.conn.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("overwrite delete from %s: %w", w.Table.Name, err)
	}
	return nil
}

// partitionColumn maps a partition key to a comparable SQL expression.
// Date parts are compared as zero padded strings to match PartitionValues.
func partitionColumn(t *schema.Table, key string) (string, bool) {
	if t.FunctionPartitioned() {
		switch key {
		case "year":
			return "lpad(CAST(year(block_timestamp) AS VARCHAR), 4, '0')", true
		case "month":
			return "lpad(CAST(month(block_timestamp) AS VARCHAR), 2, '0')", true
		case "day":
			return "lpad(CAST(day(block_timestamp) AS VARCHAR), 2, '0')", true
		}
	}
	if !t.HasColumn(key) {
		return "", false
	}
	return "CAST(" + key + " AS VARCHAR)", true
}

// appendValue converts one Arrow cell into an appender value. Decimals keep
// their width and scale.
func appendValue(col arrow.Array, i int) (driver.Value, error) {
	if a, ok := col.(*array.Decimal128); ok && !a.IsNull(i) {
		dt := a.DataType().(*arrow.Decimal128Type)
		return duckdb.Decimal{Width: uint8(dt.Precision), Scale: uint8(dt.Scale), Value: a.Value(i).BigInt()}, nil
	}
	return valueAt(col, i)
}

// valueAt converts one Arrow cell into a driver argument.
func valueAt(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	switch a := col.(type) {
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int8:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Binary:
		return a.Value(i), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit), nil
	case *array.Date32:
		return a.Value(i).ToTime(), nil
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return a.Value(i).ToString(scale), nil
	case *array.List, *array.Struct, *array.Map, *array.LargeList:
		b, err := json.Marshal(a.GetOneForMarshal(i))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return col.ValueStr(i), nil
}
