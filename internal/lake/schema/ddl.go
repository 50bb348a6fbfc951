package schema

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// FunctionPartitionExpression partitions by chain and calendar day.
const FunctionPartitionExpression = "chain_id, year(block_timestamp), month(block_timestamp), day(block_timestamp)"

var functionPartitioned = map[string]bool{
	"transactions":             true,
	"decoded_transactions_evm": true,
	"logs":                     true,
	"contract_calls":           true,
	"token_transfers":          true,
	"address_transactions":     true,
}

// IsFunctionPartitioned reports whether table uses FunctionPartitionExpression.
func IsFunctionPartitioned(table string) bool {
	return functionPartitioned[table] || strings.HasPrefix(table, "transactions_")
}

// PartitionExpression is the PARTITIONED BY list of t.
func (t *Table) PartitionExpression() string {
	if t.FunctionPartitioned() {
		return FunctionPartitionExpression
	}
	return strings.Join(t.PartitionColumns, ", ")
}

func isJSON(f arrow.Field) bool {
	i := f.Metadata.FindKey(LogicalTypeKey)
	return i >= 0 && f.Metadata.Values()[i] == "json"
}

// SQLType maps an Arrow field to its DuckDB column type.
func SQLType(f arrow.Field) (string, error) {
	if isJSON(f) {
		return "JSON", nil
	}
	switch dt := f.Type.(type) {
	case *arrow.StringType, *arrow.LargeStringType:
		return "VARCHAR", nil
	case *arrow.Int8Type:
		return "TINYINT", nil
	case *arrow.Int16Type:
		return "SMALLINT", nil
	case *arrow.Int32Type:
		return "INTEGER", nil
	case *arrow.Int64Type:
		return "BIGINT", nil
	case *arrow.Uint8Type:
		return "UTINYINT", nil
	case *arrow.Uint16Type:
		return "USMALLINT", nil
	case *arrow.Uint32Type:
		return "UINTEGER", nil
	case *arrow.Uint64Type:
		return "UBIGINT", nil
	case *arrow.Float32Type:
		return "FLOAT", nil
	case *arrow.Float64Type:
		return "DOUBLE", nil
	case *arrow.BooleanType:
		return "BOOLEAN", nil
	case *arrow.Date32Type:
		return "DATE", nil
	case *arrow.TimestampType:
		if dt.TimeZone != "" {
			return "TIMESTAMP WITH TIME ZONE", nil
		}
		return "TIMESTAMP", nil
	case *arrow.Decimal128Type:
		return fmt.Sprintf("DECIMAL(%d,%d)", dt.Precision, dt.Scale), nil
	case *arrow.BinaryType, *arrow.LargeBinaryType:
		return "BLOB", nil
	case *arrow.ListType, *arrow.LargeListType, *arrow.FixedSizeListType, *arrow.StructType, *arrow.MapType:
		return "JSON", nil
	}
	return "", fmt.Errorf("no SQL type for %s (%s)", f.Name, f.Type)
}

// CreateTableSQL emits CREATE TABLE IF NOT EXISTS for t. prefix qualifies
// the table name, e.g. "lake.".
func (t *Table) CreateTableSQL(prefix string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s%s (\n", prefix, t.Name)
	for i, f := range t.Schema.Fields() {
		typ, err := SQLType(f)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		fmt.Fprintf(&b, "    %s %s", f.Name, typ)
		if !f.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(t.Schema.Fields())-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(");")
	return b.String(), nil
}

// PartitionSQL attaches the partition expression to t.
func (t *Table) PartitionSQL(prefix string) string {
	return fmt.Sprintf("ALTER TABLE %s%s SET PARTITIONED BY (%s);", prefix, t.Name, t.PartitionExpression())
}

func (t *Table) DropTableSQL(prefix string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s%s;", prefix, t.Name)
}

// ColumnInfo describes a column for schema replies.
type ColumnInfo struct {
	Name      string `json:"name"`
	ArrowType string `json:"arrow_type"`
	SQLType   string `json:"sql_type"`
	Nullable  bool   `json:"nullable"`
}

// TableInfo is the JSON description of a table.
type TableInfo struct {
	Name                string       `json:"name"`
	Columns             []ColumnInfo `json:"columns"`
	PartitionExpression string       `json:"partition_expression"`
	FunctionPartitioned bool         `json:"function_partitioned"`
	KeyColumns          []string     `json:"key_columns,omitempty"`
}

func (t *Table) Info() TableInfo {
	info := TableInfo{
		Name:                t.Name,
		PartitionExpression: t.PartitionExpression(),
		FunctionPartitioned: t.FunctionPartitioned(),
		KeyColumns:          t.KeyColumns,
	}
	for _, f := range t.Schema.Fields() {
		typ, _ := SQLType(f)
		info.Columns = append(info.Columns, ColumnInfo{
			Name:      f.Name,
			ArrowType: f.Type.String(),
			SQLType:   typ,
			Nullable:  f.Nullable,
		})
	}
	return info
}
