// Package schema holds the Arrow schemas of every lakehouse table, their DDL
// and their partitioning rules.
package schema

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

var (
	ErrUnknownTable    = errors.New("unknown table")
	ErrDeprecatedTable = errors.New("deprecated table")
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrPartition       = errors.New("cannot derive partition")
)

// LogicalTypeKey marks utf8 fields holding JSON documents.
const LogicalTypeKey = "chainlake.logical_type"

// Table is one lakehouse table.
type Table struct {
	Name   string
	Schema *arrow.Schema
	// PartitionColumns are used by column partitioned tables only.
	PartitionColumns []string
	// KeyColumns identify a row for merge writes.
	KeyColumns []string
}

// FunctionPartitioned reports whether the table partitions on
// chain_id and the date parts of block_timestamp.
func (t *Table) FunctionPartitioned() bool {
	return IsFunctionPartitioned(t.Name)
}

// HasColumn reports whether name is a column of t.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Schema.FieldsByName(name)
	return ok
}

// Registry is the set of known tables.
type Registry struct {
	tables      map[string]*Table
	order       []string
	deprecated  map[string]string
	datasources map[string]Datasource
}

// NewRegistry builds a registry from tables, keeping their order.
func NewRegistry(tables ...*Table) *Registry {
	r := &Registry{
		tables:      make(map[string]*Table, len(tables)),
		deprecated:  make(map[string]string),
		datasources: make(map[string]Datasource),
	}
	for _, t := range tables {
		r.tables[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r
}

// Deprecate registers a legacy table name and its replacement.
func (r *Registry) Deprecate(name, replacement string) {
	r.deprecated[name] = replacement
}

func (r *Registry) Get(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Has reports whether name is a writable table.
func (r *Registry) Has(name string) bool {
	_, ok := r.tables[name]
	return ok
}

// Known reports whether name is either a table or a deprecated alias.
func (r *Registry) Known(name string) bool {
	if r.Has(name) {
		return true
	}
	_, ok := r.deprecated[name]
	return ok
}

// Lookup returns the table or ErrUnknownTable / ErrDeprecatedTable.
func (r *Registry) Lookup(name string) (*Table, error) {
	if t, ok := r.tables[name]; ok {
		return t, nil
	}
	if repl, ok := r.deprecated[name]; ok {
		return nil, fmt.Errorf("%w %q: use %q", ErrDeprecatedTable, name, repl)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownTable, name)
}

// Tables returns the tables in registration order.
func (r *Registry) Tables() []*Table {
	out := make([]*Table, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name])
	}
	return out
}

var (
	utf8      = arrow.BinaryTypes.String
	int64T    = arrow.PrimitiveTypes.Int64
	int32T    = arrow.PrimitiveTypes.Int32
	float64T  = arrow.PrimitiveTypes.Float64
	boolT     = arrow.FixedWidthTypes.Boolean
	timestamp = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
)

func col(name string, t arrow.DataType) arrow.Field {
	return arrow.Field{Name: name, Type: t}
}

func nullable(name string, t arrow.DataType) arrow.Field {
	return arrow.Field{Name: name, Type: t, Nullable: true}
}

func jsonCol(name string) arrow.Field {
	return arrow.Field{
		Name:     name,
		Type:     utf8,
		Nullable: true,
		Metadata: arrow.MetadataFrom(map[string]string{LogicalTypeKey: "json"}),
	}
}

func newTable(name string, partition, keys []string, fields ...arrow.Field) *Table {
	return &Table{
		Name:             name,
		Schema:           arrow.NewSchema(fields, nil),
		PartitionColumns: partition,
		KeyColumns:       keys,
	}
}

// Default returns the registry of the pipeline's tables.
func Default() *Registry {
	parameter := arrow.StructOf(
		col("name", utf8),
		col("type", utf8),
		col("value", utf8),
		nullable("raw_value", utf8),
	)

	r := NewRegistry(
		newTable("blocks",
			[]string{"chain_id", "block_date", "shard"},
			[]string{"chain_id", "block_number", "block_hash"},
			col("chain_id", utf8),
			col("network", utf8),
			col("subnet", utf8),
			col("vm_type", utf8),
			col("block_number", int64T),
			col("block_hash", utf8),
			col("parent_hash", utf8),
			col("block_timestamp", timestamp),
			nullable("gas_limit", int64T),
			nullable("gas_used", int64T),
			nullable("miner", utf8),
			nullable("transaction_count", int64T),
			nullable("provider_id", utf8),
			nullable("received_at", timestamp),
			jsonCol("network_specific"),
			col("block_date", utf8),
			col("shard", utf8),
		),
		newTable("transactions", nil,
			[]string{"chain_id", "transaction_hash"},
			col("chain_id", utf8),
			col("network", utf8),
			col("subnet", utf8),
			col("vm_type", utf8),
			col("transaction_hash", utf8),
			col("block_number", int64T),
			col("block_hash", utf8),
			col("block_timestamp", timestamp),
			col("transaction_index", int64T),
			col("from_address", utf8),
			nullable("to_address", utf8),
			col("value", utf8),
			nullable("input", utf8),
			nullable("gas", int64T),
			nullable("gas_price", utf8),
			nullable("nonce", int64T),
			nullable("fee", utf8),
			nullable("status", utf8),
			jsonCol("extra"),
		),
		newTable("decoded_transactions_evm", nil,
			[]string{"chain_id", "transaction_hash"},
			col("chain_id", utf8),
			col("transaction_hash", utf8),
			col("block_number", int64T),
			col("block_timestamp", timestamp),
			col("from_address", utf8),
			nullable("to_address", utf8),
			nullable("function_name", utf8),
			nullable("selector", utf8),
			nullable("signature", utf8),
			nullable("parameters", arrow.ListOf(parameter)),
			col("decoding_status", utf8),
		),
		newTable("logs", nil,
			[]string{"chain_id", "transaction_hash", "log_index"},
			col("chain_id", utf8),
			col("transaction_hash", utf8),
			col("block_number", int64T),
			col("block_timestamp", timestamp),
			col("log_index", int64T),
			col("address", utf8),
			nullable("topics", arrow.ListOf(utf8)),
			nullable("data", utf8),
		),
		newTable("token_transfers", nil,
			[]string{"chain_id", "transaction_hash", "log_index"},
			col("chain_id", utf8),
			col("transaction_hash", utf8),
			col("block_number", int64T),
			col("block_timestamp", timestamp),
			col("log_index", int64T),
			col("token_address", utf8),
			col("from_address", utf8),
			col("to_address", utf8),
			col("amount", utf8),
		),
		newTable("contract_calls", nil,
			[]string{"chain_id", "transaction_hash", "call_index"},
			col("chain_id", utf8),
			col("transaction_hash", utf8),
			col("block_number", int64T),
			col("block_timestamp", timestamp),
			col("call_index", int64T),
			col("from_address", utf8),
			col("to_address", utf8),
			nullable("selector", utf8),
			nullable("value", utf8),
		),
		newTable("address_transactions", nil,
			[]string{"chain_id", "address", "transaction_hash"},
			col("chain_id", utf8),
			col("address", utf8),
			col("transaction_hash", utf8),
			col("block_number", int64T),
			col("block_timestamp", timestamp),
			col("direction", utf8),
		),
		newTable("contract_abis",
			[]string{"chain_id"},
			[]string{"chain_id", "address"},
			col("chain_id", utf8),
			col("address", utf8),
			jsonCol("abi_json"),
			nullable("updated_at", timestamp),
		),
		newTable("notification_deliveries",
			[]string{"chain_id", "delivery_date"},
			[]string{"notification_id", "channel"},
			col("chain_id", utf8),
			col("notification_id", utf8),
			col("user_id", utf8),
			nullable("alert_id", utf8),
			col("channel", utf8),
			nullable("priority", utf8),
			col("delivered", boolT),
			nullable("error_message", utf8),
			col("attempts", int32T),
			nullable("latency_ms", float64T),
			col("created_at", timestamp),
			col("delivery_date", utf8),
		),
	)

	r.Deprecate("evm_transactions", "transactions")
	r.Deprecate("utxo_transactions", "transactions")
	r.Deprecate("svm_transactions", "transactions")
	r.Deprecate("raw_transactions", "transactions")

	// legacy per-vm names stay readable
	for _, vm := range []string{"evm", "utxo", "svm"} {
		r.mustDatasource(Datasource{
			Name:    vm + "_transactions",
			Table:   "transactions",
			Filters: map[string]string{"vm_type": vm},
		})
	}
	r.mustDatasource(Datasource{Name: "raw_transactions", Table: "transactions"})
	return r
}
