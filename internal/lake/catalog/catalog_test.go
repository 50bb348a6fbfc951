package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/vietddude/chainlake/internal/lake/schema"
)

func openTest(t *testing.T, tables ...*schema.Table) *Catalog {
	t.Helper()
	ctx := context.Background()
	c, err := Open(ctx, Config{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	for _, tbl := range tables {
		ddl, err := tbl.CreateTableSQL(c.Prefix())
		if err != nil {
			t.Fatalf("CreateTableSQL: %v", err)
		}
		if _, err := c.DB().ExecContext(ctx, ddl); err != nil {
			t.Fatalf("create %s: %v\n%s", tbl.Name, err, ddl)
		}
	}
	return c
}

func rows(t *testing.T, raw ...string) []schema.Row {
	t.Helper()
	out := make([]schema.Row, len(raw))
	for i, r := range raw {
		row, err := schema.DecodeRow(json.RawMessage(r))
		if err != nil {
			t.Fatalf("DecodeRow: %v", err)
		}
		out[i] = row
	}
	return out
}

func count(t *testing.T, c *Catalog, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := c.DB().QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func contractABIs(t *testing.T) *schema.Table {
	tbl, ok := schema.Default().Get("contract_abis")
	if !ok {
		t.Fatal("contract_abis not registered")
	}
	return tbl
}

func TestAppendAndQuery(t *testing.T) {
	tbl := contractABIs(t)
	c := openTest(t, tbl)
	ctx := context.Background()

	rec, err := tbl.BuildRecord(memory.DefaultAllocator, rows(t,
		`{"chain_id":"ethereum_mainnet","address":"0xa","abi_json":[{"type":"function","name":"f"}],"updated_at":"2024-05-01T00:00:00Z"}`,
		`{"chain_id":"ethereum_mainnet","address":"0xb","abi_json":[]}`,
	))
	if err != nil {
		t.Fatalf("BuildRecord: %v", err)
	}
	defer rec.Release()

	n, err := c.Append(ctx, tbl, rec)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows inserted, got %d", n)
	}

	out, err := c.Query(ctx, "SELECT address, updated_at FROM contract_abis WHERE chain_id = ? ORDER BY address", "ethereum_mainnet")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer out.Release()

	if out.NumRows() != 2 {
		t.Fatalf("expected 2 rows, got %d", out.NumRows())
	}
	addr := out.Column(0).(*array.String)
	if addr.Value(0) != "0xa" || addr.Value(1) != "0xb" {
		t.Errorf("unexpected addresses %q %q", addr.Value(0), addr.Value(1))
	}
	ts := out.Column(1).(*array.Timestamp)
	if ts.IsNull(0) || !ts.IsNull(1) {
		t.Errorf("expected updated_at set only on first row")
	}
}

func TestMergeReplacesByKey(t *testing.T) {
	tbl := contractABIs(t)
	c := openTest(t, tbl)
	ctx := context.Background()

	first, _ := tbl.BuildRecord(memory.DefaultAllocator, rows(t,
		`{"chain_id":"ethereum_mainnet","address":"0xa","abi_json":[]}`,
		`{"chain_id":"ethereum_mainnet","address":"0xb","abi_json":[]}`,
	))
	defer first.Release()
	if _, err := c.Append(ctx, tbl, first); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	second, _ := tbl.BuildRecord(memory.DefaultAllocator, rows(t,
		`{"chain_id":"ethereum_mainnet","address":"0xa","abi_json":[{"name":"g"}]}`,
	))
	defer second.Release()
	if _, err := c.Commit(ctx, Write{Table: tbl, Mode: ModeMerge, Record: second}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if got := count(t, c, "SELECT count(*) FROM contract_abis"); got != 2 {
		t.Errorf("expected 2 rows after merge, got %d", got)
	}
	if got := count(t, c, "SELECT count(*) FROM contract_abis WHERE address = '0xa' AND abi_json::VARCHAR LIKE '%g%'"); got != 1 {
		t.Errorf("expected merged row to carry new abi, got %d", got)
	}
}

func TestOverwriteFunctionPartition(t *testing.T) {
	reg := schema.Default()
	tbl, _ := reg.Get("transactions")
	c := openTest(t, tbl)
	ctx := context.Background()

	tx := func(hash, ts string) string {
		return `{"chain_id":"ethereum_mainnet","network":"ethereum","subnet":"mainnet","vm_type":"evm",` +
			`"transaction_hash":"` + hash + `","block_number":1,"block_hash":"0x1","block_timestamp":"` + ts + `",` +
			`"transaction_index":0,"from_address":"0xf","value":"0"}`
	}
	seed, err := tbl.BuildRecord(memory.DefaultAllocator, rows(t,
		tx("0x01", "2024-05-01T10:00:00Z"),
		tx("0x02", "2024-05-01T11:00:00Z"),
		tx("0x03", "2024-05-02T10:00:00Z"),
	))
	if err != nil {
		t.Fatalf("BuildRecord: %v", err)
	}
	defer seed.Release()
	if _, err := c.Append(ctx, tbl, seed); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	repl, _ := tbl.BuildRecord(memory.DefaultAllocator, rows(t, tx("0x04", "2024-05-01T12:00:00Z")))
	defer repl.Release()
	part := []schema.PartitionValue{{Key: "chain_id", Value: "ethereum_mainnet"}, {Key: "year", Value: "2024"}, {Key: "month", Value: "05"}, {Key: "day", Value: "01"}}
	if _, err := c.Commit(ctx, Write{Table: tbl, Mode: ModeOverwrite, Record: repl, Partition: part}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	if got := count(t, c, "SELECT count(*) FROM transactions"); got != 2 {
		t.Errorf("expected 2 rows after overwrite, got %d", got)
	}
	if got := count(t, c, "SELECT count(*) FROM transactions WHERE transaction_hash IN ('0x01', '0x02')"); got != 0 {
		t.Errorf("expected overwritten day to be replaced, found %d old rows", got)
	}
}

func TestCommitIsAtomic(t *testing.T) {
	tbl := contractABIs(t)
	c := openTest(t, tbl)
	ctx := context.Background()

	good, _ := tbl.BuildRecord(memory.DefaultAllocator, rows(t, `{"chain_id":"c","address":"0xa","abi_json":[]}`))
	defer good.Release()

	// overwrite without partition values fails after the append was applied
	_, err := c.Commit(ctx,
		Write{Table: tbl, Mode: ModeAppend, Record: good},
		Write{Table: tbl, Mode: ModeOverwrite, Record: good},
	)
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if got := count(t, c, "SELECT count(*) FROM contract_abis"); got != 0 {
		t.Errorf("expected rollback, found %d rows", got)
	}
}

func TestSchemaMismatchRejected(t *testing.T) {
	reg := schema.Default()
	abis := contractABIs(t)
	blocks, _ := reg.Get("blocks")
	c := openTest(t, abis)

	rec, _ := abis.BuildRecord(memory.DefaultAllocator, rows(t, `{"chain_id":"c","address":"0xa","abi_json":[]}`))
	defer rec.Release()

	_, err := c.Append(context.Background(), blocks, rec)
	if !errors.Is(err, schema.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestIPCRoundTrip(t *testing.T) {
	tbl := contractABIs(t)
	c := openTest(t, tbl)
	ctx := context.Background()

	rec, _ := tbl.BuildRecord(memory.DefaultAllocator, rows(t,
		`{"chain_id":"c","address":"0xa","abi_json":[]}`,
		`{"chain_id":"c","address":"0xb","abi_json":[]}`,
	))
	defer rec.Release()
	if _, err := c.Append(ctx, tbl, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	out, err := c.Query(ctx, "SELECT chain_id, address FROM contract_abis ORDER BY address")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer out.Release()

	data, err := EncodeIPC(out)
	if err != nil {
		t.Fatalf("EncodeIPC: %v", err)
	}
	back, err := DecodeIPC(data)
	if err != nil {
		t.Fatalf("DecodeIPC: %v", err)
	}
	defer back.Release()

	if back.NumRows() != 2 || back.NumCols() != 2 {
		t.Fatalf("unexpected shape %dx%d", back.NumRows(), back.NumCols())
	}
	if got := back.Column(1).(*array.String).Value(1); got != "0xb" {
		t.Errorf("expected 0xb, got %q", got)
	}
}

func TestCompactRequiresLake(t *testing.T) {
	c := openTest(t)
	if err := c.Compact(context.Background(), "blocks", 0); !errors.Is(err, ErrCompactUnsupported) {
		t.Errorf("expected ErrCompactUnsupported, got %v", err)
	}
}

func TestParseWriteMode(t *testing.T) {
	for in, want := range map[string]WriteMode{"": ModeAppend, "APPEND": ModeAppend, "merge": ModeMerge, "overwrite": ModeOverwrite} {
		got, err := ParseWriteMode(in)
		if err != nil || got != want {
			t.Errorf("ParseWriteMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseWriteMode("upsert"); !errors.Is(err, ErrInvalidWriteMode) {
		t.Errorf("expected ErrInvalidWriteMode, got %v", err)
	}
}

func TestPreflightSkipsNonPostgres(t *testing.T) {
	if err := Preflight(context.Background(), Config{CatalogDSN: "ducklake:metadata.ducklake"}); err != nil {
		t.Errorf("expected no preflight for file catalog, got %v", err)
	}
}

func TestAppendLargeBatchAndRollback(t *testing.T) {
	tbl := contractABIs(t)
	c := openTest(t, tbl)
	ctx := context.Background()

	raw := make([]string, 1200)
	for i := range raw {
		raw[i] = fmt.Sprintf(`{"chain_id":"c","address":"0x%04x","abi_json":[]}`, i)
	}
	rec, err := tbl.BuildRecord(memory.DefaultAllocator, rows(t, raw...))
	if err != nil {
		t.Fatalf("BuildRecord: %v", err)
	}
	defer rec.Release()

	uow, err := c.NewUnitOfWork(ctx)
	if err != nil {
		t.Fatalf("NewUnitOfWork: %v", err)
	}
	n, err := uow.Apply(ctx, Write{Table: tbl, Mode: ModeAppend, Record: rec})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if n != 1200 {
		t.Errorf("expected 1200 rows appended, got %d", n)
	}
	if err := uow.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := count(t, c, "SELECT count(*) FROM contract_abis"); got != 0 {
		t.Errorf("expected rolled back rows to be discarded, found %d", got)
	}
	if _, err := uow.Apply(ctx, Write{Table: tbl, Mode: ModeAppend, Record: rec}); err == nil {
		t.Error("expected Apply after Rollback to fail")
	}

	if _, err := c.Append(ctx, tbl, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := count(t, c, "SELECT count(DISTINCT address) FROM contract_abis"); got != 1200 {
		t.Errorf("expected 1200 committed rows, got %d", got)
	}
}
