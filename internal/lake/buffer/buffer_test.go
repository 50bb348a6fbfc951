package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vietddude/chainlake/internal/indexing/metrics"
)

func rec(table, chain string, size int, n int) Record {
	return Record{
		Table:     table,
		ChainID:   chain,
		SizeBytes: size,
		Data:      json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

func large() Config {
	return Config{
		TimeThreshold:           time.Hour,
		CountThreshold:          1 << 30,
		SizeThresholdBytes:      1 << 30,
		MaxPartitionMemoryBytes: 1 << 30,
		TickInterval:            time.Hour,
	}
}

func receive(t *testing.T, b *Buffer) ReadyBatch {
	t.Helper()
	select {
	case batch := <-b.Out():
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted")
	}
	return ReadyBatch{}
}

func assertEmpty(t *testing.T, b *Buffer) {
	t.Helper()
	select {
	case batch := <-b.Out():
		t.Fatalf("unexpected batch: %+v", batch)
	default:
	}
}

func TestCountTrigger(t *testing.T) {
	cfg := large()
	cfg.CountThreshold = 2
	b := New(cfg)
	ctx := context.Background()

	if err := b.Add(ctx, rec("transactions", "ethereum_mainnet", 20, 1)); err != nil {
		t.Fatal(err)
	}
	assertEmpty(t, b)
	if err := b.Add(ctx, rec("transactions", "ethereum_mainnet", 20, 2)); err != nil {
		t.Fatal(err)
	}

	batch := receive(t, b)
	if len(batch.Records) != 2 || batch.TotalSizeBytes != 40 || batch.FlushReason != ReasonCount {
		t.Fatalf("unexpected batch: records=%d bytes=%d reason=%s",
			len(batch.Records), batch.TotalSizeBytes, batch.FlushReason)
	}
	assertEmpty(t, b)
}

func TestDrainIsAtomicAndOrdered(t *testing.T) {
	cfg := large()
	cfg.SizeThresholdBytes = 100
	b := New(cfg)
	ctx := context.Background()

	sizes := []int{30, 30, 30, 15}
	for i, s := range sizes {
		if err := b.Add(ctx, rec("blocks", "bitcoin_mainnet", s, i)); err != nil {
			t.Fatal(err)
		}
	}
	batch := receive(t, b)
	if batch.FlushReason != ReasonSize {
		t.Fatalf("reason = %s", batch.FlushReason)
	}
	sum := 0
	for i, r := range batch.Records {
		sum += r.SizeBytes
		if string(r.Data) != fmt.Sprintf(`{"n":%d}`, i) {
			t.Fatalf("record %d out of order: %s", i, r.Data)
		}
	}
	if sum != batch.TotalSizeBytes || sum != 105 || len(batch.Records) != 4 {
		t.Fatalf("batch totals: records=%d sum=%d total=%d", len(batch.Records), sum, batch.TotalSizeBytes)
	}
	if s := b.Stats(); s.TotalRecords != 0 || s.TotalBytes != 0 || s.PartitionCount != 1 {
		t.Fatalf("partition not empty after drain: %+v", s)
	}
}

func TestPartitionsAreIndependent(t *testing.T) {
	cfg := large()
	cfg.CountThreshold = 2
	b := New(cfg)
	ctx := context.Background()

	_ = b.Add(ctx, rec("transactions", "a", 1, 0))
	_ = b.Add(ctx, rec("transactions", "b", 1, 0))
	_ = b.Add(ctx, rec("blocks", "a", 1, 0))
	assertEmpty(t, b)

	s := b.Stats()
	if s.PartitionCount != 3 || s.TotalRecords != 3 || s.TotalBytes != 3 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestTimedFlush(t *testing.T) {
	cfg := large()
	cfg.TimeThreshold = time.Minute
	cfg.TickInterval = 5 * time.Millisecond
	b := New(cfg)

	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Add(ctx, rec("transactions", "a", 10, 0)); err != nil {
		t.Fatal(err)
	}
	go b.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	assertEmpty(t, b)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	batch := receive(t, b)
	if batch.FlushReason != ReasonTime || len(batch.Records) != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestFlushAllOnShutdown(t *testing.T) {
	b := New(large())
	ctx := context.Background()
	_ = b.Add(ctx, rec("transactions", "a", 5, 0))
	_ = b.Add(ctx, rec("blocks", "a", 7, 0))

	if err := b.Close(ctx); err != nil {
		t.Fatal(err)
	}
	total := 0
	for batch := range b.Out() {
		if batch.FlushReason != ReasonShutdown {
			t.Fatalf("reason = %s", batch.FlushReason)
		}
		total += batch.TotalSizeBytes
	}
	if total != 12 {
		t.Fatalf("flushed %d bytes, want 12", total)
	}
}

func TestOverflowDropOldest(t *testing.T) {
	cfg := large()
	cfg.MaxPartitionMemoryBytes = 30
	cfg.OverflowStrategy = DropOldest
	b := New(cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := b.Add(ctx, rec("transactions", "a", 10, i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	batch := receive(t, b)
	if len(batch.Records) != 3 || string(batch.Records[0].Data) != `{"n":1}` {
		t.Fatalf("oldest record not dropped: %d records, first %s", len(batch.Records), batch.Records[0].Data)
	}
}

func TestOverflowCompressDrainsEarly(t *testing.T) {
	cfg := large()
	cfg.MaxPartitionMemoryBytes = 20
	b := New(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Add(ctx, rec("transactions", "a", 10, i)); err != nil {
			t.Fatal(err)
		}
	}
	batch := receive(t, b)
	if batch.FlushReason != ReasonSize || len(batch.Records) != 2 {
		t.Fatalf("unexpected early drain: %+v", batch)
	}
	if s := b.Stats(); s.TotalRecords != 1 {
		t.Fatalf("new record should stay buffered: %+v", s)
	}
}

func TestOverflowBlockWaitsForDrain(t *testing.T) {
	cfg := large()
	cfg.MaxPartitionMemoryBytes = 10
	cfg.OverflowStrategy = Block
	b := New(cfg)
	ctx := context.Background()

	if err := b.Add(ctx, rec("transactions", "a", 10, 0)); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Add(ctx, rec("transactions", "a", 10, 1)) }()

	select {
	case err := <-done:
		t.Fatalf("add should block on a full partition, returned %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	if err := b.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s := b.Stats(); s.TotalRecords != 1 {
		t.Fatalf("stats = %+v", s)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := b.Add(cctx, rec("transactions", "a", 10, 2)); err == nil {
		t.Fatal("blocked add should observe cancellation")
	}
}

func TestManualFlush(t *testing.T) {
	b := New(large())
	ctx := context.Background()
	_ = b.Add(ctx, rec("transactions", "a", 5, 0))
	_ = b.Add(ctx, rec("transactions", "a", 5, 1))
	_ = b.Add(ctx, rec("blocks", "a", 5, 0))

	if err := b.Flush(ctx, "transactions", "a"); err != nil {
		t.Fatal(err)
	}
	batch := receive(t, b)
	if batch.FlushReason != ReasonManual || batch.Table != "transactions" || len(batch.Records) != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	assertEmpty(t, b)
	if s := b.Stats(); s.TotalRecords != 1 {
		t.Fatalf("other partitions must stay buffered: %+v", s)
	}

	for _, k := range []key{{"transactions", "a"}, {"nope", "a"}} {
		if err := b.Flush(ctx, k.table, k.chainID); err != nil {
			t.Fatalf("flush of empty partition %v: %v", k, err)
		}
	}
	assertEmpty(t, b)
}

func TestLostBatchIsCounted(t *testing.T) {
	cfg := large()
	cfg.OutputCapacity = 1
	b := New(cfg)
	ctx := context.Background()
	const table = "lost_batches"

	// fill the output channel
	_ = b.Add(ctx, rec(table, "a", 5, 0))
	if err := b.Flush(ctx, table, "a"); err != nil {
		t.Fatal(err)
	}

	_ = b.Add(ctx, rec(table, "a", 5, 1))
	_ = b.Add(ctx, rec(table, "a", 5, 2))
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := b.Flush(cancelled, table, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if got := testutil.ToFloat64(metrics.BufferBatchesLost.WithLabelValues(table)); got != 1 {
		t.Errorf("lost batches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.BufferLostRecords.WithLabelValues(table)); got != 2 {
		t.Errorf("lost records = %v, want 2", got)
	}
	if s := b.Stats(); s.TotalRecords != 0 {
		t.Errorf("lost records must not stay buffered: %+v", s)
	}
}
