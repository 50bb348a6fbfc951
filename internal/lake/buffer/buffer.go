// Package buffer batches lakehouse records per (table, chain) partition and
// emits ready batches on time, count and size thresholds.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/chainlake/internal/indexing/metrics"
	"github.com/vietddude/chainlake/internal/lake/schema"
)

// FlushReason says which trigger drained a partition.
type FlushReason string

const (
	ReasonTime     FlushReason = "time"
	ReasonCount    FlushReason = "count"
	ReasonSize     FlushReason = "size"
	ReasonShutdown FlushReason = "shutdown"
	ReasonManual   FlushReason = "manual"
)

// OverflowStrategy applies when a partition reaches MaxPartitionMemoryBytes.
type OverflowStrategy string

const (
	// DropOldest evicts records from the head of the partition.
	DropOldest OverflowStrategy = "drop_oldest"
	// Block waits until the partition is drained.
	Block OverflowStrategy = "block"
	// Compress drains the partition early with ReasonSize.
	Compress OverflowStrategy = "compress"
)

// Config configures a Buffer.
type Config struct {
	TimeThreshold           time.Duration    `yaml:"time_threshold"`
	CountThreshold          int              `yaml:"count_threshold"`
	SizeThresholdBytes      int              `yaml:"size_threshold_bytes"`
	MaxPartitionMemoryBytes int              `yaml:"max_partition_memory_bytes"`
	OverflowStrategy        OverflowStrategy `yaml:"overflow_strategy"`
	TickInterval            time.Duration    `yaml:"tick_interval"`
	OutputCapacity          int              `yaml:"output_capacity"`
}

func (c Config) withDefaults() Config {
	if c.TimeThreshold <= 0 {
		c.TimeThreshold = 30 * time.Second
	}
	if c.CountThreshold <= 0 {
		c.CountThreshold = 10000
	}
	if c.SizeThresholdBytes <= 0 {
		c.SizeThresholdBytes = 64 << 20
	}
	if c.MaxPartitionMemoryBytes <= 0 {
		c.MaxPartitionMemoryBytes = 256 << 20
	}
	if c.OverflowStrategy == "" {
		c.OverflowStrategy = Compress
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.OutputCapacity <= 0 {
		c.OutputCapacity = 64
	}
	return c
}

// Record is one buffered lakehouse row.
type Record struct {
	Table           string                  `json:"table"`
	ChainID         string                  `json:"chain_id"`
	BlockTimestamp  time.Time               `json:"block_timestamp"`
	SizeBytes       int                     `json:"size_bytes"`
	BufferedAt      time.Time               `json:"buffered_at"`
	WriteMode       string                  `json:"write_mode,omitempty"`
	PartitionValues []schema.PartitionValue `json:"partition_values,omitempty"`
	Data            json.RawMessage         `json:"record"`
}

// ReadyBatch is a drained partition.
type ReadyBatch struct {
	ID             string      `json:"batch_id"`
	Table          string      `json:"table"`
	ChainID        string      `json:"chain_id"`
	Records        []Record    `json:"records"`
	TotalSizeBytes int         `json:"total_size_bytes"`
	FlushReason    FlushReason `json:"flush_reason"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Stats is a snapshot of buffered data.
type Stats struct {
	TotalRecords   int `json:"total_records"`
	TotalBytes     int `json:"total_bytes"`
	PartitionCount int `json:"partition_count"`
}

type key struct {
	table   string
	chainID string
}

type partition struct {
	mu        sync.Mutex
	records   []Record
	bytes     int
	lastFlush time.Time
	// drained is closed and replaced on every drain.
	drained chan struct{}
}

// Buffer is safe for concurrent use.
type Buffer struct {
	cfg Config
	out chan ReadyBatch
	log *slog.Logger
	now func() time.Time

	mu    sync.RWMutex
	parts map[key]*partition
}

func New(cfg Config) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		cfg:   cfg,
		out:   make(chan ReadyBatch, cfg.OutputCapacity),
		log:   slog.Default().With("component", "ingestion_buffer"),
		now:   time.Now,
		parts: make(map[key]*partition),
	}
}

// Out is the channel ready batches are sent on.
func (b *Buffer) Out() <-chan ReadyBatch {
	return b.out
}

func (b *Buffer) partition(k key) *partition {
	b.mu.RLock()
	p, ok := b.parts[k]
	b.mu.RUnlock()
	if ok {
		return p
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok = b.parts[k]; ok {
		return p
	}
	p = &partition{lastFlush: b.now(), drained: make(chan struct{})}
	b.parts[k] = p
	return p
}

// Add appends rec to its partition and emits a batch when a threshold is
// met. It blocks while the output channel is full.
func (b *Buffer) Add(ctx context.Context, rec Record) error {
	if rec.Table == "" {
		return fmt.Errorf("buffer: record has no table")
	}
	if rec.BufferedAt.IsZero() {
		rec.BufferedAt = b.now()
	}
	k := key{rec.Table, rec.ChainID}
	p := b.partition(k)

	for {
		p.mu.Lock()
		if p.bytes < b.cfg.MaxPartitionMemoryBytes {
			break
		}
		switch b.cfg.OverflowStrategy {
		case DropOldest:
			dropped := 0
			for len(p.records) > 0 && p.bytes+rec.SizeBytes > b.cfg.MaxPartitionMemoryBytes {
				p.bytes -= p.records[0].SizeBytes
				p.records = p.records[1:]
				dropped++
			}
			if dropped > 0 {
				metrics.BufferDropped.WithLabelValues(rec.Table).Add(float64(dropped))
				b.log.Warn("Partition overflow, dropped oldest records",
					"table", rec.Table, "chain_id", rec.ChainID, "dropped", dropped)
			}
		case Block:
			wait := p.drained
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			batch := b.drainLocked(k, p, ReasonSize)
			p.mu.Unlock()
			if err := b.emit(ctx, batch); err != nil {
				return err
			}
			continue
		}
		break
	}

	p.records = append(p.records, rec)
	p.bytes += rec.SizeBytes

	var reason FlushReason
	switch {
	case len(p.records) >= b.cfg.CountThreshold:
		reason = ReasonCount
	case p.bytes >= b.cfg.SizeThresholdBytes:
		reason = ReasonSize
	case b.now().Sub(p.lastFlush) >= b.cfg.TimeThreshold:
		reason = ReasonTime
	}
	if reason == "" {
		p.mu.Unlock()
		return nil
	}
	batch := b.drainLocked(k, p, reason)
	p.mu.Unlock()
	return b.emit(ctx, batch)
}

// drainLocked empties p into a batch. p.mu must be held.
func (b *Buffer) drainLocked(k key, p *partition, reason FlushReason) ReadyBatch {
	batch := ReadyBatch{
		ID:             uuid.NewString(),
		Table:          k.table,
		ChainID:        k.chainID,
		Records:        p.records,
		TotalSizeBytes: p.bytes,
		FlushReason:    reason,
		CreatedAt:      b.now(),
	}
	p.records = nil
	p.bytes = 0
	p.lastFlush = b.now()
	close(p.drained)
	p.drained = make(chan struct{})
	return batch
}

func (b *Buffer) emit(ctx context.Context, batch ReadyBatch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	select {
	case b.out <- batch:
		metrics.BufferFlushes.WithLabelValues(batch.Table, string(batch.FlushReason)).Inc()
		b.log.Debug("Batch ready", "table", batch.Table, "chain_id", batch.ChainID,
			"records", len(batch.Records), "bytes", batch.TotalSizeBytes, "reason", batch.FlushReason)
		return nil
	case <-ctx.Done():
		// the partition is already drained, so the batch is gone
		metrics.BufferBatchesLost.WithLabelValues(batch.Table).Inc()
		metrics.BufferLostRecords.WithLabelValues(batch.Table).Add(float64(len(batch.Records)))
		b.log.Error("Batch lost, output not accepting", "batch_id", batch.ID, "table", batch.Table,
			"chain_id", batch.ChainID, "records", len(batch.Records), "reason", batch.FlushReason, "error", ctx.Err())
		return fmt.Errorf("emit batch %s: %w", batch.ID, ctx.Err())
	}
}

// Run drains partitions older than TimeThreshold every TickInterval until
// ctx is done.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.flushWhere(ctx, ReasonTime, func(p *partition) bool {
				return b.now().Sub(p.lastFlush) >= b.cfg.TimeThreshold
			}); err != nil {
				b.log.Warn("Timed flush interrupted", "error", err)
			}
		}
	}
}

// FlushAll drains every non-empty partition with ReasonShutdown.
func (b *Buffer) FlushAll(ctx context.Context) error {
	return b.flushWhere(ctx, ReasonShutdown, func(*partition) bool { return true })
}

// Flush drains the (table, chainID) partition with ReasonManual. An empty
// or unknown partition is a no-op.
func (b *Buffer) Flush(ctx context.Context, table, chainID string) error {
	k := key{table, chainID}
	b.mu.RLock()
	p, ok := b.parts[k]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	if len(p.records) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := b.drainLocked(k, p, ReasonManual)
	p.mu.Unlock()
	return b.emit(ctx, batch)
}

func (b *Buffer) flushWhere(ctx context.Context, reason FlushReason, due func(*partition) bool) error {
	b.mu.RLock()
	keys := make([]key, 0, len(b.parts))
	parts := make([]*partition, 0, len(b.parts))
	for k, p := range b.parts {
		keys = append(keys, k)
		parts = append(parts, p)
	}
	b.mu.RUnlock()

	for i, p := range parts {
		p.mu.Lock()
		if len(p.records) == 0 || !due(p) {
			p.mu.Unlock()
			continue
		}
		batch := b.drainLocked(keys[i], p, reason)
		p.mu.Unlock()
		if err := b.emit(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes everything and closes the output channel. Add must not be
// called afterwards.
func (b *Buffer) Close(ctx context.Context) error {
	err := b.FlushAll(ctx)
	close(b.out)
	return err
}

func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Stats{PartitionCount: len(b.parts)}
	for _, p := range b.parts {
		p.mu.Lock()
		s.TotalRecords += len(p.records)
		s.TotalBytes += p.bytes
		p.mu.Unlock()
	}
	return s
}
