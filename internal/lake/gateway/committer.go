package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cenkalti/backoff/v4"

	"github.com/vietddude/chainlake/internal/indexing/metrics"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/lake/buffer"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/schema"
	"github.com/vietddude/chainlake/internal/lake/subject"
)

// Store commits writes atomically.
type Store interface {
	Commit(ctx context.Context, writes ...catalog.Write) (int64, error)
}

// CommitterConfig controls commit retries.
type CommitterConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func (c CommitterConfig) withDefaults() CommitterConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	return c
}

// FailedBatch is published on ducklake.errors.{table} once a batch
// exhausts its retries or cannot be converted.
type FailedBatch struct {
	BatchID     string            `json:"batch_id"`
	Table       string            `json:"table"`
	ChainID     string            `json:"chain_id"`
	FlushReason string            `json:"flush_reason"`
	RecordCount int               `json:"record_count"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error"`
	FailedAt    time.Time         `json:"failed_at"`
	Records     []json.RawMessage `json:"records"`
}

// Committer converts ready batches into Arrow records and commits them.
type Committer struct {
	cfg   CommitterConfig
	store Store
	reg   *schema.Registry
	bus   bus.Bus
	mem   memory.Allocator
	log   *slog.Logger
}

func NewCommitter(cfg CommitterConfig, store Store, reg *schema.Registry, b bus.Bus) *Committer {
	return &Committer{
		cfg:   cfg.withDefaults(),
		store: store,
		reg:   reg,
		bus:   b,
		mem:   memory.DefaultAllocator,
		log:   slog.Default().With("component", "committer"),
	}
}

// Run commits batches until in is closed. Batches still arriving after
// ctx is cancelled are committed without retries.
func (c *Committer) Run(ctx context.Context, in <-chan buffer.ReadyBatch) {
	for batch := range in {
		if err := c.Commit(ctx, batch); err != nil {
			c.log.Error("Batch failed", "batch_id", batch.ID, "table", batch.Table, "chain_id", batch.ChainID, "error", err)
		}
	}
}

// Commit persists one batch with retries. Failed batches go to the error sink.
func (c *Committer) Commit(ctx context.Context, batch buffer.ReadyBatch) error {
	start := time.Now()
	attempts := 0

	writes, err := c.buildWrites(batch)
	if err == nil {
		defer release(writes)

		var policy backoff.BackOff = backoff.WithMaxRetries(c.newBackOff(), uint64(c.cfg.MaxAttempts-1))
		if ctx.Err() == nil {
			policy = backoff.WithContext(policy, ctx)
		} else {
			ctx = context.WithoutCancel(ctx)
			policy = &backoff.StopBackOff{}
		}

		op := func() error {
			attempts++
			_, err := c.store.Commit(ctx, writes...)
			if errors.Is(err, schema.ErrSchemaMismatch) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, d time.Duration) {
			c.log.Warn("Commit failed, retrying", "batch_id", batch.ID, "table", batch.Table, "attempt", attempts, "backoff", d, "error", err)
		}
		err = backoff.RetryNotify(op, policy, notify)
	}

	metrics.LakeCommitLatency.WithLabelValues(batch.Table).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LakeCommits.WithLabelValues(batch.Table, "failed").Inc()
		c.sink(ctx, batch, attempts, err)
		return err
	}
	metrics.LakeCommits.WithLabelValues(batch.Table, "committed").Inc()
	metrics.LakeCommitRecords.WithLabelValues(batch.Table).Add(float64(len(batch.Records)))
	c.log.Debug("Committed batch",
		"batch_id", batch.ID,
		"table", batch.Table,
		"chain_id", batch.ChainID,
		"records", len(batch.Records),
		"bytes", batch.TotalSizeBytes,
		"reason", batch.FlushReason,
	)
	return nil
}

func (c *Committer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return b
}

type group struct {
	mode      catalog.WriteMode
	partition []schema.PartitionValue
	rows      []schema.Row
}

// buildWrites splits a batch into runs sharing write mode and, for
// overwrites, the target partition. Groups keep first-seen order.
func (c *Committer) buildWrites(batch buffer.ReadyBatch) ([]catalog.Write, error) {
	table, err := c.reg.Lookup(batch.Table)
	if err != nil {
		return nil, err
	}

	var groups []*group
	index := make(map[string]*group)
	for _, rec := range batch.Records {
		mode, err := catalog.ParseWriteMode(rec.WriteMode)
		if err != nil {
			return nil, err
		}
		row, err := schema.DecodeRow(rec.Data)
		if err != nil {
			return nil, err
		}
		key := string(mode)
		if mode == catalog.ModeOverwrite {
			key += "|" + schema.PartitionKey(rec.PartitionValues)
		}
		g, ok := index[key]
		if !ok {
			g = &group{mode: mode, partition: rec.PartitionValues}
			index[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, row)
	}

	writes := make([]catalog.Write, 0, len(groups))
	for _, g := range groups {
		rec, err := table.BuildRecord(c.mem, g.rows)
		if err != nil {
			release(writes)
			return nil, err
		}
		writes = append(writes, catalog.Write{Table: table, Mode: g.mode, Record: rec, Partition: g.partition})
	}
	return writes, nil
}

func release(writes []catalog.Write) {
	for _, w := range writes {
		if w.Record != nil {
			w.Record.Release()
		}
	}
}

func (c *Committer) sink(ctx context.Context, batch buffer.ReadyBatch, attempts int, cause error) {
	failed := FailedBatch{
		BatchID:     batch.ID,
		Table:       batch.Table,
		ChainID:     batch.ChainID,
		FlushReason: string(batch.FlushReason),
		RecordCount: len(batch.Records),
		Attempts:    attempts,
		Error:       cause.Error(),
		FailedAt:    time.Now().UTC(),
		Records:     make([]json.RawMessage, len(batch.Records)),
	}
	for i, r := range batch.Records {
		failed.Records[i] = r.Data
	}
	data, err := json.Marshal(failed)
	if err != nil {
		c.log.Error("Failed to encode failed batch", "batch_id", batch.ID, "error", err)
		return
	}
	if err := c.bus.Publish(context.WithoutCancel(ctx), subject.ErrorSubject(batch.Table), data); err != nil {
		c.log.Error("Failed to publish to error sink", "batch_id", batch.ID, "table", batch.Table, "error", fmt.Errorf("publish: %w", err))
	}
}
