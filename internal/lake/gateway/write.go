package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/lake/buffer"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/schema"
	"github.com/vietddude/chainlake/internal/lake/subject"
)

// Buffer receives validated records.
type Buffer interface {
	Add(ctx context.Context, rec buffer.Record) error
}

// Compactor merges small data files of a table.
type Compactor interface {
	Compact(ctx context.Context, table string, maxFiles int) error
}

// WriteGateway validates write requests and hands them to the buffer.
type WriteGateway struct {
	bus       bus.Bus
	reg       *schema.Registry
	buf       Buffer
	compactor Compactor
	subs      []bus.Subscription
	now       func() time.Time
	log       *slog.Logger
}

// NewWriteGateway creates a write gateway. compactor may be nil, in which
// case compact requests are rejected.
func NewWriteGateway(b bus.Bus, reg *schema.Registry, buf Buffer, compactor Compactor) *WriteGateway {
	return &WriteGateway{
		bus:       b,
		reg:       reg,
		buf:       buf,
		compactor: compactor,
		now:       time.Now,
		log:       slog.Default().With("component", "write_gateway"),
	}
}

// Start subscribes to the write and compact subjects.
func (g *WriteGateway) Start() error {
	for _, action := range []subject.Action{subject.ActionWrite, subject.ActionCompact} {
		sub, err := g.bus.QueueSubscribe(subject.Pattern(action), WriteQueue, g.handle)
		if err != nil {
			g.Stop()
			return fmt.Errorf("subscribe %s: %w", action, err)
		}
		g.subs = append(g.subs, sub)
	}
	g.log.Info("Write gateway started", "tables", len(g.reg.Tables()))
	return nil
}

func (g *WriteGateway) Stop() {
	for _, s := range g.subs {
		_ = s.Unsubscribe()
	}
	g.subs = nil
}

func (g *WriteGateway) handle(ctx context.Context, msg *bus.Message) {
	sub, err := subject.Parse(msg.Subject, g.reg.Known)
	if err != nil {
		g.reject(msg, "write", err)
		return
	}

	switch sub.Action {
	case subject.ActionCompact:
		err = g.compact(ctx, sub)
		observe("compact", err)
		if err != nil {
			g.reject(msg, "compact", err)
			return
		}
		respond(g.log, msg, Reply{Success: true})
	case subject.ActionWrite:
		err = g.write(ctx, sub, msg.Data)
		observe("write", err)
		if err != nil {
			g.reject(msg, "write", err)
			return
		}
		respond(g.log, msg, Reply{Success: true})
	}
}

func (g *WriteGateway) reject(msg *bus.Message, action string, err error) {
	g.log.Warn("Rejected request", "action", action, "subject", msg.Subject, "error", err)
	respond(g.log, msg, Reply{Error: err.Error()})
}

func (g *WriteGateway) write(ctx context.Context, sub subject.Subject, data []byte) error {
	var req WriteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("invalid write request: %w", err)
	}
	if req.TableName != "" && req.TableName != sub.Table {
		return fmt.Errorf("table_name %q does not match subject table %q", req.TableName, sub.Table)
	}

	table, err := g.reg.Lookup(sub.Table)
	if err != nil {
		return err
	}
	mode, err := catalog.ParseWriteMode(req.WriteMode)
	if err != nil {
		return err
	}
	if err := table.Validate(req.Record); err != nil {
		return err
	}
	row, err := schema.DecodeRow(req.Record)
	if err != nil {
		return err
	}

	now := g.now()
	ts, ok := row.BlockTimestamp()
	if !ok {
		ts = now
	}

	// every row must land in a derivable partition, whatever the mode
	partition, err := table.PartitionValues(row, sub.ChainID, req.PartitionValues)
	if err != nil {
		return err
	}
	if mode == catalog.ModeOverwrite && len(partition) == 0 {
		return fmt.Errorf("%w: overwrite of %s needs partition values", schema.ErrPartition, table.Name)
	}

	return g.buf.Add(ctx, buffer.Record{
		Table:           table.Name,
		ChainID:         sub.ChainID,
		BlockTimestamp:  ts,
		SizeBytes:       len(req.Record),
		BufferedAt:      now,
		WriteMode:       string(mode),
		PartitionValues: partition,
		Data:            req.Record,
	})
}

func (g *WriteGateway) compact(ctx context.Context, sub subject.Subject) error {
	if g.compactor == nil {
		return errors.New("compaction is not enabled")
	}
	table, err := g.reg.Lookup(sub.Table)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := g.compactor.Compact(ctx, table.Name, 0); err != nil {
		return err
	}
	g.log.Info("Compacted table", "table", table.Name, "duration", time.Since(start))
	return nil
}
