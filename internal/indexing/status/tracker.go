// Package status tracks the health of header subscriptions, persists
// snapshots to Redis and mirrors counters to OpenTelemetry.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vietddude/chainlake/internal/infra/redis"
)

// Config configures a Tracker.
type Config struct {
	ProviderID    string        `yaml:"provider_id"`
	ProviderType  string        `yaml:"provider_type"`
	Version       string        `yaml:"version"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	StatusTTL     time.Duration `yaml:"status_ttl"`
	// ErrorHistorySize bounds the per-subscription history.
	ErrorHistorySize int `yaml:"error_history_size"`
	// ErrorListSize bounds provider:errors:{provider_id}.
	ErrorListSize int           `yaml:"error_list_size"`
	ErrorListTTL  time.Duration `yaml:"error_list_ttl"`
}

func (c Config) withDefaults() Config {
	if c.ProviderType == "" {
		c.ProviderType = "header_subscriber"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 3 * c.FlushInterval
	}
	if c.ErrorHistorySize <= 0 {
		c.ErrorHistorySize = 10
	}
	if c.ErrorListSize <= 0 {
		c.ErrorListSize = 100
	}
	if c.ErrorListTTL <= 0 {
		c.ErrorListTTL = 24 * time.Hour
	}
	return c
}

type commandKind int

const (
	cmdFlush commandKind = iota
	cmdPushError
	cmdShutdown
)

type command struct {
	kind commandKind
	err  ErrorRecord
	done chan struct{}
}

type instruments struct {
	blocks     metric.Int64Counter
	latency    metric.Float64Histogram
	errors     metric.Int64Counter
	reconnects metric.Int64Counter
	connected  metric.Int64UpDownCounter
}

// Tracker keeps the in-memory ProviderStatus.
type Tracker struct {
	cfg Config
	rdb goredis.Cmdable
	log *slog.Logger
	now func() time.Time

	mu     sync.RWMutex
	status ProviderStatus
	recent map[string][]time.Time

	cmds    chan command
	stopped chan struct{}
	once    sync.Once

	otel instruments
}

// New creates a tracker. rdb may be nil, in which case nothing is persisted.
func New(cfg Config, rdb goredis.Cmdable) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:     cfg,
		rdb:     rdb,
		log:     slog.Default().With("component", "status_tracker"),
		now:     time.Now,
		recent:  make(map[string][]time.Time),
		cmds:    make(chan command, 64),
		stopped: make(chan struct{}),
	}
	t.status = ProviderStatus{
		ProviderID:    cfg.ProviderID,
		ProviderType:  cfg.ProviderType,
		Version:       cfg.Version,
		StartedAt:     t.now().UTC(),
		Subscriptions: make(map[string]*SubscriptionStatus),
	}
	t.initInstruments()
	return t
}

func (t *Tracker) initInstruments() {
	meter := otel.Meter("github.com/vietddude/chainlake/status")
	var err error
	if t.otel.blocks, err = meter.Int64Counter("chainlake.subscriber.blocks_received",
		metric.WithDescription("Block headers received per chain")); err != nil {
		t.log.Warn("Failed to create instrument", "error", err)
	}
	if t.otel.latency, err = meter.Float64Histogram("chainlake.subscriber.block_latency",
		metric.WithUnit("ms"), metric.WithDescription("Delay between block time and receipt")); err != nil {
		t.log.Warn("Failed to create instrument", "error", err)
	}
	if t.otel.errors, err = meter.Int64Counter("chainlake.subscriber.errors",
		metric.WithDescription("Subscription errors")); err != nil {
		t.log.Warn("Failed to create instrument", "error", err)
	}
	if t.otel.reconnects, err = meter.Int64Counter("chainlake.subscriber.reconnect_attempts",
		metric.WithDescription("Reconnect attempts")); err != nil {
		t.log.Warn("Failed to create instrument", "error", err)
	}
	if t.otel.connected, err = meter.Int64UpDownCounter("chainlake.subscriber.connected",
		metric.WithDescription("Currently connected subscriptions")); err != nil {
		t.log.Warn("Failed to create instrument", "error", err)
	}
}

// Start runs the flush loop until Shutdown.
func (t *Tracker) Start(ctx context.Context) {
	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.stopped)

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.finalFlush()
			return
		case <-ticker.C:
			t.flushLogged(ctx)
		case cmd := <-t.cmds:
			switch cmd.kind {
			case cmdFlush:
				t.flushLogged(ctx)
			case cmdPushError:
				if err := t.pushError(ctx, cmd.err); err != nil {
					t.log.Warn("Failed to push error record", "error", err)
				}
			case cmdShutdown:
				t.finalFlush()
				close(cmd.done)
				return
			}
		}
	}
}

func (t *Tracker) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.flushLogged(ctx)
}

func (t *Tracker) flushLogged(ctx context.Context) {
	if err := t.Flush(ctx); err != nil {
		t.log.Warn("Failed to flush provider status", "error", err)
	}
}

// Shutdown stops the loop after a final flush.
func (t *Tracker) Shutdown(ctx context.Context) error {
	var err error
	t.once.Do(func() {
		done := make(chan struct{})
		select {
		case t.cmds <- command{kind: cmdShutdown, done: done}:
		case <-t.stopped:
			return
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		select {
		case <-done:
		case <-t.stopped:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// requestFlush asks the loop for an immediate flush. A full queue already
// holds pending work that will flush.
func (t *Tracker) requestFlush() {
	select {
	case t.cmds <- command{kind: cmdFlush}:
	default:
	}
}

// RegisterSubscription starts tracking chainID.
func (t *Tracker) RegisterSubscription(chainID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subLocked(chainID)
}

// UnregisterSubscription stops tracking chainID.
func (t *Tracker) UnregisterSubscription(chainID string) {
	t.mu.Lock()
	if s, ok := t.status.Subscriptions[chainID]; ok && s.Connection.Connected {
		t.addConnected(-1, chainID)
	}
	delete(t.status.Subscriptions, chainID)
	delete(t.recent, chainID)
	t.mu.Unlock()
	t.requestFlush()
}

func (t *Tracker) subLocked(chainID string) *SubscriptionStatus {
	s, ok := t.status.Subscriptions[chainID]
	if !ok {
		now := t.now().UTC()
		s = &SubscriptionStatus{
			ChainID:        chainID,
			State:          StateReconnecting,
			StateChangedAt: now,
			Metrics:        SubscriptionMetrics{UpdatedAt: now},
			ErrorHistory:   []ErrorRecord{},
		}
		t.status.Subscriptions[chainID] = s
	}
	return s
}

func (t *Tracker) setStateLocked(s *SubscriptionStatus, state State) {
	if s.State != state {
		s.State = state
		s.StateChangedAt = t.now().UTC()
	}
}

// RecordBlockReceived updates counters for a received header. It does not persist.
func (t *Tracker) RecordBlockReceived(chainID string, blockNumber uint64, latencyMs float64) {
	now := t.now().UTC()

	t.mu.Lock()
	s := t.subLocked(chainID)
	m := &s.Metrics
	m.BlocksReceived++
	m.AvgLatencyMs += (latencyMs - m.AvgLatencyMs) / float64(m.BlocksReceived)
	if latencyMs > m.P99LatencyMs {
		m.P99LatencyMs = latencyMs
	}

	window := append(t.recent[chainID], now)
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	window = window[i:]
	t.recent[chainID] = window
	m.BlocksLastMinute = uint64(len(window))
	m.UpdatedAt = now

	s.LastBlock = &LastBlock{Number: blockNumber, ReceivedAt: now}
	t.setStateLocked(s, StateActive)
	t.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("chain_id", chainID))
	if t.otel.blocks != nil {
		t.otel.blocks.Add(context.Background(), 1, attrs)
	}
	if t.otel.latency != nil {
		t.otel.latency.Record(context.Background(), latencyMs, attrs)
	}
}

// RecordConnectionChange records a connect or disconnect and flushes.
func (t *Tracker) RecordConnectionChange(chainID string, connected bool) {
	now := t.now().UTC()

	t.mu.Lock()
	s := t.subLocked(chainID)
	was := s.Connection.Connected
	s.Connection.Connected = connected
	if connected {
		s.Connection.ConnectedAt = &now
		s.Connection.ReconnectAttempts = 0
		t.setStateLocked(s, StateActive)
	} else {
		s.Connection.DisconnectedAt = &now
		t.setStateLocked(s, StateReconnecting)
	}
	s.Metrics.UpdatedAt = now
	if was != connected {
		if connected {
			t.addConnected(1, chainID)
		} else {
			t.addConnected(-1, chainID)
		}
	}
	t.mu.Unlock()

	t.requestFlush()
}

// RecordReconnectAttempt counts one reconnect attempt.
func (t *Tracker) RecordReconnectAttempt(chainID string) {
	t.mu.Lock()
	s := t.subLocked(chainID)
	s.Connection.ReconnectAttempts++
	t.setStateLocked(s, StateReconnecting)
	t.mu.Unlock()

	if t.otel.reconnects != nil {
		t.otel.reconnects.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("chain_id", chainID)))
	}
}

// RecordError appends to the error history of chainID (or only to the
// provider error list when chainID is empty) and flushes. Recoverable errors
// count as connection errors; others as processing errors and move the
// subscription to the error state.
func (t *Tracker) RecordError(chainID, message string, recoverable bool) {
	rec := ErrorRecord{
		Timestamp:   t.now().UTC(),
		ChainID:     chainID,
		Message:     message,
		Recoverable: recoverable,
	}

	if chainID != "" {
		t.mu.Lock()
		s := t.subLocked(chainID)
		s.ErrorHistory = append(s.ErrorHistory, rec)
		if over := len(s.ErrorHistory) - t.cfg.ErrorHistorySize; over > 0 {
			s.ErrorHistory = s.ErrorHistory[over:]
		}
		if recoverable {
			s.Metrics.ConnectionErrors++
		} else {
			s.Metrics.ProcessingErrors++
			t.setStateLocked(s, StateError)
		}
		s.Metrics.UpdatedAt = rec.Timestamp
		t.mu.Unlock()
	}

	if t.otel.errors != nil {
		t.otel.errors.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("chain_id", chainID),
			attribute.Bool("recoverable", recoverable),
		))
	}

	select {
	case t.cmds <- command{kind: cmdPushError, err: rec}:
	default:
		t.log.Warn("Status command queue full, dropping error record", "chain_id", chainID)
	}
	t.requestFlush()
}

func (t *Tracker) addConnected(delta int64, chainID string) {
	if t.otel.connected != nil {
		t.otel.connected.Add(context.Background(), delta,
			metric.WithAttributes(attribute.String("chain_id", chainID)))
	}
}

// Snapshot returns a deep copy of the current status with health computed.
func (t *Tracker) Snapshot() ProviderStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := t.status
	out.LastHeartbeat = t.now().UTC()
	out.Subscriptions = make(map[string]*SubscriptionStatus, len(t.status.Subscriptions))
	for id, s := range t.status.Subscriptions {
		cp := *s
		cp.ErrorHistory = append([]ErrorRecord(nil), s.ErrorHistory...)
		if s.LastBlock != nil {
			lb := *s.LastBlock
			cp.LastBlock = &lb
		}
		out.Subscriptions[id] = &cp
	}
	out.Health = computeHealth(out.Subscriptions)
	return out
}

// Health returns the aggregated health.
func (t *Tracker) Health() Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return computeHealth(t.status.Subscriptions)
}

// Flush persists the snapshot under provider:status:{provider_id}.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.rdb == nil {
		return nil
	}
	snap := t.Snapshot()
	return redis.SetJSON(ctx, t.rdb, redis.ProviderStatusKey(t.cfg.ProviderID), snap, t.cfg.StatusTTL)
}

func (t *Tracker) pushError(ctx context.Context, rec ErrorRecord) error {
	if t.rdb == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := redis.ProviderErrorsKey(t.cfg.ProviderID)
	_, err = t.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(t.cfg.ErrorListSize-1))
		pipe.Expire(ctx, key, t.cfg.ErrorListTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push error to %s: %w", key, err)
	}
	return nil
}

// Load reads a persisted status snapshot.
func Load(ctx context.Context, rdb goredis.Cmdable, providerID string) (*ProviderStatus, bool, error) {
	var st ProviderStatus
	found, err := redis.GetJSON(ctx, rdb, redis.ProviderStatusKey(providerID), &st)
	if err != nil || !found {
		return nil, found, err
	}
	return &st, true, nil
}

// LoadAll reads every persisted provider status.
func LoadAll(ctx context.Context, rdb goredis.Cmdable) ([]ProviderStatus, error) {
	keys, err := redis.ScanKeys(ctx, rdb, redis.ProviderStatusPattern(), 100)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderStatus, 0, len(keys))
	for _, key := range keys {
		var st ProviderStatus
		found, err := redis.GetJSON(ctx, rdb, key, &st)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, st)
		}
	}
	return out, nil
}
