// Package subscriber maintains one header collector per enabled chain and
// publishes normalized block headers on the bus.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/core/registry"
	"github.com/vietddude/chainlake/internal/indexing/metrics"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/infra/chain"
)

var ErrNotStarted = errors.New("subscriber: manager not started")

// Config holds collector cadences.
type Config struct {
	ProviderID       string        `yaml:"provider_id"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	EVMPollInterval  time.Duration `yaml:"evm_poll_interval"`
	UTXOPollInterval time.Duration `yaml:"utxo_poll_interval"`
	SVMPollInterval  time.Duration `yaml:"svm_poll_interval"`
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.EVMPollInterval <= 0 {
		c.EVMPollInterval = 3 * time.Second
	}
	if c.UTXOPollInterval <= 0 {
		c.UTXOPollInterval = 10 * time.Second
	}
	if c.SVMPollInterval <= 0 {
		c.SVMPollInterval = 2 * time.Second
	}
	return c
}

// Source supplies chain configs and their live updates.
type Source interface {
	Get(ctx context.Context, chainID string) (domain.ChainConfig, error)
	List(ctx context.Context, policy registry.Policy) ([]domain.ChainConfig, error)
	Watch(ctx context.Context, fn func(registry.Update), ready chan<- struct{}) error
}

// StatusRecorder receives subscription lifecycle events.
type StatusRecorder interface {
	RegisterSubscription(chainID string)
	UnregisterSubscription(chainID string)
	RecordBlockReceived(chainID string, blockNumber uint64, latencyMs float64)
	RecordConnectionChange(chainID string, connected bool)
	RecordReconnectAttempt(chainID string)
	RecordError(chainID, message string, recoverable bool)
}

// AdapterFactory builds the polling adapter for a chain.
type AdapterFactory func(cfg domain.ChainConfig) (chain.Adapter, error)

type handle struct {
	cfg    domain.ChainConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the collector loops.
type Manager struct {
	cfg      Config
	bus      bus.Bus
	source   Source
	policy   registry.Policy
	tracker  StatusRecorder
	adapters AdapterFactory
	log      *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]*handle
	watchWG sync.WaitGroup
}

// NewManager creates a manager. source may be nil when configs are static;
// tracker may be nil.
func NewManager(cfg Config, b bus.Bus, source Source, tracker StatusRecorder, adapters AdapterFactory) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		bus:      b,
		source:   source,
		policy:   registry.Collectable,
		tracker:  tracker,
		adapters: adapters,
		log:      slog.Default().With("component", "subscriber"),
		running:  make(map[string]*handle),
	}
}

// SetPolicy restricts which chains are started.
func (m *Manager) SetPolicy(p registry.Policy) {
	m.policy = p
}

// Start launches a loop per enabled config and begins listening for node
// updates. A nil configs slice loads every config from the source.
func (m *Manager) Start(ctx context.Context, configs []domain.ChainConfig) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return fmt.Errorf("subscriber: already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.ctx = ctx
	m.mu.Unlock()

	if configs == nil && m.source != nil {
		loaded, err := m.source.List(ctx, m.policy)
		if err != nil {
			return fmt.Errorf("load chain configs: %w", err)
		}
		configs = loaded
	}

	for _, cfg := range configs {
		if err := m.apply(cfg); err != nil {
			m.log.Error("Skipping chain", "chain_id", cfg.ChainID, "error", err)
		}
	}

	if m.source != nil {
		ready := make(chan struct{})
		m.watchWG.Add(1)
		go func() {
			defer m.watchWG.Done()
			if err := m.source.Watch(ctx, m.handleUpdate, ready); err != nil {
				m.log.Error("Node update listener stopped", "error", err)
			}
		}()
		select {
		case <-ready:
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			m.log.Warn("Node update listener not ready, continuing")
		}
	}

	m.log.Info("Subscriber started", "chains", len(m.Running()))
	return nil
}

func (m *Manager) handleUpdate(u registry.Update) {
	log := m.log.With("chain_id", u.ChainID, "action", u.Action)
	if u.Action == registry.ActionDelete {
		log.Info("Node deleted, stopping collector")
		m.Stop(u.ChainID)
		return
	}
	if err := m.Ensure(u.ChainID); err != nil {
		log.Warn("Failed to apply node update", "error", err)
	}
}

// Ensure reloads chainID from the source and starts, restarts or stops its
// loop to match.
func (m *Manager) Ensure(chainID string) error {
	ctx, err := m.rootContext()
	if err != nil {
		return err
	}
	if m.source == nil {
		return fmt.Errorf("subscriber: no config source")
	}
	cfg, err := m.source.Get(ctx, chainID)
	if errors.Is(err, registry.ErrNodeNotFound) {
		m.Stop(chainID)
		return nil
	}
	if err != nil {
		return err
	}
	return m.apply(cfg)
}

func (m *Manager) apply(cfg domain.ChainConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled || (m.policy != nil && !m.policy(cfg)) {
		m.Stop(cfg.ChainID)
		return nil
	}

	m.mu.Lock()
	existing, ok := m.running[cfg.ChainID]
	m.mu.Unlock()
	if ok {
		if reflect.DeepEqual(existing.cfg, cfg) {
			return nil
		}
		m.log.Info("Chain config changed, restarting collector", "chain_id", cfg.ChainID)
		m.Stop(cfg.ChainID)
	}
	return m.launch(cfg)
}

func (m *Manager) launch(cfg domain.ChainConfig) error {
	root, err := m.rootContext()
	if err != nil {
		return err
	}

	run, err := m.loopFor(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(root)
	h := &handle{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, ok := m.running[cfg.ChainID]; ok {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.running[cfg.ChainID] = h
	m.mu.Unlock()

	if m.tracker != nil {
		m.tracker.RegisterSubscription(cfg.ChainID)
	}
	go func() {
		defer close(h.done)
		run(ctx)
	}()
	m.log.Info("Collector started", "chain_id", cfg.ChainID, "vm_type", cfg.VMType)
	return nil
}

func (m *Manager) loopFor(cfg domain.ChainConfig) (func(context.Context), error) {
	if cfg.VMType == domain.VMTypeEVM && cfg.WSURL != "" {
		return func(ctx context.Context) { m.runWebSocket(ctx, cfg) }, nil
	}
	if m.adapters == nil {
		return nil, fmt.Errorf("chain %s: no adapter factory for polling collector", cfg.ChainID)
	}
	adapter, err := m.adapters(cfg)
	if err != nil {
		return nil, fmt.Errorf("chain %s: %w", cfg.ChainID, err)
	}
	interval := m.pollInterval(cfg)
	return func(ctx context.Context) { m.runPoller(ctx, cfg, adapter, interval) }, nil
}

func (m *Manager) pollInterval(cfg domain.ChainConfig) time.Duration {
	if cfg.PollIntervalSecs > 0 {
		return time.Duration(cfg.PollIntervalSecs) * time.Second
	}
	switch cfg.VMType {
	case domain.VMTypeUTXO:
		return m.cfg.UTXOPollInterval
	case domain.VMTypeSVM:
		return m.cfg.SVMPollInterval
	default:
		return m.cfg.EVMPollInterval
	}
}

// Stop cancels the loop of chainID and waits for it to exit.
func (m *Manager) Stop(chainID string) {
	m.mu.Lock()
	h, ok := m.running[chainID]
	delete(m.running, chainID)
	m.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	if m.tracker != nil {
		m.tracker.UnregisterSubscription(chainID)
	}
	m.log.Info("Collector stopped", "chain_id", chainID)
}

// Shutdown stops every loop and the update listener.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.watchWG.Wait()
	for _, id := range m.Running() {
		m.Stop(id)
	}
}

// Running returns the chain ids with an active loop, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) rootContext() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil, ErrNotStarted
	}
	return m.ctx, nil
}

// publish stamps and publishes a header. A failed publish drops the block.
func (m *Manager) publish(ctx context.Context, cfg domain.ChainConfig, h *domain.BlockHeader) {
	h.ApplyChain(cfg)
	h.ReceivedAt = time.Now().UTC()
	h.ProviderID = m.cfg.ProviderID

	data, err := json.Marshal(h)
	if err != nil {
		m.log.Error("Failed to encode header", "chain_id", cfg.ChainID, "error", err)
		return
	}
	if err := m.bus.Publish(ctx, cfg.HeadersSubject(), data); err != nil {
		m.log.Warn("Dropping header, publish failed",
			"chain_id", cfg.ChainID, "block", h.Number, "error", err)
		if m.tracker != nil {
			m.tracker.RecordError(cfg.ChainID, fmt.Sprintf("publish header %d: %v", h.Number, err), true)
		}
		return
	}

	metrics.HeadersPublished.WithLabelValues(cfg.ChainID).Inc()
	metrics.ChainLatestBlock.WithLabelValues(cfg.ChainID).Set(float64(h.Number))
	if m.tracker != nil {
		m.tracker.RecordBlockReceived(cfg.ChainID, h.Number, h.LatencyMs())
	}
	m.log.Debug("Header published", "chain_id", cfg.ChainID, "block", h.Number, "hash", h.Hash)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
