// Package txworker turns published block headers into transactions: it
// fetches each block's transactions, publishes them raw, decodes EVM calls
// and hands every row to the lakehouse write gateway.
package txworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/indexing/abi"
	"github.com/vietddude/chainlake/internal/indexing/metrics"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/infra/chain"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/schema"
)

const (
	// Queue spreads headers across worker replicas.
	Queue = "txworkers"

	DefaultSource = "chainlake-txworker"
)

// Config controls the workers.
type Config struct {
	VMTypes     []domain.VMType `yaml:"vm_types"`
	Concurrency int             `yaml:"concurrency"`
	Source      string          `yaml:"source"`
	// FetchTimeout bounds the work on a single block.
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	DisableLakeWrites bool          `yaml:"disable_lake_writes"`
}

func (c Config) withDefaults() Config {
	if len(c.VMTypes) == 0 {
		c.VMTypes = []domain.VMType{domain.VMTypeEVM, domain.VMTypeUTXO, domain.VMTypeSVM}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	return c
}

// Source resolves chain configs.
type Source interface {
	Get(ctx context.Context, chainID string) (domain.ChainConfig, error)
}

// Decoder decodes EVM calldata. *abi.Decoder satisfies it.
type Decoder interface {
	DecodeBatch(ctx context.Context, inputs []abi.Input) []abi.Result
}

// LakeWriter publishes lakehouse write requests. *gateway.Client satisfies it.
type LakeWriter interface {
	Write(ctx context.Context, table, chain, subnet string, record any, mode catalog.WriteMode, partition ...schema.PartitionValue) error
}

type AdapterFactory func(domain.ChainConfig) (chain.Adapter, error)

// Worker consumes headers and processes their blocks.
type Worker struct {
	cfg      Config
	bus      bus.Bus
	source   Source
	adapters AdapterFactory
	decoder  Decoder
	lake     LakeWriter

	mu    sync.Mutex
	cache map[string]cachedAdapter

	sem  chan struct{}
	wg   sync.WaitGroup
	subs []bus.Subscription
	now  func() time.Time
	log  *slog.Logger
}

type cachedAdapter struct {
	cfg     domain.ChainConfig
	adapter chain.Adapter
}

// New creates a worker. decoder and lake may be nil to skip decoding or
// lakehouse writes.
func New(cfg Config, b bus.Bus, source Source, adapters AdapterFactory, decoder Decoder, lake LakeWriter) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:      cfg,
		bus:      b,
		source:   source,
		adapters: adapters,
		decoder:  decoder,
		lake:     lake,
		cache:    make(map[string]cachedAdapter),
		sem:      make(chan struct{}, cfg.Concurrency),
		now:      time.Now,
		log:      slog.Default().With("component", "txworker"),
	}
}

// Start subscribes to the header subjects of the configured VM families.
func (w *Worker) Start(ctx context.Context) error {
	for _, vm := range w.cfg.VMTypes {
		subj := domain.HeadersSubject("*", "*", vm)
		sub, err := w.bus.QueueSubscribe(subj, Queue, func(_ context.Context, msg *bus.Message) {
			w.dispatch(ctx, msg)
		})
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		w.subs = append(w.subs, sub)
	}
	w.log.Info("Transaction workers started", "vm_types", w.cfg.VMTypes, "concurrency", w.cfg.Concurrency)
	return nil
}

// Stop unsubscribes and waits for in-flight blocks.
func (w *Worker) Stop() {
	for _, s := range w.subs {
		_ = s.Unsubscribe()
	}
	w.subs = nil
	w.wg.Wait()
}

// dispatch hands the header to a bounded goroutine so the bus callback
// returns quickly. A full pool blocks the callback.
func (w *Worker) dispatch(ctx context.Context, msg *bus.Message) {
	var h domain.BlockHeader
	if err := json.Unmarshal(msg.Data, &h); err != nil {
		w.log.Warn("Dropping malformed header", "subject", msg.Subject, "error", err)
		return
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		if err := w.ProcessHeader(ctx, &h); err != nil {
			w.log.Error("Failed to process block",
				"chain_id", h.ChainID,
				"block", h.Number,
				"error", err,
			)
		}
	}()
}

// ProcessHeader fetches and publishes every transaction of the header's block.
func (w *Worker) ProcessHeader(ctx context.Context, h *domain.BlockHeader) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	// 1. Resolve chain and adapter
	cfg, adapter, err := w.adapterFor(ctx, h.ChainID)
	if err != nil {
		return err
	}
	h.ApplyChain(cfg)

	// 2. Fetch transactions
	txs, err := adapter.Transactions(ctx, h)
	if err != nil {
		return fmt.Errorf("fetch transactions: %w", err)
	}
	for i := range txs {
		stamp(&txs[i], cfg, h)
	}

	// 3. Publish raw batch
	if err := w.publishRaw(ctx, cfg, h, txs); err != nil {
		return err
	}
	metrics.TransactionsPublished.WithLabelValues(cfg.ChainID, string(cfg.VMType)).Add(float64(len(txs)))

	// 4. Decode EVM calls
	var decoded []domain.DecodedTransaction
	if cfg.VMType == domain.VMTypeEVM && w.decoder != nil && len(txs) > 0 {
		decoded = w.decode(ctx, cfg, txs)
	}

	// 5. Lakehouse writes
	if w.lake != nil && !w.cfg.DisableLakeWrites {
		if err := w.writeLake(ctx, cfg, h, txs, decoded); err != nil {
			return err
		}
	}

	w.log.Debug("Processed block",
		"chain_id", cfg.ChainID,
		"block", h.Number,
		"transactions", len(txs),
		"decoded", len(decoded),
	)
	return nil
}

func (w *Worker) adapterFor(ctx context.Context, chainID string) (domain.ChainConfig, chain.Adapter, error) {
	cfg, err := w.source.Get(ctx, chainID)
	if err != nil {
		return domain.ChainConfig{}, nil, fmt.Errorf("load chain %s: %w", chainID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.cache[chainID]; ok && c.cfg == cfg {
		return cfg, c.adapter, nil
	}
	adapter, err := w.adapters(cfg)
	if err != nil {
		return domain.ChainConfig{}, nil, fmt.Errorf("adapter for %s: %w", chainID, err)
	}
	w.cache[chainID] = cachedAdapter{cfg: cfg, adapter: adapter}
	return cfg, adapter, nil
}

func stamp(tx *domain.RawTransaction, cfg domain.ChainConfig, h *domain.BlockHeader) {
	tx.Network = cfg.Network
	tx.Subnet = cfg.Subnet
	tx.VMType = cfg.VMType
	tx.ChainID = cfg.ChainID
	if tx.BlockNumber == 0 {
		tx.BlockNumber = h.Number
	}
	if tx.BlockHash == "" {
		tx.BlockHash = h.Hash
	}
	if tx.BlockTimestamp == 0 {
		tx.BlockTimestamp = h.Timestamp
	}
}

func (w *Worker) publishRaw(ctx context.Context, cfg domain.ChainConfig, h *domain.BlockHeader, txs []domain.RawTransaction) error {
	encoded, err := json.Marshal(txs)
	if err != nil {
		return fmt.Errorf("encode transactions: %w", err)
	}
	msg := domain.RawTransactionMessage{
		Network:      cfg.Network,
		Transactions: string(encoded),
		Metadata: domain.RawTransactionMetadata{
			BatchID:     uuid.NewString(),
			BlockNumber: h.Number,
			Timestamp:   w.now().UTC(),
			Source:      w.cfg.Source,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := w.bus.Publish(ctx, cfg.RawTransactionsSubject(), data); err != nil {
		return fmt.Errorf("publish raw transactions: %w", err)
	}
	return nil
}

func (w *Worker) decode(ctx context.Context, cfg domain.ChainConfig, txs []domain.RawTransaction) []domain.DecodedTransaction {
	inputs := make([]abi.Input, len(txs))
	for i, tx := range txs {
		inputs[i] = abi.Input{
			TxHash:  tx.TransactionHash,
			Network: cfg.LakeChainID(),
			To:      tx.To,
			Data:    tx.Input,
		}
	}
	results := w.decoder.DecodeBatch(ctx, inputs)

	out := make([]domain.DecodedTransaction, 0, len(txs))
	for i, r := range results {
		if r.Status == abi.StatusNativeTransfer {
			continue
		}
		out = append(out, abi.Apply(txs[i], r))
	}
	return out
}
