// Package abi decodes EVM transaction calldata against contract ABIs looked
// up through a three tier cache.
package abi

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	lru "github.com/hashicorp/golang-lru/v2"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/indexing/metrics"
)

// Status is the outcome of decoding one input.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusNativeTransfer   Status = "native_transfer"
	StatusContractCreation Status = "contract_creation"
	StatusAbiNotFound      Status = "abi_not_found"
	StatusInvalidInput     Status = "invalid_input"
	StatusDecodingError    Status = "decoding_error"
	StatusTimeout          Status = "timeout"
)

var ErrABINotFound = errors.New("abi: not found")

// Fetcher is the lakehouse tier. It returns the ABI JSON of a contract or
// ErrABINotFound.
type Fetcher interface {
	FetchABI(ctx context.Context, network, address string) (string, error)
}

// Config configures a Decoder.
type Config struct {
	CacheSize     int           `yaml:"cache_size"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
	DecodeTimeout time.Duration `yaml:"decode_timeout"`
	BatchSize     int           `yaml:"batch_size"`
}

func (c Config) withDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "abi:"
	}
	if c.RedisTTL <= 0 {
		c.RedisTTL = 7 * 24 * time.Hour
	}
	if c.DecodeTimeout <= 0 {
		c.DecodeTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Input is one transaction to decode.
type Input struct {
	TxHash  string
	Network string
	To      string
	Data    string
}

// Result is the decoding outcome of one Input. ProcessingTimeMs is rounded
// up to whole milliseconds.
type Result struct {
	TxHash           string                  `json:"tx_hash"`
	Status           Status                  `json:"status"`
	Function         *domain.DecodedFunction `json:"decoded_function"`
	Error            string                  `json:"error,omitempty"`
	ProcessingTimeMs uint64                  `json:"processing_time_ms"`
}

// Decoder decodes calldata. L1 is an in-process LRU of parsed ABIs, L2 is
// Redis holding ABI JSON and L3 an optional Fetcher.
type Decoder struct {
	cfg     Config
	l1      *lru.Cache[string, *gethabi.ABI]
	rdb     goredis.Cmdable
	fetcher Fetcher
	log     *slog.Logger
}

// New creates a decoder. rdb and fetcher may be nil.
func New(cfg Config, rdb goredis.Cmdable, fetcher Fetcher) (*Decoder, error) {
	cfg = cfg.withDefaults()
	l1, err := lru.New[string, *gethabi.ABI](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create abi cache: %w", err)
	}
	return &Decoder{
		cfg:     cfg,
		l1:      l1,
		rdb:     rdb,
		fetcher: fetcher,
		log:     slog.Default().With("component", "abi_decoder"),
	}, nil
}

func l1Key(network, address string) string {
	return network + ":" + strings.ToLower(address)
}

func (d *Decoder) l2Key(network, address string) string {
	return d.cfg.RedisPrefix + network + ":" + strings.ToLower(address)
}

// Decode decodes one input. Failures are reported in the Result status.
func (d *Decoder) Decode(ctx context.Context, in Input) Result {
	start := time.Now()
	res := d.decode(ctx, in)
	res.TxHash = in.TxHash
	res.ProcessingTimeMs = elapsedMs(start)
	metrics.DecodeResults.WithLabelValues(string(res.Status)).Inc()
	return res
}

func elapsedMs(start time.Time) uint64 {
	d := time.Since(start)
	ms := uint64((d + time.Millisecond - 1) / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (d *Decoder) decode(ctx context.Context, in Input) Result {
	if strings.TrimSpace(in.To) == "" {
		return Result{Status: StatusContractCreation}
	}
	data := strings.TrimPrefix(strings.TrimPrefix(in.Data, "0x"), "0X")
	if data == "" {
		return Result{Status: StatusNativeTransfer}
	}
	calldata, err := hex.DecodeString(data)
	if err != nil {
		return Result{Status: StatusInvalidInput, Error: fmt.Sprintf("input is not hex: %v", err)}
	}
	if len(calldata) < 4 {
		return Result{Status: StatusInvalidInput, Error: "input shorter than a selector"}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.DecodeTimeout)
	defer cancel()

	contract, err := d.lookup(ctx, in.Network, in.To)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Status: StatusTimeout, Error: err.Error()}
	case err != nil:
		return Result{Status: StatusAbiNotFound, Error: err.Error()}
	}

	method, err := contract.MethodById(calldata[:4])
	if err != nil {
		return Result{Status: StatusAbiNotFound, Error: err.Error()}
	}
	fn, err := decodeCall(method, calldata[4:])
	if err != nil {
		return Result{Status: StatusDecodingError, Error: err.Error()}
	}
	return Result{Status: StatusSuccess, Function: fn}
}

// DecodeBatch decodes inputs concurrently, BatchSize at a time. Results are
// returned in input order.
func (d *Decoder) DecodeBatch(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))
	for start := 0; start < len(inputs); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(inputs))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = d.Decode(ctx, inputs[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// Store writes an ABI to L1 and L2.
func (d *Decoder) Store(ctx context.Context, network, address, abiJSON string) error {
	_, err := d.store(ctx, network, address, abiJSON)
	return err
}

// store returns the parsed ABI even when the L2 write fails.
func (d *Decoder) store(ctx context.Context, network, address, abiJSON string) (*gethabi.ABI, error) {
	parsed, err := gethabi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	d.l1.Add(l1Key(network, address), &parsed)
	if d.rdb != nil {
		if err := d.rdb.Set(ctx, d.l2Key(network, address), abiJSON, d.cfg.RedisTTL).Err(); err != nil {
			return &parsed, fmt.Errorf("store abi: %w", err)
		}
	}
	return &parsed, nil
}

func (d *Decoder) lookup(ctx context.Context, network, address string) (*gethabi.ABI, error) {
	key := l1Key(network, address)
	if parsed, ok := d.l1.Get(key); ok {
		metrics.ABICacheLookups.WithLabelValues("l1", "hit").Inc()
		return parsed, nil
	}
	metrics.ABICacheLookups.WithLabelValues("l1", "miss").Inc()

	if d.rdb != nil {
		raw, err := d.rdb.Get(ctx, d.l2Key(network, address)).Result()
		switch {
		case err == nil:
			metrics.ABICacheLookups.WithLabelValues("l2", "hit").Inc()
			parsed, perr := gethabi.JSON(strings.NewReader(raw))
			if perr != nil {
				return nil, fmt.Errorf("%w: parse cached abi for %s: %v", ErrABINotFound, address, perr)
			}
			d.l1.Add(key, &parsed)
			return &parsed, nil
		case errors.Is(err, goredis.Nil):
			metrics.ABICacheLookups.WithLabelValues("l2", "miss").Inc()
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.log.Warn("ABI cache read failed", "address", address, "error", err)
		}
	}

	if d.fetcher == nil {
		return nil, fmt.Errorf("%w: %s", ErrABINotFound, address)
	}
	raw, err := d.fetcher.FetchABI(ctx, network, address)
	if err != nil {
		metrics.ABICacheLookups.WithLabelValues("l3", "miss").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrABINotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrABINotFound, address, err)
	}
	metrics.ABICacheLookups.WithLabelValues("l3", "hit").Inc()
	parsed, err := d.store(ctx, network, address, raw)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %v", ErrABINotFound, err)
	}
	if err != nil {
		d.log.Warn("ABI cache write failed", "address", address, "error", err)
	}
	return parsed, nil
}

// Apply merges a decoding result into a transaction.
func Apply(tx domain.RawTransaction, r Result) domain.DecodedTransaction {
	out := domain.DecodedTransaction{RawTransaction: tx, DecodingStatus: string(r.Status)}
	if r.Function != nil {
		out.FunctionName = r.Function.Name
		out.Selector = r.Function.Selector
		out.Signature = r.Function.Signature
		out.Parameters = r.Function.Parameters
	}
	return out
}
