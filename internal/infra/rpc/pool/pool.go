// Package pool implements the per-network JSON-RPC endpoint pool: round-robin
// selection over endpoints guarded by circuit breakers, bounded retries and a
// response cache consulted before any network call.
package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/indexing/metrics"
	"github.com/vietddude/chainlake/internal/infra/breaker"
	"github.com/vietddude/chainlake/internal/infra/rpc/provider"
	"github.com/vietddude/chainlake/internal/infra/rpc/routing"
)

var (
	// ErrNoHealthyEndpoint is returned when every breaker of a network is open.
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint")
	// ErrUnknownNetwork is returned for calls to a network never registered.
	ErrUnknownNetwork = errors.New("unknown network")
)

// NetworkConfig describes one network's endpoints.
type NetworkConfig struct {
	Name      string              `yaml:"name"`
	Endpoints []string            `yaml:"endpoints"`
	Timeout   time.Duration       `yaml:"timeout"`
	JSONRPC10 bool                `yaml:"jsonrpc_10"`
	Circuit   breaker.Config      `yaml:"circuit_breaker"`
	Cache     CacheConfig         `yaml:"cache"`
	Retry     routing.RetryConfig `yaml:"retry"`
}

// Health summarizes the breakers of one network.
type Health struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	HalfOpen  int `json:"half_open"`
	Unhealthy int `json:"unhealthy"`
}

type endpoint struct {
	name     string
	provider provider.Provider
	breaker  *breaker.CircuitBreaker
}

type network struct {
	name      string
	endpoints []*endpoint
	counter   atomic.Uint64
	cache     Cache
	cacheCfg  CacheConfig
	retry     routing.RetryConfig
}

// next returns the next executable endpoint in round-robin order.
func (n *network) next() (*endpoint, error) {
	size := uint64(len(n.endpoints))
	start := n.counter.Add(1) - 1
	for i := uint64(0); i < size; i++ {
		ep := n.endpoints[(start+i)%size]
		if ep.breaker.CanExecute() {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("%w for network %s", ErrNoHealthyEndpoint, n.name)
}

// Pool routes calls to registered networks.
type Pool struct {
	mu       sync.RWMutex
	networks map[string]*network

	rdb goredis.Cmdable
	log *slog.Logger

	// newProvider is replaceable in tests.
	newProvider func(name, url string, cfg NetworkConfig) provider.Provider
}

// Option configures a Pool.
type Option func(*Pool)

// WithRedis enables the "redis" cache backend.
func WithRedis(rdb goredis.Cmdable) Option {
	return func(p *Pool) { p.rdb = rdb }
}

// WithProviderFactory replaces how endpoints are turned into providers.
func WithProviderFactory(fn func(name, url string, cfg NetworkConfig) provider.Provider) Option {
	return func(p *Pool) { p.newProvider = fn }
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		networks:    make(map[string]*network),
		log:         slog.Default().With("component", "rpc_pool"),
		newProvider: defaultProvider,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultProvider(name, url string, cfg NetworkConfig) provider.Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var opts []provider.Option
	if cfg.JSONRPC10 {
		opts = append(opts, provider.WithJSONRPC10())
	}
	return provider.NewHTTPProvider(name, url, timeout, opts...)
}

// RegisterNetwork adds a network. Registering an existing name is a no-op.
func (p *Pool) RegisterNetwork(cfg NetworkConfig) error {
	if cfg.Name == "" {
		return errors.New("network name is required")
	}
	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("network %s: at least one endpoint is required", cfg.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.networks[cfg.Name]; ok {
		return nil
	}

	n := &network{
		name:     cfg.Name,
		cacheCfg: cfg.Cache.withDefaults(),
		retry:    cfg.Retry,
	}
	if n.retry.MaxRetries <= 0 {
		n.retry.MaxRetries = routing.DefaultRetryConfig.MaxRetries
	}

	for i, url := range cfg.Endpoints {
		name := fmt.Sprintf("%s-%d", cfg.Name, i)
		cb := breaker.New(name, cfg.Circuit)
		cb.OnStateChange(func(name string, from, to breaker.State) {
			metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			p.log.Info("Endpoint breaker transition", "endpoint", name, "from", from, "to", to)
		})
		n.endpoints = append(n.endpoints, &endpoint{
			name:     name,
			provider: p.newProvider(name, url, cfg),
			breaker:  cb,
		})
	}

	if cfg.Cache.Enabled {
		switch n.cacheCfg.Backend {
		case "redis":
			if p.rdb == nil {
				return fmt.Errorf("network %s: redis cache backend requires a redis client", cfg.Name)
			}
			n.cache = NewRedisCache(p.rdb, cfg.Name)
		default:
			mc, err := NewMemoryCache(n.cacheCfg.MaxEntries)
			if err != nil {
				return fmt.Errorf("network %s: %w", cfg.Name, err)
			}
			n.cache = mc
		}
	}

	p.networks[cfg.Name] = n
	p.log.Info("Registered RPC network", "network", cfg.Name, "endpoints", len(n.endpoints))
	return nil
}

// Networks returns the registered network names.
func (p *Pool) Networks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.networks))
	for name := range p.networks {
		out = append(out, name)
	}
	return out
}

func (p *Pool) network(name string) (*network, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
	return n, nil
}

// Call executes method on network, serving from cache when possible.
func (p *Pool) Call(ctx context.Context, networkName, method string, params []any) (json.RawMessage, error) {
	n, err := p.network(networkName)
	if err != nil {
		return nil, err
	}

	var key string
	if n.cache != nil {
		key = CacheKey(networkName, method, params)
		if v, ok := n.cache.Get(ctx, key); ok {
			metrics.RPCCacheHits.WithLabelValues(networkName, method).Inc()
			return v, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= n.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := routing.Sleep(ctx, n.retry.Backoff(attempt)); err != nil {
				return nil, err
			}
		}

		ep, err := n.next()
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return nil, err
		}

		start := time.Now()
		result, err := ep.provider.Call(ctx, method, params)
		metrics.RPCCallsTotal.WithLabelValues(networkName, ep.name, method).Inc()
		metrics.RPCLatency.WithLabelValues(networkName, method).Observe(time.Since(start).Seconds())

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			ep.breaker.RecordFailure()
			action := routing.ClassifyError(err)
			metrics.RPCErrorsTotal.WithLabelValues(networkName, ep.name, action.String()).Inc()
			lastErr = err

			if action == routing.ActionFatal {
				return nil, fmt.Errorf("%s on %s: %w", method, ep.name, err)
			}
			p.log.Debug("RPC call failed",
				"network", networkName, "endpoint", ep.name, "method", method,
				"attempt", attempt+1, "action", action, "error", err)
			continue
		}

		ep.breaker.RecordSuccess()
		if n.cache != nil && !isNull(result) {
			if ttl := n.cacheCfg.TTLFor(method, params); ttl > 0 {
				n.cache.Set(ctx, key, result, ttl)
			}
		}
		return result, nil
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", method, n.retry.MaxRetries+1, lastErr)
}

// CallInto executes method and decodes the result into out.
// A null result leaves out untouched and reports found=false.
func (p *Pool) CallInto(ctx context.Context, networkName, method string, params []any, out any) (bool, error) {
	raw, err := p.Call(ctx, networkName, method, params)
	if err != nil {
		return false, err
	}
	if isNull(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s result: %w", method, err)
	}
	return true, nil
}

// Health summarizes the breakers of network.
func (p *Pool) Health(networkName string) (Health, error) {
	n, err := p.network(networkName)
	if err != nil {
		return Health{}, err
	}

	h := Health{Total: len(n.endpoints)}
	for _, ep := range n.endpoints {
		switch ep.breaker.State() {
		case breaker.StateClosed:
			h.Healthy++
		case breaker.StateHalfOpen:
			h.HalfOpen++
		default:
			h.Unhealthy++
		}
	}
	return h, nil
}

// Close releases every provider.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, n := range p.networks {
		for _, ep := range n.endpoints {
			if err := ep.provider.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
