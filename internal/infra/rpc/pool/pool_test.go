package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/infra/breaker"
	"github.com/vietddude/chainlake/internal/infra/rpc/provider"
	"github.com/vietddude/chainlake/internal/infra/rpc/routing"
)

// stubProvider answers from a function and records who was called.
type stubProvider struct {
	name string
	fn   func(method string, params []any) (json.RawMessage, error)
	log  *callLog
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Close() error { return nil }
func (s *stubProvider) Call(_ context.Context, method string, params []any) (json.RawMessage, error) {
	s.log.add(s.name)
	return s.fn(method, params)
}

func newTestPool(t *testing.T, log *callLog, fn func(name, method string) (json.RawMessage, error), opts ...Option) *Pool {
	t.Helper()
	opts = append(opts, WithProviderFactory(func(name, _ string, _ NetworkConfig) provider.Provider {
		return &stubProvider{
			name: name,
			log:  log,
			fn: func(method string, _ []any) (json.RawMessage, error) {
				return fn(name, method)
			},
		}
	}))
	return New(opts...)
}

func TestPool_FailoverSkipsOpenBreakers(t *testing.T) {
	log := &callLog{}
	p := newTestPool(t, log, func(name, _ string) (json.RawMessage, error) {
		return json.RawMessage(`"` + name + `"`), nil
	})

	err := p.RegisterNetwork(NetworkConfig{
		Name:      "ethereum",
		Endpoints: []string{"a", "b", "c", "d"},
		Circuit:   breaker.Config{FailureThreshold: 1, Timeout: time.Hour, SuccessThreshold: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	n, _ := p.network("ethereum")
	n.endpoints[0].breaker.RecordFailure()
	n.endpoints[1].breaker.RecordFailure()

	result, err := p.Call(context.Background(), "ethereum", "eth_chainId", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `"ethereum-2"` {
		t.Errorf("expected first healthy endpoint ethereum-2, got %s", result)
	}
	if calls := log.snapshot(); len(calls) != 1 {
		t.Errorf("expected one call on first try, got %v", calls)
	}

	h, _ := p.Health("ethereum")
	if h != (Health{Total: 4, Healthy: 2, Unhealthy: 2}) {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestPool_RetriesOnDistinctEndpoint(t *testing.T) {
	log := &callLog{}
	p := newTestPool(t, log, func(name, _ string) (json.RawMessage, error) {
		if name == "polygon-0" {
			return nil, &provider.HTTPStatusError{StatusCode: 502, Body: "bad gateway"}
		}
		return json.RawMessage(`"0x1"`), nil
	})

	_ = p.RegisterNetwork(NetworkConfig{
		Name:      "polygon",
		Endpoints: []string{"a", "b"},
		Retry:     routing.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
	})

	result, err := p.Call(context.Background(), "polygon", "eth_chainId", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `"0x1"` {
		t.Errorf("unexpected result %s", result)
	}
	calls := log.snapshot()
	if len(calls) != 2 || calls[0] != "polygon-0" || calls[1] != "polygon-1" {
		t.Errorf("unexpected call order %v", calls)
	}
}

func TestPool_AllBreakersOpen(t *testing.T) {
	log := &callLog{}
	p := newTestPool(t, log, func(string, string) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	})
	_ = p.RegisterNetwork(NetworkConfig{
		Name:      "base",
		Endpoints: []string{"a"},
		Circuit:   breaker.Config{FailureThreshold: 1, Timeout: time.Hour},
		Retry:     routing.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond},
	})

	_, err := p.Call(context.Background(), "base", "eth_blockNumber", nil)
	if !errors.Is(err, ErrNoHealthyEndpoint) {
		t.Fatalf("expected ErrNoHealthyEndpoint, got %v", err)
	}
	if calls := log.snapshot(); len(calls) != 1 {
		t.Errorf("expected a single attempt before the breaker opened, got %d", len(calls))
	}
}

func TestPool_FatalErrorStopsRetry(t *testing.T) {
	log := &callLog{}
	p := newTestPool(t, log, func(string, string) (json.RawMessage, error) {
		return nil, &provider.RPCError{Code: -32601, Message: "method not found"}
	})
	_ = p.RegisterNetwork(NetworkConfig{Name: "eth", Endpoints: []string{"a", "b"}})

	_, err := p.Call(context.Background(), "eth", "eth_bogus", nil)
	var rpcErr *provider.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if calls := log.snapshot(); len(calls) != 1 {
		t.Errorf("expected no retry, got %v", calls)
	}
}

func TestPool_CacheHit(t *testing.T) {
	log := &callLog{}
	p := newTestPool(t, log, func(string, string) (json.RawMessage, error) {
		return json.RawMessage(`{"number":"0x10"}`), nil
	})
	_ = p.RegisterNetwork(NetworkConfig{
		Name:      "ethereum",
		Endpoints: []string{"a"},
		Cache:     CacheConfig{Enabled: true},
	})

	ctx := context.Background()
	params := []any{"0x10", false}
	for i := 0; i < 3; i++ {
		if _, err := p.Call(ctx, "ethereum", "eth_getBlockByNumber", params); err != nil {
			t.Fatal(err)
		}
	}
	if calls := log.snapshot(); len(calls) != 1 {
		t.Errorf("expected cache to absorb repeat calls, got %d network calls", len(calls))
	}
}

func TestPool_NullResultNotCached(t *testing.T) {
	log := &callLog{}
	p := newTestPool(t, log, func(string, string) (json.RawMessage, error) {
		return json.RawMessage(`null`), nil
	})
	_ = p.RegisterNetwork(NetworkConfig{Name: "ethereum", Endpoints: []string{"a"}, Cache: CacheConfig{Enabled: true}})

	var out map[string]any
	for i := 0; i < 2; i++ {
		found, err := p.CallInto(context.Background(), "ethereum", "eth_getTransactionByHash", []any{"0xabc"}, &out)
		if err != nil || found {
			t.Fatalf("expected not found, got found=%v err=%v", found, err)
		}
	}
	if calls := log.snapshot(); len(calls) != 2 {
		t.Errorf("null results must not be cached, got %d calls", len(calls))
	}
}

func TestPool_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	log := &callLog{}
	p := newTestPool(t, log, func(string, string) (json.RawMessage, error) {
		return json.RawMessage(`"0xabc"`), nil
	}, WithRedis(rdb))
	_ = p.RegisterNetwork(NetworkConfig{
		Name:      "ethereum",
		Endpoints: []string{"a"},
		Cache:     CacheConfig{Enabled: true, Backend: "redis"},
	})

	params := []any{"0xhash"}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Call(ctx, "ethereum", "eth_getTransactionByHash", params); err != nil {
			t.Fatal(err)
		}
	}
	if calls := log.snapshot(); len(calls) != 1 {
		t.Errorf("expected one network call, got %d", len(calls))
	}

	key := "rpc:ethereum:" + CacheKey("ethereum", "eth_getTransactionByHash", params)
	if !mr.Exists(key) {
		t.Fatalf("expected cache key %s", key)
	}
	if ttl := mr.TTL(key); ttl != DefaultCacheConfig.TxTTL {
		t.Errorf("expected tx ttl %v, got %v", DefaultCacheConfig.TxTTL, ttl)
	}
}

func TestRegisterNetworkIdempotent(t *testing.T) {
	p := newTestPool(t, &callLog{}, func(string, string) (json.RawMessage, error) { return nil, nil })
	cfg := NetworkConfig{Name: "eth", Endpoints: []string{"a"}}
	if err := p.RegisterNetwork(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Endpoints = []string{"a", "b", "c"}
	if err := p.RegisterNetwork(cfg); err != nil {
		t.Fatal(err)
	}
	if h, _ := p.Health("eth"); h.Total != 1 {
		t.Errorf("re-registration must not replace endpoints, got %d", h.Total)
	}
	if err := p.RegisterNetwork(NetworkConfig{Name: "empty"}); err == nil {
		t.Error("expected error for network without endpoints")
	}
}

func TestCacheConfig_TTLFor(t *testing.T) {
	slow := DefaultCacheConfig
	fast := DefaultCacheConfig
	fast.BlockTime = 2 * time.Second

	tests := []struct {
		name   string
		cfg    CacheConfig
		method string
		params []any
		want   time.Duration
	}{
		{"block by number", slow, "eth_getBlockByNumber", []any{"0x10", true}, slow.LongTTL},
		{"latest block", slow, "eth_getBlockByNumber", []any{"latest", false}, slow.StandardTTL},
		{"finalized query", slow, "eth_call", []any{map[string]any{}, "finalized"}, slow.LongTTL},
		{"tx fetch", fast, "eth_getTransactionReceipt", []any{"0x1"}, slow.TxTTL},
		{"solana tx", fast, "getTransaction", []any{"sig"}, slow.TxTTL},
		{"gas on slow chain", slow, "eth_gasPrice", nil, slow.StandardTTL},
		{"gas on fast chain", fast, "eth_gasPrice", nil, 2 * time.Second},
		{"block number fast", fast, "eth_blockNumber", nil, 2 * time.Second},
		{"send never cached", slow, "eth_sendRawTransaction", []any{"0x"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.TTLFor(tt.method, tt.params); got != tt.want {
				t.Errorf("TTLFor(%s) = %v, want %v", tt.method, got, tt.want)
			}
		})
	}
}

func TestCacheKeyCanonical(t *testing.T) {
	a := CacheKey("eth", "eth_call", []any{map[string]any{"to": "0x1", "data": "0x2"}})
	b := CacheKey("eth", "eth_call", []any{map[string]any{"data": "0x2", "to": "0x1"}})
	if a != b {
		t.Error("cache key must not depend on map ordering")
	}
	if a == CacheKey("polygon", "eth_call", []any{map[string]any{"to": "0x1", "data": "0x2"}}) {
		t.Error("cache key must include the network")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
}
