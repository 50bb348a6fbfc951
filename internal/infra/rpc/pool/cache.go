package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/infra/redis"
)

// CacheConfig controls the response cache of one network.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"` // memory | redis
	MaxEntries int    `yaml:"max_entries"`

	// StandardTTL applies to methods without a specific rule.
	StandardTTL time.Duration `yaml:"standard_ttl"`
	// LongTTL applies to block lookups and finalized queries.
	LongTTL time.Duration `yaml:"long_ttl"`
	// TxTTL applies to transaction fetches, which are immutable.
	TxTTL time.Duration `yaml:"tx_ttl"`
	// BlockTime is the chain's nominal block interval.
	BlockTime time.Duration `yaml:"block_time"`
}

// DefaultCacheConfig is used for zero fields.
var DefaultCacheConfig = CacheConfig{
	Enabled:     true,
	Backend:     "memory",
	MaxEntries:  10_000,
	StandardTTL: 12 * time.Second,
	LongTTL:     5 * time.Minute,
	TxTTL:       24 * time.Hour,
	BlockTime:   12 * time.Second,
}

func (c CacheConfig) withDefaults() CacheConfig {
	d := DefaultCacheConfig
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.StandardTTL <= 0 {
		c.StandardTTL = d.StandardTTL
	}
	if c.LongTTL <= 0 {
		c.LongTTL = d.LongTTL
	}
	if c.TxTTL <= 0 {
		c.TxTTL = d.TxTTL
	}
	if c.BlockTime <= 0 {
		c.BlockTime = d.BlockTime
	}
	return c
}

// fastChainThreshold separates ~2s chains from ~12s chains.
const fastChainThreshold = 3 * time.Second

var (
	txMethods = []string{
		"eth_gettransactionbyhash", "eth_gettransactionreceipt", "eth_gettransactionbyblock",
		"gettransaction", "getrawtransaction",
	}
	blockMethods = map[string]struct{}{
		"eth_getblockbynumber": {}, "eth_getblockbyhash": {}, "eth_getblockreceipts": {},
		"getblock": {}, "getblockhash": {}, "getblockheader": {}, "getblocktime": {},
	}
	headMethods = map[string]struct{}{
		"eth_blocknumber": {}, "eth_gasprice": {}, "eth_feehistory": {},
		"eth_maxpriorityfeepergas": {}, "eth_blobbasefee": {},
		"getblockcount": {}, "getbestblockhash": {}, "estimatesmartfee": {},
		"getslot": {}, "getblockheight": {}, "getrecentprioritizationfees": {},
		"getlatestblockhash": {}, "getfeeformessage": {},
	}
)

// TTLFor returns how long a result of method may be cached; zero disables caching.
func (c CacheConfig) TTLFor(method string, params []any) time.Duration {
	m := strings.ToLower(method)

	if strings.Contains(m, "send") || strings.Contains(m, "subscribe") {
		return 0
	}
	for _, prefix := range txMethods {
		if strings.HasPrefix(m, prefix) {
			return c.TxTTL
		}
	}
	if _, ok := headMethods[m]; ok {
		return c.shortTTL()
	}
	if _, ok := blockMethods[m]; ok {
		if referencesTag(params, "latest", "pending", "safe") {
			return c.shortTTL()
		}
		return c.LongTTL
	}
	if referencesTag(params, "finalized") {
		return c.LongTTL
	}
	return c.StandardTTL
}

// shortTTL is the "one block" TTL.
func (c CacheConfig) shortTTL() time.Duration {
	if c.BlockTime <= fastChainThreshold {
		return 2 * time.Second
	}
	return c.StandardTTL
}

func referencesTag(params []any, tags ...string) bool {
	for _, p := range params {
		switch v := p.(type) {
		case string:
			for _, t := range tags {
				if v == t {
					return true
				}
			}
		case map[string]any:
			for _, t := range tags {
				if v["commitment"] == t || v["blockTag"] == t {
					return true
				}
			}
		}
	}
	return false
}

// CacheKey is sha256(network|method|canonical(params)) in hex.
// encoding/json sorts map keys, which makes the params encoding canonical.
func CacheKey(network, method string, params []any) string {
	if params == nil {
		params = []any{}
	}
	encoded, _ := json.Marshal(params)

	h := sha256.New()
	h.Write([]byte(network))
	h.Write([]byte("|"))
	h.Write([]byte(method))
	h.Write([]byte("|"))
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache stores RPC results by key.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration)
}

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// MemoryCache is a bounded LRU with per-entry expiry.
type MemoryCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, memoryEntry]
	now func() time.Time
}

// NewMemoryCache creates an LRU cache holding at most size entries.
func NewMemoryCache(size int) (*MemoryCache, error) {
	c, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: c, now: time.Now}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, memoryEntry{value: value, expiresAt: c.now().Add(ttl)})
}

// RedisCache stores results under rpc:{network}:{key}.
type RedisCache struct {
	rdb     goredis.Cmdable
	network string
}

// NewRedisCache creates a Redis-backed cache for network.
func NewRedisCache(rdb goredis.Cmdable, network string) *RedisCache {
	return &RedisCache{rdb: rdb, network: network}
}

func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	data, err := c.rdb.Get(ctx, redis.RPCCacheKey(c.network, key)).Bytes()
	if err != nil {
		return nil, false
	}
	return json.RawMessage(data), true
}

func (c *RedisCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) {
	// Best effort.
	_ = c.rdb.Set(ctx, redis.RPCCacheKey(c.network, key), []byte(value), ttl).Err()
}
