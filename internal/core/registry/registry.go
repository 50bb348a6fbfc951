// Package registry stores per-chain node configs in Redis and broadcasts
// changes on the blockchain:nodes:updates channel.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/redis"
)

// ErrNodeNotFound is returned when no config exists for a chain id.
var ErrNodeNotFound = errors.New("node not found")

// Action is the kind of change carried by an Update.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Update is the payload published on the updates channel.
type Update struct {
	Action  Action              `json:"action"`
	ChainID string              `json:"chain_id"`
	Node    *domain.ChainConfig `json:"node,omitempty"`
}

// Policy selects which stored configs a consumer loads.
type Policy func(domain.ChainConfig) bool

// EVMOnly accepts EVM chains.
func EVMOnly(c domain.ChainConfig) bool { return c.VMType == domain.VMTypeEVM }

// Collectable accepts every VM family that has a header collector.
func Collectable(c domain.ChainConfig) bool { return c.VMType.Known() }

// All accepts every config.
func All(domain.ChainConfig) bool { return true }

// Registry reads and writes node configs.
type Registry struct {
	rdb goredis.UniversalClient
	log *slog.Logger
}

func New(rdb goredis.UniversalClient) *Registry {
	return &Registry{
		rdb: rdb,
		log: slog.Default().With("component", "registry"),
	}
}

// Get loads the config of chainID.
func (r *Registry) Get(ctx context.Context, chainID string) (domain.ChainConfig, error) {
	var cfg domain.ChainConfig
	found, err := redis.GetJSON(ctx, r.rdb, redis.NodeKey(chainID), &cfg)
	if err != nil {
		return cfg, err
	}
	if !found {
		return cfg, fmt.Errorf("%w: %s", ErrNodeNotFound, chainID)
	}
	if cfg.ChainID == "" {
		cfg.ChainID = chainID
	}
	cfg.VMType = domain.ParseVMType(string(cfg.VMType))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// List loads every stored config accepted by policy. Invalid records are
// skipped with a log entry.
func (r *Registry) List(ctx context.Context, policy Policy) ([]domain.ChainConfig, error) {
	if policy == nil {
		policy = All
	}

	keys, err := redis.ScanKeys(ctx, r.rdb, redis.NodesPattern(), 100)
	if err != nil {
		return nil, err
	}

	var out []domain.ChainConfig
	for _, key := range keys {
		if key == redis.NodesUpdatesChannel {
			continue
		}
		chainID := redis.ChainIDFromNodeKey(key)
		cfg, err := r.Get(ctx, chainID)
		if err != nil {
			if errors.Is(err, ErrNodeNotFound) {
				continue
			}
			r.log.Warn("Skipping invalid node config", "chain_id", chainID, "error", err)
			continue
		}
		if policy(cfg) {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// Put stores cfg and announces the change.
func (r *Registry) Put(ctx context.Context, cfg domain.ChainConfig) error {
	cfg.VMType = domain.ParseVMType(string(cfg.VMType))
	if err := cfg.Validate(); err != nil {
		return err
	}

	exists, err := r.rdb.Exists(ctx, redis.NodeKey(cfg.ChainID)).Result()
	if err != nil {
		return fmt.Errorf("check node %s: %w", cfg.ChainID, err)
	}
	if err := redis.SetJSON(ctx, r.rdb, redis.NodeKey(cfg.ChainID), cfg, 0); err != nil {
		return err
	}

	action := ActionCreate
	if exists > 0 {
		action = ActionUpdate
	}
	return r.publish(ctx, Update{Action: action, ChainID: cfg.ChainID, Node: &cfg})
}

// Delete removes the config of chainID and announces it.
func (r *Registry) Delete(ctx context.Context, chainID string) error {
	n, err := r.rdb.Del(ctx, redis.NodeKey(chainID)).Result()
	if err != nil {
		return fmt.Errorf("delete node %s: %w", chainID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, chainID)
	}
	return r.publish(ctx, Update{Action: ActionDelete, ChainID: chainID})
}

func (r *Registry) publish(ctx context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, redis.NodesUpdatesChannel, data).Err(); err != nil {
		return fmt.Errorf("publish node update: %w", err)
	}
	return nil
}

// Watch delivers updates to fn until ctx is cancelled. Messages without a
// chain_id are ignored. ready, if non-nil, is closed once the subscription
// is active.
func (r *Registry) Watch(ctx context.Context, fn func(Update), ready chan<- struct{}) error {
	pubsub := r.rdb.Subscribe(ctx, redis.NodesUpdatesChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", redis.NodesUpdatesChannel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var u Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				r.log.Warn("Ignoring malformed node update", "payload", msg.Payload, "error", err)
				continue
			}
			if u.ChainID == "" {
				continue
			}
			fn(u)
		}
	}
}
