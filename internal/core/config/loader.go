package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Environment variables that override file values.
const (
	EnvRedisURL   = "REDIS_URL"
	EnvNATSURL    = "NATS_URL"
	EnvCatalogDSN = "DUCKLAKE_CATALOG_DSN"
	EnvDataPath   = "DUCKLAKE_DATA_PATH"
)

// Load reads configuration from a YAML file. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML content with environment expansion, overrides and
// defaults, then validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Redis.URL, EnvRedisURL)
	override(&c.NATS.URL, EnvNATSURL)
	override(&c.DuckLake.Catalog.CatalogDSN, EnvCatalogDSN)
	override(&c.DuckLake.Catalog.DataPath, EnvDataPath)
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "chainlake"
	}
	if !c.Roles.Any() {
		c.Roles = RolesConfig{Subscriber: true, TxWorker: true, WriteGateway: true, ReadGateway: true}
	}
	if c.DuckLake.QueryTimeout == 0 {
		c.DuckLake.QueryTimeout = 30 * time.Second
	}
	if c.Notifications.WebSocketPath == "" {
		c.Notifications.WebSocketPath = "/ws/notifications"
	}

	// rpc_cache is the cache of networks that do not configure their own
	for i := range c.Networks {
		if !c.Networks[i].Cache.Enabled && c.RPCCache.Enabled {
			c.Networks[i].Cache = c.RPCCache
		}
	}
	for i := range c.Chains {
		if c.Chains[i].ChainName == "" {
			c.Chains[i].ChainName = c.Chains[i].ChainID
		}
	}
}

// Validate reports the first configuration error.
func (c *AppConfig) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	seen := make(map[string]bool, len(c.Networks))
	for i, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("networks[%d]: name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("networks[%d]: duplicate network %q", i, n.Name)
		}
		seen[n.Name] = true
		if len(n.Endpoints) == 0 {
			return fmt.Errorf("network %s: at least one endpoint is required", n.Name)
		}
	}

	ids := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("chains[%d]: %w", i, err)
		}
		if ids[ch.ChainID] {
			return fmt.Errorf("chains[%d]: duplicate chain_id %q", i, ch.ChainID)
		}
		ids[ch.ChainID] = true
	}

	if c.Roles.Notifier && c.Notifications.Runtime.MaxConcurrentMessages < 0 {
		return errors.New("notifications.runtime.max_concurrent_messages must not be negative")
	}
	return nil
}
