package config

import (
	"time"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/indexing/abi"
	"github.com/vietddude/chainlake/internal/indexing/status"
	"github.com/vietddude/chainlake/internal/indexing/subscriber"
	"github.com/vietddude/chainlake/internal/indexing/txworker"
	"github.com/vietddude/chainlake/internal/infra/bus"
	redisclient "github.com/vietddude/chainlake/internal/infra/redis"
	"github.com/vietddude/chainlake/internal/infra/rpc/pool"
	"github.com/vietddude/chainlake/internal/lake/buffer"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/gateway"
	"github.com/vietddude/chainlake/internal/notify"
	"github.com/vietddude/chainlake/internal/schedule"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server        ServerConfig         `yaml:"server"`
	Logging       LoggingConfig        `yaml:"logging"`
	Redis         redisclient.Config   `yaml:"redis"`
	NATS          bus.Config           `yaml:"nats"`
	Roles         RolesConfig          `yaml:"roles"`
	Networks      []pool.NetworkConfig `yaml:"networks"`
	RPCCache      pool.CacheConfig     `yaml:"rpc_cache"`
	Adapters      AdaptersConfig       `yaml:"adapters"`
	Subscriber    subscriber.Config    `yaml:"subscriber"`
	TxWorker      txworker.Config      `yaml:"txworker"`
	ABI           abi.Config           `yaml:"abi"`
	DuckLake      DuckLakeConfig       `yaml:"ducklake"`
	Scheduler     schedule.Config      `yaml:"scheduler"`
	Notifications NotificationsConfig  `yaml:"notifications"`
	Status        status.Config        `yaml:"status"`
	Chains        []domain.ChainConfig `yaml:"chains"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RolesConfig selects the subsystems this process runs.
type RolesConfig struct {
	Subscriber   bool `yaml:"subscriber"`
	TxWorker     bool `yaml:"txworker"`
	WriteGateway bool `yaml:"write_gateway"`
	ReadGateway  bool `yaml:"read_gateway"`
	Scheduler    bool `yaml:"scheduler"`
	Notifier     bool `yaml:"notifier"`
}

// Any reports whether at least one role is enabled.
func (r RolesConfig) Any() bool {
	return r.Subscriber || r.TxWorker || r.WriteGateway || r.ReadGateway || r.Scheduler || r.Notifier
}

// Names lists the enabled roles.
func (r RolesConfig) Names() []string {
	var out []string
	for _, role := range []struct {
		name string
		on   bool
	}{
		{"subscriber", r.Subscriber},
		{"txworker", r.TxWorker},
		{"write_gateway", r.WriteGateway},
		{"read_gateway", r.ReadGateway},
		{"scheduler", r.Scheduler},
		{"notifier", r.Notifier},
	} {
		if role.on {
			out = append(out, role.name)
		}
	}
	return out
}

// AdaptersConfig tunes the per-VM chain adapters.
type AdaptersConfig struct {
	// EVMReceipts fills status, gas used and fee from transaction receipts.
	EVMReceipts bool `yaml:"evm_receipts"`
	// SolanaCommitment is the commitment level of SVM reads.
	SolanaCommitment string `yaml:"solana_commitment"`
}

// DuckLakeConfig groups the lakehouse catalog, ingestion buffer and writer.
type DuckLakeConfig struct {
	Catalog catalog.Config          `yaml:"catalog"`
	Buffer  buffer.Config           `yaml:"buffer"`
	Writer  gateway.CommitterConfig `yaml:"writer"`
	// QueryTimeout bounds one read gateway query.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// Migrate applies pending table migrations at start-up.
	Migrate bool `yaml:"migrate"`
	// PartitionTables adds ALTER TABLE ... SET PARTITIONED BY to migrations.
	PartitionTables bool `yaml:"partition_tables"`
	// CompactionMaxFiles enables the compact action when positive.
	CompactionMaxFiles int `yaml:"compaction_max_files"`
}

// NotificationsConfig configures the notifier role.
type NotificationsConfig struct {
	Runtime notify.Config       `yaml:"runtime"`
	SMTP    notify.SMTPConfig   `yaml:"smtp"`
	Slack   notify.SlackConfig  `yaml:"slack"`
	Twilio  notify.TwilioConfig `yaml:"twilio"`
	// WebSocketPath is served on the health server port.
	WebSocketPath string `yaml:"websocket_path"`
}
