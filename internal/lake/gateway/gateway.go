// Package gateway exposes the lakehouse over the message bus: the write
// gateway buffers validated records, the committer persists drained
// batches, and the read gateway answers queries and schema requests.
package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/indexing/metrics"
	"github.com/vietddude/chainlake/internal/lake/schema"
)

const (
	// WriteQueue load-balances write subjects across gateway replicas.
	WriteQueue = "ducklake-writers"
	// ReadQueue load-balances query subjects across gateway replicas.
	ReadQueue = "ducklake-readers"
)

// WriteRequest is the payload of ducklake.{table}.{chain}.{subnet}.write.
type WriteRequest struct {
	TableName       string                  `json:"table_name"`
	Chain           string                  `json:"chain"`
	Subnet          string                  `json:"subnet"`
	PartitionValues []schema.PartitionValue `json:"partition_values,omitempty"`
	Record          json.RawMessage         `json:"record"`
	WriteMode       string                  `json:"write_mode,omitempty"`
}

// Reply is the envelope for write, compact and schema replies.
type Reply struct {
	Success bool               `json:"success"`
	Tables  []schema.TableInfo `json:"tables,omitempty"`
	Table   *schema.TableInfo  `json:"table,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// ErrorReply is sent by the read gateway when a query fails.
type ErrorReply struct {
	Error string `json:"error"`
}

func respond(log *slog.Logger, msg *bus.Message, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to encode reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn("Failed to send reply", "subject", msg.Subject, "error", err)
	}
}

func observe(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.GatewayRequests.WithLabelValues(action, outcome).Inc()
}
