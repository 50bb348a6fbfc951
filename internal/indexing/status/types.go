package status

import "time"

// State is the lifecycle state of one chain subscription.
type State string

const (
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateStopped      State = "stopped"
)

// ConnectionInfo describes the transport of a subscription.
type ConnectionInfo struct {
	Connected         bool       `json:"connected"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
	ReconnectAttempts uint32     `json:"reconnect_attempts"`
}

// SubscriptionMetrics are the counters of one subscription.
//
// P99LatencyMs is the maximum latency observed, an upper bound of the p99.
type SubscriptionMetrics struct {
	BlocksReceived   uint64    `json:"blocks_received"`
	BlocksLastMinute uint64    `json:"blocks_last_minute"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	P99LatencyMs     float64   `json:"p99_latency_ms"`
	ConnectionErrors uint64    `json:"connection_errors"`
	ProcessingErrors uint64    `json:"processing_errors"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LastBlock is the most recent block seen on a subscription.
type LastBlock struct {
	Number     uint64    `json:"number"`
	ReceivedAt time.Time `json:"received_at"`
}

// ErrorRecord is one entry of an error history.
type ErrorRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ChainID     string    `json:"chain_id,omitempty"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
}

// SubscriptionStatus is the tracked state of one chain.
type SubscriptionStatus struct {
	ChainID        string              `json:"chain_id"`
	State          State               `json:"state"`
	StateChangedAt time.Time           `json:"state_changed_at"`
	Connection     ConnectionInfo      `json:"connection"`
	Metrics        SubscriptionMetrics `json:"metrics"`
	LastBlock      *LastBlock          `json:"last_block,omitempty"`
	ErrorHistory   []ErrorRecord       `json:"error_history"`
}

// Health is the aggregated health of a provider.
type Health struct {
	Healthy             bool   `json:"healthy"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	ErrorSubscriptions  int    `json:"error_subscriptions"`
	Message             string `json:"message,omitempty"`
}

// ProviderStatus is the snapshot persisted under provider:status:{provider_id}.
type ProviderStatus struct {
	ProviderID    string                         `json:"provider_id"`
	ProviderType  string                         `json:"provider_type"`
	Version       string                         `json:"version"`
	StartedAt     time.Time                      `json:"started_at"`
	LastHeartbeat time.Time                      `json:"last_heartbeat"`
	Subscriptions map[string]*SubscriptionStatus `json:"subscriptions"`
	Health        Health                         `json:"health"`
}

// computeHealth applies the rule: healthy iff at least one subscription is
// active and none is in error.
func computeHealth(subs map[string]*SubscriptionStatus) Health {
	var h Health
	for _, s := range subs {
		switch s.State {
		case StateActive:
			h.ActiveSubscriptions++
		case StateError:
			h.ErrorSubscriptions++
		}
	}
	h.Healthy = h.ActiveSubscriptions > 0 && h.ErrorSubscriptions == 0
	switch {
	case h.ErrorSubscriptions > 0:
		h.Message = "one or more subscriptions are in error"
	case h.ActiveSubscriptions == 0:
		h.Message = "no active subscriptions"
	}
	return h
}
