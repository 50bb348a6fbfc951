// Package provider implements the JSON-RPC transport to a single endpoint.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Provider is one JSON-RPC endpoint.
type Provider interface {
	// Name identifies the endpoint in logs and metrics.
	Name() string

	// Call makes a single RPC request and returns the raw "result" member.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// Close releases idle connections.
	Close() error
}

// RPCError is a non-null "error" member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPStatusError is returned for non-2xx HTTP responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	RetryAfter string
}

func (e *HTTPStatusError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("http %d (retry after %s): %s", e.StatusCode, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// TransportError wraps network and decoding failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// HealthStatus represents the observed health of an endpoint.
type HealthStatus struct {
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	Requests      int           `json:"requests"`
}
