package routing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vietddude/chainlake/internal/infra/rpc/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{errors.New("429 Too Many Requests"), ActionFailover},
		{errors.New("project rate limit exceeded"), ActionFailover},
		{errors.New("quota exceeded"), ActionFailover},
		{errors.New("daily request count exceeded"), ActionFailover},
		{errors.New("403 Forbidden"), ActionFailover},
		{errors.New("Invalid JSON-RPC request -32600"), ActionFatal},
		{errors.New("Method not found -32601"), ActionFatal},
		{errors.New("Parse error -32700"), ActionFatal},
		{errors.New("connection reset by peer"), ActionRetry},
		{errors.New("timeout"), ActionRetry},
		{errors.New("500 Internal Server Error"), ActionRetry},
		{&provider.RPCError{Code: -32602, Message: "invalid params"}, ActionFatal},
		{&provider.RPCError{Code: -32005, Message: "daily request count exceeded"}, ActionFailover},
		{&provider.RPCError{Code: -32000, Message: "header not found"}, ActionRetry},
		{&provider.HTTPStatusError{StatusCode: 429}, ActionFailover},
		{&provider.HTTPStatusError{StatusCode: 502, Body: "bad gateway"}, ActionRetry},
		{fmt.Errorf("wrapped: %w", &provider.RPCError{Code: -32601}), ActionFatal},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.expect {
			t.Errorf("ClassifyError(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := DefaultRetryConfig
	for attempt, want := range []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond} {
		if got := cfg.Backoff(attempt); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
