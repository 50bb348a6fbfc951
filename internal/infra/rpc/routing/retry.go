// Package routing holds the retry and failover policy shared by RPC callers.
package routing

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/vietddude/chainlake/internal/infra/rpc/provider"
)

// RetryConfig defines retry behavior across endpoints.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// DefaultRetryConfig retries three times with a 100ms linear step.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 3,
	BaseDelay:  100 * time.Millisecond,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	case ActionFatal:
		return "fatal"
	}
	return "unknown"
}

// JSON-RPC codes that describe a bad request rather than a bad endpoint.
var fatalCodes = map[int]struct{}{
	-32700: {}, // parse error
	-32600: {}, // invalid request
	-32601: {}, // method not found
	-32602: {}, // invalid params
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry
	}
	if errors.Is(err, context.Canceled) {
		return ActionFatal
	}

	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		if _, ok := fatalCodes[rpcErr.Code]; ok {
			return ActionFatal
		}
		if isThrottle(rpcErr.Message) {
			return ActionFailover
		}
		return ActionRetry
	}

	var httpErr *provider.HTTPStatusError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429, httpErr.StatusCode == 401, httpErr.StatusCode == 403:
			return ActionFailover
		case isThrottle(httpErr.Body):
			return ActionFailover
		}
		return ActionRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ActionRetry
	}

	s := err.Error()
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ActionFatal
	}
	if strings.Contains(s, "429") || strings.Contains(s, "403") || isThrottle(s) {
		return ActionFailover
	}

	return ActionRetry
}

func isThrottle(s string) bool {
	s = strings.ToLower(s)
	for _, marker := range []string{
		"too many requests", "forbidden", "quota", "plan limit",
		"unauthorized", "rate limit", "count exceeded",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Backoff is the delay before retry number attempt (1-based): BaseDelay × attempt.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultRetryConfig.BaseDelay
	}
	return base * time.Duration(attempt)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
