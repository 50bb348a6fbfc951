package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// maxErrorBody bounds how much of a failed response body is kept in errors.
const maxErrorBody = 512

// HTTPProvider implements Provider for JSON-RPC over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	version    string
	httpClient *http.Client
	nextID     atomic.Uint64

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithJSONRPC10 switches the envelope to JSON-RPC 1.0 (bitcoind and forks).
func WithJSONRPC10() Option {
	return func(p *HTTPProvider) { p.version = "1.0" }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProvider) { p.httpClient = c }
}

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		version:  "2.0",
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProvider) Name() string { return p.name }

// Endpoint returns the URL requests are sent to.
func (p *HTTPProvider) Endpoint() string { return p.endpoint }

// Call makes a single JSON-RPC call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	start := time.Now()

	if params == nil {
		params = []any{}
	}
	reqBody := map[string]any{
		"method": method,
		"params": params,
		"id":     p.nextID.Add(1),
	}
	if p.version != "1.0" {
		reqBody["jsonrpc"] = p.version
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: "rpc call", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.recordFailure()
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: "parse response", Err: err}
	}

	if rpcResp.Error != nil {
		p.recordFailure()
		return nil, rpcResp.Error
	}

	p.recordSuccess(time.Since(start))
	return rpcResp.Result, nil
}

// Health returns the endpoint's observed health.
func (p *HTTPProvider) Health() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.totalLatency += latency
	p.health.LastSuccessAt = time.Now()
	p.updateRatesLocked()
	p.health.Latency = p.totalLatency / time.Duration(p.successCount)
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.health.LastFailureAt = time.Now()
	p.updateRatesLocked()
}

func (p *HTTPProvider) updateRatesLocked() {
	total := p.successCount + p.failureCount
	p.health.Requests = total
	if total > 0 {
		p.health.ErrorRate = float64(p.failureCount) / float64(total)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
