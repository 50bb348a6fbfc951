package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProvider_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if req["jsonrpc"] != "2.0" {
			t.Errorf("expected jsonrpc 2.0, got %v", req["jsonrpc"])
		}
		if req["method"] != "eth_blockNumber" {
			t.Errorf("unexpected method %v", req["method"])
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "0x10"})
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	result, err := p.Call(context.Background(), "eth_blockNumber", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `"0x10"` {
		t.Errorf("unexpected result %s", result)
	}
	if h := p.Health(); h.Requests != 1 || h.ErrorRate != 0 {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestHTTPProvider_JSONRPC10(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if val, ok := req["jsonrpc"]; ok {
			t.Errorf("expected no jsonrpc field for 1.0, got %v", val)
		}
		json.NewEncoder(w).Encode(map[string]any{"result": float64(800000), "error": nil, "id": req["id"]})
	}))
	defer server.Close()

	p := NewHTTPProvider("bitcoin-mock", server.URL, 5*time.Second, WithJSONRPC10())
	result, err := p.Call(context.Background(), "getblockcount", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != "800000" {
		t.Errorf("expected 800000, got %s", result)
	}
}

func TestHTTPProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "rpc error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
			},
			check: func(t *testing.T, err error) {
				var rpcErr *RPCError
				if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
					t.Errorf("expected RPCError -32601, got %v", err)
				}
			},
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			check: func(t *testing.T, err error) {
				var httpErr *HTTPStatusError
				if !errors.As(err, &httpErr) || httpErr.StatusCode != 429 || httpErr.RetryAfter != "2" {
					t.Errorf("expected HTTPStatusError 429, got %v", err)
				}
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`not json`))
			},
			check: func(t *testing.T, err error) {
				var tErr *TransportError
				if !errors.As(err, &tErr) {
					t.Errorf("expected TransportError, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p := NewHTTPProvider("mock", server.URL, time.Second)
			_, err := p.Call(context.Background(), "eth_call", []any{})
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
			if p.Health().ErrorRate != 1 {
				t.Errorf("expected error rate 1, got %v", p.Health().ErrorRate)
			}
		})
	}
}
