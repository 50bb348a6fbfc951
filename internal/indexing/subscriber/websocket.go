package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/chain/evm"
	"github.com/vietddude/chainlake/internal/infra/rpc/provider"
)

type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsFrame struct {
	ID     json.RawMessage     `json:"id,omitempty"`
	Method string              `json:"method,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *provider.RPCError  `json:"error,omitempty"`
	Params *subscriptionParams `json:"params,omitempty"`
}

type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// runWebSocket keeps a newHeads subscription open until ctx is done.
func (m *Manager) runWebSocket(ctx context.Context, cfg domain.ChainConfig) {
	log := m.log.With("chain_id", cfg.ChainID)
	for {
		connected, err := m.streamHeaders(ctx, cfg, log)
		if ctx.Err() != nil {
			if connected && m.tracker != nil {
				m.tracker.RecordConnectionChange(cfg.ChainID, false)
			}
			return
		}
		if m.tracker != nil {
			if connected {
				m.tracker.RecordConnectionChange(cfg.ChainID, false)
			}
			if err != nil {
				m.tracker.RecordError(cfg.ChainID, err.Error(), true)
			}
		}
		log.Warn("Header stream closed, reconnecting", "error", err, "delay", m.cfg.ReconnectDelay)

		if !sleep(ctx, m.cfg.ReconnectDelay) {
			return
		}
		if m.tracker != nil {
			m.tracker.RecordReconnectAttempt(cfg.ChainID)
		}
	}
}

// streamHeaders runs one connection. connected reports whether the
// subscription was established.
func (m *Manager) streamHeaders(ctx context.Context, cfg domain.ChainConfig, log *slog.Logger) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", cfg.WSURL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := subscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []any{"newHeads"}}
	if err := conn.WriteJSON(req); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}
	if m.tracker != nil {
		m.tracker.RecordConnectionChange(cfg.ChainID, true)
	}
	log.Info("Connected to header stream", "url", cfg.WSURL)

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		if err := m.handleFrame(ctx, cfg, data, log); err != nil {
			return true, err
		}
	}
}

var errSubscriptionRejected = errors.New("subscription rejected")

// handleFrame publishes header notifications. Only a rejected subscription
// is returned as an error; malformed frames are dropped.
func (m *Manager) handleFrame(ctx context.Context, cfg domain.ChainConfig, data []byte, log *slog.Logger) error {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn("Dropping malformed frame", "error", err)
		return nil
	}
	if frame.Error != nil {
		return fmt.Errorf("%w: %v", errSubscriptionRejected, frame.Error)
	}
	if frame.Params == nil {
		if len(frame.Result) > 0 {
			log.Debug("Subscription confirmed", "subscription", string(frame.Result))
		}
		return nil
	}

	header, err := evm.ParseHeader(frame.Params.Result)
	if err != nil {
		log.Warn("Dropping malformed header", "error", err)
		return nil
	}
	m.publish(ctx, cfg, header)
	return nil
}
