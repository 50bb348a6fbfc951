package subscriber

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/chain"
)

// runPoller emits the chain head every interval when it advances.
func (m *Manager) runPoller(ctx context.Context, cfg domain.ChainConfig, adapter chain.Adapter, interval time.Duration) {
	log := m.log.With("chain_id", cfg.ChainID, "interval", interval)
	log.Info("Polling collector started")

	var (
		last      uint64
		connected bool
	)
	poll := func() {
		h, err := adapter.LatestHeader(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, chain.ErrBlockNotFound) {
				log.Debug("Head not yet available", "error", err)
				return
			}
			log.Warn("Failed to fetch head", "error", err)
			if m.tracker != nil {
				m.tracker.RecordError(cfg.ChainID, err.Error(), true)
				if connected {
					m.tracker.RecordConnectionChange(cfg.ChainID, false)
				}
			}
			connected = false
			return
		}
		if !connected {
			connected = true
			if m.tracker != nil {
				m.tracker.RecordConnectionChange(cfg.ChainID, true)
			}
		}
		if last != 0 && h.Number <= last {
			return
		}
		if last != 0 && h.Number > last+1 {
			log.Debug("Head advanced by more than one block", "from", last, "to", h.Number)
		}
		last = h.Number
		m.publish(ctx, cfg, h)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll()
	for {
		select {
		case <-ctx.Done():
			if connected && m.tracker != nil {
				m.tracker.RecordConnectionChange(cfg.ChainID, false)
			}
			return
		case <-ticker.C:
			poll()
		}
	}
}
