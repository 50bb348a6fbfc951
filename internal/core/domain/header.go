package domain

import (
	"encoding/json"
	"time"
)

// BlockHeader is a block header normalized across chain families.
//
// Block numbers are monotonic per chain only under normal operation; reorgs are
// forwarded as-is.
type BlockHeader struct {
	Network    string `json:"network"`
	Subnet     string `json:"subnet"`
	VMType     VMType `json:"vm_type"`
	ChainID    string `json:"chain_id"`
	ChainName  string `json:"chain_name"`
	Number     uint64 `json:"block_number"`
	Hash       string `json:"block_hash"`
	ParentHash string `json:"parent_hash"`
	Timestamp  uint64 `json:"timestamp"`

	Difficulty *string `json:"difficulty,omitempty"`
	GasLimit   *uint64 `json:"gas_limit,omitempty"`
	GasUsed    *uint64 `json:"gas_used,omitempty"`
	Miner      *string `json:"miner,omitempty"`
	ExtraData  *string `json:"extra_data,omitempty"`

	NetworkSpecific json.RawMessage `json:"network_specific,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProviderID      string          `json:"provider_id"`
}

// BlockTime returns the header timestamp as UTC time.
func (h *BlockHeader) BlockTime() time.Time {
	return time.Unix(int64(h.Timestamp), 0).UTC()
}

// LatencyMs is the delay between block production and receipt.
func (h *BlockHeader) LatencyMs() float64 {
	if h.Timestamp == 0 {
		return 0
	}
	d := h.ReceivedAt.Sub(h.BlockTime())
	if d < 0 {
		return 0
	}
	return float64(d.Milliseconds())
}

// ApplyChain copies the chain identity fields from cfg.
func (h *BlockHeader) ApplyChain(cfg ChainConfig) {
	h.Network = cfg.Network
	h.Subnet = cfg.Subnet
	h.VMType = cfg.VMType
	h.ChainID = cfg.ChainID
	h.ChainName = cfg.ChainName
}
