// Package solana adapts SVM slots to the normalized header and transaction records.
package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	sol "github.com/gagliardetto/solana-go"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/chain"
	"github.com/vietddude/chainlake/internal/infra/rpc/provider"
)

// Slots skipped by the leader answer with this error code.
const (
	codeSlotSkipped        = -32007
	codeLongTermSlotMissed = -32009
)

// Adapter reads SVM blocks through the endpoint pool.
type Adapter struct {
	network    string
	client     chain.Caller
	commitment string
	log        *slog.Logger
}

var _ chain.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter reading at the given commitment (default "confirmed").
func NewAdapter(network string, client chain.Caller, commitment string) *Adapter {
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Adapter{
		network:    network,
		client:     client,
		commitment: commitment,
		log:        slog.Default().With("component", "svm_adapter", "network", network),
	}
}

type rpcBlock struct {
	Blockhash         string           `json:"blockhash"`
	PreviousBlockhash string           `json:"previousBlockhash"`
	ParentSlot        uint64           `json:"parentSlot"`
	BlockTime         *int64           `json:"blockTime"`
	BlockHeight       *uint64          `json:"blockHeight"`
	Transactions      []rpcTransaction `json:"transactions"`
}

type rpcTransaction struct {
	Transaction struct {
		Signatures []string `json:"signatures"`
		Message    struct {
			AccountKeys     []string `json:"accountKeys"`
			RecentBlockhash string   `json:"recentBlockhash"`
			Instructions    []struct {
				ProgramIDIndex int `json:"programIdIndex"`
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err          json.RawMessage `json:"err"`
		Fee          uint64          `json:"fee"`
		PreBalances  []uint64        `json:"preBalances"`
		PostBalances []uint64        `json:"postBalances"`
		ComputeUnits *uint64         `json:"computeUnitsConsumed"`
	} `json:"meta"`
	Version json.RawMessage `json:"version"`
}

// LatestHeader returns the header of the latest slot at the adapter commitment.
func (a *Adapter) LatestHeader(ctx context.Context) (*domain.BlockHeader, error) {
	raw, err := a.client.Call(ctx, a.network, "getSlot", []any{map[string]any{"commitment": a.commitment}})
	if err != nil {
		return nil, fmt.Errorf("getSlot failed: %w", err)
	}
	var slot uint64
	if err := json.Unmarshal(raw, &slot); err != nil {
		return nil, fmt.Errorf("invalid slot response: %w", err)
	}
	return a.HeaderBySlot(ctx, slot)
}

// HeaderBySlot returns the header of slot without its transactions.
func (a *Adapter) HeaderBySlot(ctx context.Context, slot uint64) (*domain.BlockHeader, error) {
	block, err := a.getBlock(ctx, slot, "none")
	if err != nil {
		return nil, err
	}
	return normalizeHeader(slot, block)
}

// Transactions fetches every transaction of the slot in header.
func (a *Adapter) Transactions(ctx context.Context, header *domain.BlockHeader) ([]domain.RawTransaction, error) {
	block, err := a.getBlock(ctx, header.Number, "full")
	if err != nil {
		return nil, err
	}

	txs := make([]domain.RawTransaction, 0, len(block.Transactions))
	for i, tx := range block.Transactions {
		rec, err := parseTransaction(tx, header, i)
		if err != nil {
			a.log.Warn("Skipping malformed transaction", "slot", header.Number, "index", i, "error", err)
			continue
		}
		txs = append(txs, rec)
	}
	return txs, nil
}

func (a *Adapter) getBlock(ctx context.Context, slot uint64, details string) (*rpcBlock, error) {
	raw, err := a.client.Call(ctx, a.network, "getBlock", []any{slot, map[string]any{
		"encoding":                       "json",
		"transactionDetails":             details,
		"rewards":                        false,
		"commitment":                     a.commitment,
		"maxSupportedTransactionVersion": 0,
	}})
	if err != nil {
		var rpcErr *provider.RPCError
		if errors.As(err, &rpcErr) &&
			(rpcErr.Code == codeSlotSkipped || rpcErr.Code == codeLongTermSlotMissed) {
			return nil, fmt.Errorf("%w: slot %d skipped", chain.ErrBlockNotFound, slot)
		}
		return nil, fmt.Errorf("getBlock %d failed: %w", slot, err)
	}
	if string(raw) == "null" || len(raw) == 0 {
		return nil, fmt.Errorf("%w: slot %d", chain.ErrBlockNotFound, slot)
	}

	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", slot, err)
	}
	return &block, nil
}

func normalizeHeader(slot uint64, b *rpcBlock) (*domain.BlockHeader, error) {
	hash, err := sol.HashFromBase58(b.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("invalid blockhash for slot %d: %w", slot, err)
	}
	parent, err := sol.HashFromBase58(b.PreviousBlockhash)
	if err != nil {
		return nil, fmt.Errorf("invalid previous blockhash for slot %d: %w", slot, err)
	}

	specific := map[string]any{"parent_slot": b.ParentSlot}
	if b.BlockHeight != nil {
		specific["block_height"] = *b.BlockHeight
	}
	raw, _ := json.Marshal(specific)

	h := &domain.BlockHeader{
		VMType:          domain.VMTypeSVM,
		Number:          slot,
		Hash:            hash.String(),
		ParentHash:      parent.String(),
		NetworkSpecific: raw,
	}
	if b.BlockTime != nil && *b.BlockTime > 0 {
		h.Timestamp = uint64(*b.BlockTime)
	}
	return h, nil
}

func parseTransaction(tx rpcTransaction, header *domain.BlockHeader, index int) (domain.RawTransaction, error) {
	if len(tx.Transaction.Signatures) == 0 {
		return domain.RawTransaction{}, fmt.Errorf("transaction has no signatures")
	}
	sig, err := sol.SignatureFromBase58(tx.Transaction.Signatures[0])
	if err != nil {
		return domain.RawTransaction{}, fmt.Errorf("invalid signature: %w", err)
	}

	keys := make([]sol.PublicKey, 0, len(tx.Transaction.Message.AccountKeys))
	for _, k := range tx.Transaction.Message.AccountKeys {
		pk, err := sol.PublicKeyFromBase58(k)
		if err != nil {
			return domain.RawTransaction{}, fmt.Errorf("invalid account key %q: %w", k, err)
		}
		keys = append(keys, pk)
	}

	rec := domain.RawTransaction{
		Network:          header.Network,
		Subnet:           header.Subnet,
		VMType:           domain.VMTypeSVM,
		ChainID:          header.ChainID,
		TransactionHash:  sig.String(),
		BlockNumber:      header.Number,
		BlockHash:        header.Hash,
		BlockTimestamp:   header.Timestamp,
		TransactionIndex: uint32(index),
		Value:            "0",
		Extra: map[string]any{
			"signatures":       len(tx.Transaction.Signatures),
			"account_keys":     len(keys),
			"instructions":     len(tx.Transaction.Message.Instructions),
			"recent_blockhash": tx.Transaction.Message.RecentBlockhash,
		},
	}
	if len(keys) > 0 {
		rec.From = keys[0].String()
	}
	if len(keys) > 1 {
		rec.To = keys[1].String()
	}
	if programs := programIDs(tx, keys); len(programs) > 0 {
		rec.Extra["program_ids"] = programs
	}

	if m := tx.Meta; m != nil {
		rec.Fee = strconv.FormatUint(m.Fee, 10)
		rec.Status = "success"
		if len(m.Err) > 0 && string(m.Err) != "null" {
			rec.Status = "failed"
			rec.Extra["error"] = string(m.Err)
		}
		// Lamports moved out of the fee payer, excluding the fee.
		if len(m.PreBalances) > 0 && len(m.PostBalances) > 0 {
			pre, post := m.PreBalances[0], m.PostBalances[0]
			if pre > post+m.Fee {
				rec.Value = strconv.FormatUint(pre-post-m.Fee, 10)
			}
		}
		if m.ComputeUnits != nil {
			rec.Extra["compute_units"] = *m.ComputeUnits
		}
	}
	return rec, nil
}

func programIDs(tx rpcTransaction, keys []sol.PublicKey) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ins := range tx.Transaction.Message.Instructions {
		if ins.ProgramIDIndex < 0 || ins.ProgramIDIndex >= len(keys) {
			continue
		}
		id := keys[ins.ProgramIDIndex].String()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
