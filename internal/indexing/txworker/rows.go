package txworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/schema"
)

const (
	blocksTable  = "blocks"
	txTable      = "transactions"
	decodedTable = "decoded_transactions_evm"

	// DefaultShard is the shard partition of every block row.
	DefaultShard = "0"
)

func rfc3339(unix uint64) string {
	return time.Unix(int64(unix), 0).UTC().Format(time.RFC3339)
}

func (w *Worker) writeLake(ctx context.Context, cfg domain.ChainConfig, h *domain.BlockHeader, txs []domain.RawTransaction, decoded []domain.DecodedTransaction) error {
	write := func(table string, row map[string]any, mode catalog.WriteMode, partition ...schema.PartitionValue) error {
		if err := w.lake.Write(ctx, table, cfg.Network, cfg.Subnet, row, mode, partition...); err != nil {
			return fmt.Errorf("write %s: %w", table, err)
		}
		return nil
	}

	row, partition := blockRow(cfg, h, len(txs))
	if err := write(blocksTable, row, catalog.ModeMerge, partition...); err != nil {
		return err
	}
	for _, tx := range txs {
		if err := write(txTable, transactionRow(cfg, tx), catalog.ModeMerge); err != nil {
			return err
		}
	}
	for _, d := range decoded {
		if err := write(decodedTable, decodedRow(cfg, d), catalog.ModeMerge); err != nil {
			return err
		}
	}
	return nil
}

// blockRow maps a header to a blocks row with its explicit partition.
func blockRow(cfg domain.ChainConfig, h *domain.BlockHeader, txCount int) (map[string]any, []schema.PartitionValue) {
	chainID := cfg.LakeChainID()
	date := h.BlockTime().Format("2006-01-02")
	row := map[string]any{
		"chain_id":          chainID,
		"network":           cfg.Network,
		"subnet":            cfg.Subnet,
		"vm_type":           string(cfg.VMType),
		"block_number":      h.Number,
		"block_hash":        h.Hash,
		"parent_hash":       h.ParentHash,
		"block_timestamp":   rfc3339(h.Timestamp),
		"transaction_count": txCount,
		"provider_id":       h.ProviderID,
		"block_date":        date,
		"shard":             DefaultShard,
	}
	if h.GasLimit != nil {
		row["gas_limit"] = *h.GasLimit
	}
	if h.GasUsed != nil {
		row["gas_used"] = *h.GasUsed
	}
	if h.Miner != nil {
		row["miner"] = *h.Miner
	}
	if !h.ReceivedAt.IsZero() {
		row["received_at"] = h.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(h.NetworkSpecific) > 0 {
		row["network_specific"] = h.NetworkSpecific
	}
	return row, []schema.PartitionValue{
		{Key: "chain_id", Value: chainID},
		{Key: "block_date", Value: date},
		{Key: "shard", Value: DefaultShard},
	}
}

func transactionRow(cfg domain.ChainConfig, tx domain.RawTransaction) map[string]any {
	row := map[string]any{
		"chain_id":          cfg.LakeChainID(),
		"network":           cfg.Network,
		"subnet":            cfg.Subnet,
		"vm_type":           string(cfg.VMType),
		"transaction_hash":  tx.TransactionHash,
		"block_number":      tx.BlockNumber,
		"block_hash":        tx.BlockHash,
		"block_timestamp":   rfc3339(tx.BlockTimestamp),
		"transaction_index": tx.TransactionIndex,
		"from_address":      tx.From,
		"value":             tx.Value,
	}
	optional := map[string]string{
		"to_address": tx.To,
		"input":      tx.Input,
		"gas_price":  tx.GasPrice,
		"fee":        tx.Fee,
		"status":     tx.Status,
	}
	for k, v := range optional {
		if v != "" {
			row[k] = v
		}
	}
	if tx.Gas != 0 {
		row["gas"] = tx.Gas
	}
	if tx.Nonce != 0 || cfg.VMType == domain.VMTypeEVM {
		row["nonce"] = tx.Nonce
	}
	if len(tx.Extra) > 0 {
		if extra, err := json.Marshal(tx.Extra); err == nil {
			row["extra"] = json.RawMessage(extra)
		}
	}
	return row
}

func decodedRow(cfg domain.ChainConfig, d domain.DecodedTransaction) map[string]any {
	row := map[string]any{
		"chain_id":         cfg.LakeChainID(),
		"transaction_hash": d.TransactionHash,
		"block_number":     d.BlockNumber,
		"block_timestamp":  rfc3339(d.BlockTimestamp),
		"from_address":     d.From,
		"decoding_status":  d.DecodingStatus,
	}
	if d.To != "" {
		row["to_address"] = d.To
	}
	if d.FunctionName != "" {
		row["function_name"] = d.FunctionName
		row["selector"] = d.Selector
		row["signature"] = d.Signature
		row["parameters"] = d.Parameters
	}
	return row
}
