package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/chain"
)

// Adapter reads EVM blocks through the endpoint pool.
type Adapter struct {
	network       string
	client        chain.Caller
	fetchReceipts bool
	log           *slog.Logger
}

var _ chain.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter for the pool network. With fetchReceipts the
// status, gas used and fee of every transaction are filled from receipts.
func NewAdapter(network string, client chain.Caller, fetchReceipts bool) *Adapter {
	return &Adapter{
		network:       network,
		client:        client,
		fetchReceipts: fetchReceipts,
		log:           slog.Default().With("component", "evm_adapter", "network", network),
	}
}

type rpcHeader struct {
	Number      *hexutil.Big    `json:"number"`
	Hash        common.Hash     `json:"hash"`
	ParentHash  common.Hash     `json:"parentHash"`
	Timestamp   hexutil.Uint64  `json:"timestamp"`
	Difficulty  *hexutil.Big    `json:"difficulty"`
	GasLimit    *hexutil.Uint64 `json:"gasLimit"`
	GasUsed     *hexutil.Uint64 `json:"gasUsed"`
	Miner       *common.Address `json:"miner"`
	ExtraData   *hexutil.Bytes  `json:"extraData"`
	BaseFee     *hexutil.Big    `json:"baseFeePerGas"`
	StateRoot   *common.Hash    `json:"stateRoot"`
	BlobGasUsed *hexutil.Uint64 `json:"blobGasUsed"`
}

type rpcTransaction struct {
	Hash                 common.Hash     `json:"hash"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Value                *hexutil.Big    `json:"value"`
	Input                hexutil.Bytes   `json:"input"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	TransactionIndex     hexutil.Uint64  `json:"transactionIndex"`
	Type                 hexutil.Uint64  `json:"type"`
}

type rpcBlock struct {
	rpcHeader
	Transactions []rpcTransaction `json:"transactions"`
}

type rpcReceipt struct {
	Status            *hexutil.Uint64 `json:"status"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	ContractAddress   *common.Address `json:"contractAddress"`
}

// ParseHeader normalizes a newHeads / eth_getBlockByNumber header payload.
func ParseHeader(raw json.RawMessage) (*domain.BlockHeader, error) {
	var h rpcHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode evm header: %w", err)
	}
	return h.normalize()
}

func (h *rpcHeader) normalize() (*domain.BlockHeader, error) {
	if h.Number == nil {
		return nil, fmt.Errorf("evm header missing number")
	}
	if h.Hash == (common.Hash{}) {
		return nil, fmt.Errorf("evm header missing hash")
	}

	out := &domain.BlockHeader{
		VMType:     domain.VMTypeEVM,
		Number:     h.Number.ToInt().Uint64(),
		Hash:       h.Hash.Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  uint64(h.Timestamp),
	}
	if h.Difficulty != nil {
		d := h.Difficulty.ToInt().String()
		out.Difficulty = &d
	}
	if h.GasLimit != nil {
		v := uint64(*h.GasLimit)
		out.GasLimit = &v
	}
	if h.GasUsed != nil {
		v := uint64(*h.GasUsed)
		out.GasUsed = &v
	}
	if h.Miner != nil {
		m := strings.ToLower(h.Miner.Hex())
		out.Miner = &m
	}
	if h.ExtraData != nil {
		e := h.ExtraData.String()
		out.ExtraData = &e
	}

	extra := map[string]any{}
	if h.BaseFee != nil {
		extra["base_fee_per_gas"] = h.BaseFee.ToInt().String()
	}
	if h.StateRoot != nil {
		extra["state_root"] = h.StateRoot.Hex()
	}
	if h.BlobGasUsed != nil {
		extra["blob_gas_used"] = uint64(*h.BlobGasUsed)
	}
	if len(extra) > 0 {
		out.NetworkSpecific, _ = json.Marshal(extra)
	}
	return out, nil
}

// LatestHeader fetches the head block header.
func (a *Adapter) LatestHeader(ctx context.Context) (*domain.BlockHeader, error) {
	raw, err := a.client.Call(ctx, a.network, "eth_getBlockByNumber", []any{"latest", false})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber failed: %w", err)
	}
	if isNull(raw) {
		return nil, chain.ErrBlockNotFound
	}
	return ParseHeader(raw)
}

// Transactions fetches the full block and flattens its transactions.
func (a *Adapter) Transactions(ctx context.Context, header *domain.BlockHeader) ([]domain.RawTransaction, error) {
	blockHex := hexutil.EncodeUint64(header.Number)
	raw, err := a.client.Call(ctx, a.network, "eth_getBlockByNumber", []any{blockHex, true})
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber failed: %w", err)
	}
	if isNull(raw) {
		return nil, fmt.Errorf("%w: %d", chain.ErrBlockNotFound, header.Number)
	}

	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decode evm block %d: %w", header.Number, err)
	}

	txs := make([]domain.RawTransaction, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txs = append(txs, a.parseTransaction(tx, header))
	}

	if a.fetchReceipts && len(txs) > 0 {
		if err := a.enrichReceipts(ctx, txs); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

func (a *Adapter) parseTransaction(tx rpcTransaction, header *domain.BlockHeader) domain.RawTransaction {
	out := domain.RawTransaction{
		Network:          header.Network,
		Subnet:           header.Subnet,
		VMType:           domain.VMTypeEVM,
		ChainID:          header.ChainID,
		TransactionHash:  tx.Hash.Hex(),
		BlockNumber:      header.Number,
		BlockHash:        header.Hash,
		BlockTimestamp:   header.Timestamp,
		TransactionIndex: uint32(tx.TransactionIndex),
		From:             strings.ToLower(tx.From.Hex()),
		Value:            bigString(tx.Value),
		Input:            tx.Input.String(),
		Gas:              uint64(tx.Gas),
		GasPrice:         bigString(tx.GasPrice),
		Nonce:            uint64(tx.Nonce),
		Extra:            map[string]any{"type": uint64(tx.Type)},
	}
	if tx.To != nil {
		out.To = strings.ToLower(tx.To.Hex())
	}
	if tx.MaxFeePerGas != nil {
		out.Extra["max_fee_per_gas"] = bigString(tx.MaxFeePerGas)
	}
	if tx.MaxPriorityFeePerGas != nil {
		out.Extra["max_priority_fee_per_gas"] = bigString(tx.MaxPriorityFeePerGas)
	}
	return out
}

// enrichReceipts fills status, gas used and fee from receipts.
func (a *Adapter) enrichReceipts(ctx context.Context, txs []domain.RawTransaction) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(5)

	for i := range txs {
		tx := &txs[i]
		g.Go(func() error {
			raw, err := a.client.Call(ctx, a.network, "eth_getTransactionReceipt", []any{tx.TransactionHash})
			if err != nil {
				// A missing receipt leaves the record without status.
				a.log.Warn("Failed to fetch receipt", "tx", tx.TransactionHash, "error", err)
				return nil
			}
			if isNull(raw) {
				return nil
			}
			var r rpcReceipt
			if err := json.Unmarshal(raw, &r); err != nil {
				a.log.Warn("Failed to decode receipt", "tx", tx.TransactionHash, "error", err)
				return nil
			}
			applyReceipt(tx, r)
			return nil
		})
	}
	return g.Wait()
}

func applyReceipt(tx *domain.RawTransaction, r rpcReceipt) {
	if r.Status != nil {
		if *r.Status == 1 {
			tx.Status = "success"
		} else {
			tx.Status = "failed"
		}
	}
	tx.Extra["gas_used"] = uint64(r.GasUsed)

	price := r.EffectiveGasPrice
	if price == nil {
		if p, ok := new(big.Int).SetString(tx.GasPrice, 10); ok {
			price = (*hexutil.Big)(p)
		}
	}
	if price != nil {
		fee := new(big.Int).Mul(price.ToInt(), new(big.Int).SetUint64(uint64(r.GasUsed)))
		tx.Fee = fee.String()
	}
	if r.ContractAddress != nil {
		tx.Extra["contract_address"] = strings.ToLower(r.ContractAddress.Hex())
	}
}

func bigString(b *hexutil.Big) string {
	if b == nil {
		return "0"
	}
	return b.ToInt().String()
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
