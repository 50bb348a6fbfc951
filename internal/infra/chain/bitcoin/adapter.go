package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/chain"
)

const satoshiPerBitcoin = 1e8

// Adapter reads UTXO chains (bitcoind and forks) through the endpoint pool.
type Adapter struct {
	network string
	client  chain.Caller
	log     *slog.Logger
}

var _ chain.Adapter = (*Adapter)(nil)

func NewAdapter(network string, client chain.Caller) *Adapter {
	return &Adapter{
		network: network,
		client:  client,
		log:     slog.Default().With("component", "utxo_adapter", "network", network),
	}
}

// verboseBlock is getblock verbosity 2. Outputs are decoded locally because
// nodes disagree on "address" vs "addresses".
type verboseBlock struct {
	Hash         string      `json:"hash"`
	Height       int64       `json:"height"`
	Time         int64       `json:"time"`
	PreviousHash string      `json:"previousblockhash"`
	Tx           []verboseTx `json:"tx"`
}

type verboseTx struct {
	Txid   string        `json:"txid"`
	Hash   string        `json:"hash"`
	Size   int32         `json:"size"`
	Vsize  int32         `json:"vsize"`
	Weight int32         `json:"weight"`
	Vin    []btcjson.Vin `json:"vin"`
	Vout   []verboseVout `json:"vout"`
	Fee    *float64      `json:"fee"`
}

type verboseVout struct {
	Value        float64 `json:"value"`
	N            uint32  `json:"n"`
	ScriptPubKey struct {
		Type      string   `json:"type"`
		Address   string   `json:"address"`
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
}

func (v verboseVout) address() string {
	if v.ScriptPubKey.Address != "" {
		return v.ScriptPubKey.Address
	}
	if len(v.ScriptPubKey.Addresses) > 0 {
		return v.ScriptPubKey.Addresses[0]
	}
	return ""
}

// LatestHeader returns the best block header.
func (a *Adapter) LatestHeader(ctx context.Context) (*domain.BlockHeader, error) {
	raw, err := a.client.Call(ctx, a.network, "getblockcount", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get block count: %w", err)
	}
	var height uint64
	if err := json.Unmarshal(raw, &height); err != nil {
		return nil, fmt.Errorf("invalid block count response: %w", err)
	}
	return a.HeaderByHeight(ctx, height)
}

// HeaderByHeight resolves the hash at height and returns its header.
func (a *Adapter) HeaderByHeight(ctx context.Context, height uint64) (*domain.BlockHeader, error) {
	raw, err := a.client.Call(ctx, a.network, "getblockhash", []any{height})
	if err != nil {
		if isOutOfRange(err) {
			return nil, fmt.Errorf("%w: height %d", chain.ErrBlockNotFound, height)
		}
		return nil, fmt.Errorf("failed to get block hash: %w", err)
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return nil, fmt.Errorf("invalid block hash response: %w", err)
	}

	raw, err = a.client.Call(ctx, a.network, "getblockheader", []any{hash, true})
	if err != nil {
		return nil, fmt.Errorf("failed to get block header: %w", err)
	}
	var hdr btcjson.GetBlockHeaderVerboseResult
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("invalid block header response: %w", err)
	}
	return normalizeHeader(&hdr), nil
}

func normalizeHeader(h *btcjson.GetBlockHeaderVerboseResult) *domain.BlockHeader {
	difficulty := strconv.FormatFloat(h.Difficulty, 'f', -1, 64)
	specific, _ := json.Marshal(map[string]any{
		"version":     h.Version,
		"merkle_root": h.MerkleRoot,
		"bits":        h.Bits,
		"nonce":       h.Nonce,
	})
	return &domain.BlockHeader{
		VMType:          domain.VMTypeUTXO,
		Number:          uint64(h.Height),
		Hash:            h.Hash,
		ParentHash:      h.PreviousHash,
		Timestamp:       uint64(h.Time),
		Difficulty:      &difficulty,
		NetworkSpecific: specific,
	}
}

// Transactions fetches the block at verbosity 2. Inputs are not resolved to
// addresses; From is set only for coinbase transactions.
func (a *Adapter) Transactions(ctx context.Context, header *domain.BlockHeader) ([]domain.RawTransaction, error) {
	raw, err := a.client.Call(ctx, a.network, "getblock", []any{header.Hash, 2})
	if err != nil {
		return nil, fmt.Errorf("failed to get block transactions: %w", err)
	}

	var block verboseBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("invalid block data format: %w", err)
	}

	txs := make([]domain.RawTransaction, 0, len(block.Tx))
	for i, tx := range block.Tx {
		if tx.Txid == "" {
			a.log.Warn("Skipping transaction without txid", "block", header.Number, "index", i)
			continue
		}
		txs = append(txs, a.parseTransaction(tx, header, i))
	}
	return txs, nil
}

func (a *Adapter) parseTransaction(tx verboseTx, header *domain.BlockHeader, index int) domain.RawTransaction {
	var (
		total   int64
		to      string
		outputs = make([]map[string]any, 0, len(tx.Vout))
	)
	for _, out := range tx.Vout {
		sats := toSatoshi(out.Value)
		total += sats
		addr := out.address()
		if to == "" && addr != "" {
			to = addr
		}
		outputs = append(outputs, map[string]any{
			"n":       out.N,
			"address": addr,
			"value":   sats,
			"type":    out.ScriptPubKey.Type,
		})
	}

	coinbase := len(tx.Vin) > 0 && tx.Vin[0].IsCoinBase()
	from := ""
	if coinbase {
		from = "coinbase"
	}

	rec := domain.RawTransaction{
		Network:          header.Network,
		Subnet:           header.Subnet,
		VMType:           domain.VMTypeUTXO,
		ChainID:          header.ChainID,
		TransactionHash:  tx.Txid,
		BlockNumber:      header.Number,
		BlockHash:        header.Hash,
		BlockTimestamp:   header.Timestamp,
		TransactionIndex: uint32(index),
		From:             from,
		To:               to,
		Value:            strconv.FormatInt(total, 10),
		Status:           "success",
		Extra: map[string]any{
			"vin_count":  len(tx.Vin),
			"vout_count": len(tx.Vout),
			"outputs":    outputs,
			"size":       tx.Size,
			"vsize":      tx.Vsize,
			"weight":     tx.Weight,
			"coinbase":   coinbase,
		},
	}
	if tx.Fee != nil {
		rec.Fee = strconv.FormatInt(toSatoshi(*tx.Fee), 10)
	}
	return rec
}

func toSatoshi(btc float64) int64 {
	return int64(math.Round(btc * satoshiPerBitcoin))
}

func isOutOfRange(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "out of range") || strings.Contains(s, "not found")
}
