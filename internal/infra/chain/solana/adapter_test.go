package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	sol "github.com/gagliardetto/solana-go"

	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/chain"
	"github.com/vietddude/chainlake/internal/infra/rpc/provider"
)

type mockCaller struct {
	CallFunc func(method string, params []any) (json.RawMessage, error)
}

func (m *mockCaller) Call(_ context.Context, _ string, method string, params []any) (json.RawMessage, error) {
	return m.CallFunc(method, params)
}

var (
	blockHash  = sol.Hash{1, 2, 3}
	parentHash = sol.Hash{4, 5, 6}
	payer      = sol.PublicKey{7}
	recipient  = sol.PublicKey{8}
	program    = sol.SystemProgramID
	signature  = sol.Signature{9, 9, 9}
)

func blockJSON() string {
	return fmt.Sprintf(`{
		"blockhash": %q,
		"previousBlockhash": %q,
		"parentSlot": 249999999,
		"blockTime": 1710000000,
		"blockHeight": 230000000,
		"transactions": [
			{
				"transaction": {
					"signatures": [%q],
					"message": {
						"accountKeys": [%q, %q, %q],
						"recentBlockhash": %q,
						"instructions": [{"programIdIndex": 2}]
					}
				},
				"meta": {"err": null, "fee": 5000, "preBalances": [1000000, 0, 1], "postBalances": [895000, 100000, 1], "computeUnitsConsumed": 150}
			},
			{
				"transaction": {"signatures": ["not-base58!"], "message": {"accountKeys": []}},
				"meta": null
			}
		]
	}`, blockHash, parentHash, signature, payer, recipient, program, parentHash)
}

func TestAdapter_LatestHeader(t *testing.T) {
	mock := &mockCaller{
		CallFunc: func(method string, params []any) (json.RawMessage, error) {
			switch method {
			case "getSlot":
				return json.RawMessage(`250000000`), nil
			case "getBlock":
				if params[0] != uint64(250000000) {
					t.Errorf("unexpected slot %v", params[0])
				}
				opts := params[1].(map[string]any)
				if opts["transactionDetails"] != "none" {
					t.Errorf("header fetch must not request transactions: %v", opts)
				}
				return json.RawMessage(blockJSON()), nil
			}
			return nil, fmt.Errorf("unexpected method %s", method)
		},
	}

	h, err := NewAdapter("solana", mock, "").LatestHeader(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Number != 250000000 || h.Timestamp != 1710000000 {
		t.Errorf("unexpected header %+v", h)
	}
	if h.Hash != blockHash.String() || h.ParentHash != parentHash.String() {
		t.Errorf("unexpected hashes %s %s", h.Hash, h.ParentHash)
	}
	if h.VMType != domain.VMTypeSVM {
		t.Errorf("unexpected vm type %s", h.VMType)
	}
}

func TestAdapter_SkippedSlot(t *testing.T) {
	mock := &mockCaller{
		CallFunc: func(string, []any) (json.RawMessage, error) {
			return nil, fmt.Errorf("wrapped: %w", &provider.RPCError{Code: -32007, Message: "Slot 1 was skipped"})
		},
	}
	_, err := NewAdapter("solana", mock, "").HeaderBySlot(context.Background(), 1)
	if !errors.Is(err, chain.ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestAdapter_Transactions(t *testing.T) {
	mock := &mockCaller{
		CallFunc: func(method string, params []any) (json.RawMessage, error) {
			return json.RawMessage(blockJSON()), nil
		},
	}

	header := &domain.BlockHeader{Network: "solana", Subnet: "mainnet", ChainID: "solana-mainnet", Number: 250000000, Hash: blockHash.String()}
	txs, err := NewAdapter("solana", mock, "finalized").Transactions(context.Background(), header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("malformed transaction should be skipped, got %d records", len(txs))
	}

	tx := txs[0]
	if tx.TransactionHash != signature.String() {
		t.Errorf("unexpected hash %s", tx.TransactionHash)
	}
	if tx.From != payer.String() || tx.To != recipient.String() {
		t.Errorf("unexpected accounts %s -> %s", tx.From, tx.To)
	}
	if tx.Fee != "5000" || tx.Value != "100000" || tx.Status != "success" {
		t.Errorf("unexpected fee/value/status %s %s %s", tx.Fee, tx.Value, tx.Status)
	}
	ids, _ := tx.Extra["program_ids"].([]string)
	if len(ids) != 1 || ids[0] != program.String() {
		t.Errorf("unexpected program ids %v", tx.Extra["program_ids"])
	}
}
