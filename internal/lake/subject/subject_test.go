package subject

import (
	"errors"
	"testing"
)

func registered(tables ...string) TableChecker {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	return func(t string) bool { return set[t] }
}

func TestParseWrite(t *testing.T) {
	got, err := Parse("ducklake.transactions.ethereum.mainnet.write", registered("transactions"))
	if err != nil {
		t.Fatal(err)
	}
	want := Subject{Table: "transactions", Chain: "ethereum", Subnet: "mainnet", Action: ActionWrite, ChainID: "ethereum_mainnet"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestParseErrors(t *testing.T) {
	known := registered("transactions", "blocks")
	tests := []string{
		"ducklake.transactions.ethereum.write",
		"ducklake.transactions.ethereum.mainnet.write.extra",
		"lake.transactions.ethereum.mainnet.write",
		"ducklake.transactions.ethereum.mainnet.delete",
		"ducklake.unknown.ethereum.mainnet.write",
		"ducklake.unknown.ethereum.mainnet.compact",
		"ducklake..ethereum.mainnet.write",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			if _, err := Parse(raw, known); !errors.Is(err, ErrInvalidSubject) {
				t.Fatalf("expected ErrInvalidSubject, got %v", err)
			}
		})
	}
}

func TestQueryAllowsVirtualTables(t *testing.T) {
	s, err := Parse("ducklake.daily_volume.ethereum.mainnet.query", registered("transactions"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Table != "daily_volume" || s.Action != ActionQuery {
		t.Fatalf("unexpected subject %+v", s)
	}
}

func TestRoundTrip(t *testing.T) {
	tables := []string{"transactions", "blocks", "decoded_transactions_evm"}
	known := registered(tables...)
	for _, table := range tables {
		for _, action := range []Action{ActionWrite, ActionCompact} {
			for _, net := range [][2]string{{"ethereum", "mainnet"}, {"bitcoin", "testnet"}, {"solana", "devnet"}} {
				in := Subject{Table: table, Chain: net[0], Subnet: net[1], Action: action, ChainID: net[0] + "_" + net[1]}
				out, err := Parse(in.String(), known)
				if err != nil {
					t.Fatalf("parse %s: %v", in, err)
				}
				if out != in {
					t.Fatalf("round trip %s: got %+v", in, out)
				}
			}
		}
	}
}

func TestPatternsAndChainID(t *testing.T) {
	if got := Pattern(ActionWrite); got != "ducklake.*.*.*.write" {
		t.Fatalf("pattern = %s", got)
	}
	chain, subnet, ok := SplitChainID("bnb_chain_mainnet")
	if !ok || chain != "bnb_chain" || subnet != "mainnet" {
		t.Fatalf("split = %s %s %v", chain, subnet, ok)
	}
	if _, _, ok := SplitChainID("nounderscore"); ok {
		t.Fatal("split should fail without underscore")
	}
}
