package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestJSONRoundTripAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}

	if err := SetJSON(ctx, rdb, "k", payload{Name: "eth"}, time.Minute); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var got payload
	found, err := GetJSON(ctx, rdb, "k", &got)
	if err != nil || !found {
		t.Fatalf("GetJSON found=%v err=%v", found, err)
	}
	if got.Name != "eth" {
		t.Errorf("name = %q", got.Name)
	}

	mr.FastForward(2 * time.Minute)
	found, err = GetJSON(ctx, rdb, "k", &got)
	if err != nil {
		t.Fatalf("GetJSON after expiry: %v", err)
	}
	if found {
		t.Error("expected key to expire")
	}
}

func TestScanKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		mr.Set(InstanceKey(id), "{}")
	}
	mr.Set("unrelated", "x")

	keys, err := ScanKeys(ctx, rdb, InstancePattern(), 2)
	if err != nil {
		t.Fatalf("ScanKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}
	for _, k := range keys {
		if InstanceIDFromKey(k) == "" {
			t.Errorf("bad key %s", k)
		}
	}
}

func TestKeyLayout(t *testing.T) {
	cases := map[string]string{
		NodeKey("ethereum-mainnet"):    "blockchain:nodes:ethereum-mainnet",
		FiredMarkerKey("i1"):           "alerts:one_time:fired:i1",
		InstanceKey("i1"):              "alerts:instance:i1",
		UserSettingsKey("u1"):          "user:notifications:u1",
		WalletNamesKey("u1"):           "user:wallet_names:u1",
		GroupSettingsKey("g1"):         "group:notifications:g1",
		TemplateSubscribersKey("t1"):   "template:subscribers:t1",
		ProviderStatusKey("p1"):        "provider:status:p1",
		ProviderErrorsKey("p1"):        "provider:errors:p1",
		RPCCacheKey("ethereum", "abc"): "rpc:ethereum:abc",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("key = %s, want %s", got, want)
		}
	}
	if ChainIDFromNodeKey(NodeKey("btc-mainnet")) != "btc-mainnet" {
		t.Error("ChainIDFromNodeKey did not strip prefix")
	}
}
