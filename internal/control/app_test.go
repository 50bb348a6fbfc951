package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/core/config"
	"github.com/vietddude/chainlake/internal/core/domain"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/notify"
)

const testConfig = `
roles:
  scheduler: true
  notifier: true
scheduler:
  tick_interval: 50ms
chains:
  - chain_id: ethereum-mainnet
    network: ethereum
    subnet: mainnet
    vm_type: evm
    rpc_url: http://localhost:8545
    enabled: true
`

func newApp(t *testing.T, yaml string) (*App, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	app, err := New(context.Background(), cfg, WithRedis(rdb), WithBus(bus.NewMemory()), WithoutHTTP())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return app, rdb
}

func TestAppSeedsChains(t *testing.T) {
	app, _ := newApp(t, testConfig)
	ctx := context.Background()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer app.Stop(ctx)

	got, err := app.Registry().Get(ctx, "ethereum-mainnet")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.VMType != domain.VMTypeEVM || got.ChainName != "ethereum-mainnet" {
		t.Errorf("unexpected seeded chain %+v", got)
	}
	if app.Notifier() == nil {
		t.Error("expected the notifier role to be built")
	}
}

func TestAppSeedKeepsExistingNodes(t *testing.T) {
	app, _ := newApp(t, testConfig)
	ctx := context.Background()

	edited := domain.ChainConfig{
		ChainID: "ethereum-mainnet",
		Network: "ethereum",
		Subnet:  "mainnet",
		VMType:  domain.VMTypeEVM,
		RPCURL:  "http://edited:8545",
		Enabled: true,
	}
	if err := app.Registry().Put(ctx, edited); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer app.Stop(ctx)

	got, err := app.Registry().Get(ctx, "ethereum-mainnet")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RPCURL != "http://edited:8545" {
		t.Errorf("seeding overwrote the stored node: rpc_url %q", got.RPCURL)
	}
}

func TestAppHealthEndpoint(t *testing.T) {
	app, _ := newApp(t, testConfig)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAppNotifierDeliversOverWebSocket(t *testing.T) {
	app, _ := newApp(t, testConfig)
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer app.Stop(ctx)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	req := notify.NotificationRequest{
		UserID:         "user-1",
		AlertID:        "alert-1",
		TargetChannels: []notify.Channel{notify.ChannelWebSocket},
		Subject:        "Transfer",
		TextContent:    "1 ETH received",
		Priority:       notify.PriorityNormal,
	}
	data, _ := json.Marshal(req)

	send := func() map[string]any {
		t.Helper()
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		msg, err := app.Bus().Request(rctx, notify.ImmediateSubject(notify.ChannelWebSocket), data)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		var out map[string]any
		if err := json.Unmarshal(msg.Data, &out); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return out
	}

	// nobody connected yet
	if out := send(); out["failed"] != float64(1) {
		t.Fatalf("expected an undelivered result while offline, got %v", out)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications?user_id=user-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// registration completes on the server side after the handshake
	deadline := time.Now().Add(2 * time.Second)
	for {
		if out := send(); out["delivered"] == float64(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notification never delivered to the connected client")
		}
		time.Sleep(20 * time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event notify.WSEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if event.Type != "notification" || event.Text != "1 ETH received" {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestAppStopIsIdempotent(t *testing.T) {
	app, _ := newApp(t, testConfig)
	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
