package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/infra/breaker"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/lake/gateway"
	"github.com/vietddude/chainlake/internal/lake/schema"
)

type stubSender struct {
	mu   sync.Mutex
	sent []Message
	errs []error
}

func (s *stubSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.errs) > 0 {
		err := s.errs[0]
		if len(s.errs) > 1 {
			s.errs = s.errs[1:]
		}
		return err
	}
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fixture struct {
	rt       *Runtime
	bus      *bus.Memory
	settings *SettingsStore
	senders  map[Channel]*stubSender
}

var noon = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	b := bus.NewMemory()
	settings := NewSettingsStore(rdb, 0)
	rt := NewRuntime(cfg, b, settings, gateway.NewClient(b))
	rt.now = func() time.Time { return noon }
	rt.sleep = func(context.Context, time.Duration) error { return nil }

	f := &fixture{rt: rt, bus: b, settings: settings, senders: map[Channel]*stubSender{}}
	for _, c := range SupportedChannels {
		s := &stubSender{}
		f.senders[c] = s
		rt.Register(c, s)
	}
	return f
}

func request(channels ...Channel) *NotificationRequest {
	return &NotificationRequest{
		NotificationID: "6f1c1a52-8e7b-4c1e-9d55-0e4b1f9b3a10",
		UserID:         "user-1",
		AlertID:        "alert-1",
		TargetChannels: channels,
		Subject:        "Transfer",
		TextContent:    "{{wallet_name}} sent 1 ETH",
		Priority:       PriorityNormal,
		Variables: map[string]string{
			"wallet_address": "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01",
			"chain_id":       "ethereum_mainnet",
		},
	}
}

func deliveryWrites(t *testing.T, b *bus.Memory) []map[string]any {
	t.Helper()
	table, err := schema.Default().Lookup(deliveriesTable)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	var rows []map[string]any
	for _, msg := range b.Published("ducklake.notification_deliveries.system.notify.write") {
		var req gateway.WriteRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Fatalf("decode write request: %v", err)
		}
		if err := table.Validate(req.Record); err != nil {
			t.Fatalf("delivery row does not match schema: %v", err)
		}
		var row map[string]any
		_ = json.Unmarshal(req.Record, &row)
		rows = append(rows, row)
	}
	return rows
}

func TestDeliverDefaultsToWebSocket(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res := f.rt.Deliver(ctx, request(ChannelWebSocket), ChannelWebSocket)
	if !res.Delivered || res.Attempts != 1 {
		t.Fatalf("expected delivery, got %+v", res)
	}
	sent := f.senders[ChannelWebSocket].sent[0]
	if sent.To != "user-1" || sent.Text != "0xAbCd...Ef01 sent 1 ETH" {
		t.Errorf("unexpected message %+v", sent)
	}

	res = f.rt.Deliver(ctx, request(ChannelEmail), ChannelEmail)
	if res.Delivered || KindOf(res.Err) != KindChannelDisabled || res.Attempts != 0 {
		t.Errorf("expected email disabled by default, got %+v", res)
	}
	if f.senders[ChannelEmail].count() != 0 {
		t.Error("disabled channel must not send")
	}

	rows := deliveryWrites(t, f.bus)
	if len(rows) != 2 {
		t.Fatalf("expected 2 delivery rows, got %d", len(rows))
	}
	if rows[0]["delivered"] != true || rows[0]["chain_id"] != "system_notify" || rows[0]["delivery_date"] != "2026-01-15" {
		t.Errorf("unexpected delivered row %v", rows[0])
	}
	if rows[1]["delivered"] != false || rows[1]["error_message"] == nil {
		t.Errorf("unexpected failed row %v", rows[1])
	}
}

func TestDeliverUsesSettingsAndWalletName(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_ = f.settings.Put(ctx, UserNotificationSettings{
		UserID:               "user-1",
		NotificationsEnabled: true,
		Channels: map[Channel]ChannelSettings{
			ChannelSMS: {Enabled: true, Config: map[string]string{"phone": "+84901234567"}},
		},
	})
	_ = f.settings.SetWalletName(ctx, "user-1", "0xabcdef0123456789abcdef0123456789abcdef01", "ethereum_mainnet", "Treasury")

	res := f.rt.Deliver(ctx, request(ChannelSMS), ChannelSMS)
	if !res.Delivered {
		t.Fatalf("expected delivery, got %v", res.Err)
	}
	sent := f.senders[ChannelSMS].sent[0]
	if sent.To != "+84901234567" || sent.Text != "Transfer: Treasury sent 1 ETH" {
		t.Errorf("unexpected sms %+v", sent)
	}

	// websocket_enabled false in stored settings
	if res := f.rt.Deliver(ctx, request(ChannelWebSocket), ChannelWebSocket); KindOf(res.Err) != KindChannelDisabled {
		t.Errorf("expected websocket disabled, got %v", res.Err)
	}
}

func TestDeliverQuietHours(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	s := DefaultSettings("user-1")
	s.QuietHours = &QuietHours{Enabled: true, Start: "11:00", End: "13:00", PriorityOverride: []Priority{PriorityCritical}}
	_ = f.settings.Put(ctx, s)

	req := request(ChannelWebSocket)
	if res := f.rt.Deliver(ctx, req, ChannelWebSocket); KindOf(res.Err) != KindQuietHours {
		t.Fatalf("expected quiet hours, got %v", res.Err)
	}

	req.Priority = PriorityCritical
	if res := f.rt.Deliver(ctx, req, ChannelWebSocket); !res.Delivered {
		t.Fatalf("expected override to deliver, got %v", res.Err)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, Config{Retry: RetryConfig{MaxAttempts: 3}})
	f.senders[ChannelWebSocket].errs = []error{Temporary("blip"), nil}

	res := f.rt.Deliver(context.Background(), request(ChannelWebSocket), ChannelWebSocket)
	if !res.Delivered || res.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", res)
	}
	m := f.rt.Metrics().Snapshot(ChannelWebSocket)
	if m.TotalSent != 1 || m.Successful != 1 || !m.Healthy {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestBreakerOpensAfterExhaustedRetries(t *testing.T) {
	f := newFixture(t, Config{
		Retry:   RetryConfig{MaxAttempts: 2},
		Breaker: breaker.Config{FailureThreshold: 2, Timeout: time.Hour, SuccessThreshold: 1},
	})
	sender := f.senders[ChannelWebSocket]
	sender.errs = []error{newError(KindServiceUnavailable, "down")}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := f.rt.Deliver(ctx, request(ChannelWebSocket), ChannelWebSocket)
		if res.Attempts != 2 || KindOf(res.Err) != KindServiceUnavailable {
			t.Fatalf("delivery %d: unexpected result %+v", i, res)
		}
	}
	p := f.rt.providers[ChannelWebSocket]
	if p.Breaker().State() != breaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", p.Breaker().State())
	}

	before := sender.count()
	res := f.rt.Deliver(ctx, request(ChannelWebSocket), ChannelWebSocket)
	if KindOf(res.Err) != KindCircuitBreakerOpen || sender.count() != before {
		t.Errorf("expected breaker to short-circuit, got %v", res.Err)
	}

	m := f.rt.Metrics().Snapshot(ChannelWebSocket)
	if m.Failed != 3 || m.ByErrorKind[KindServiceUnavailable] != 2 || m.ByErrorKind[KindCircuitBreakerOpen] != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestRateLimitedAttemptIsRetried(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1, RateBurst: 1, Retry: RetryConfig{MaxAttempts: 2}})
	var slept []time.Duration
	f.rt.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	ctx := context.Background()

	if res := f.rt.Deliver(ctx, request(ChannelWebSocket), ChannelWebSocket); !res.Delivered {
		t.Fatalf("first delivery failed: %v", res.Err)
	}
	// the clock is frozen, so the bucket never refills
	res := f.rt.Deliver(ctx, request(ChannelWebSocket), ChannelWebSocket)
	if KindOf(res.Err) != KindRateLimitExceeded || res.Attempts != 2 {
		t.Fatalf("expected rate limit after retries, got %+v", res)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("expected the limiter delay as backoff, got %v", slept)
	}
}

func TestHandleMessageFansOutGroups(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_ = f.settings.PutGroup(ctx, GroupSettings{GroupID: "ops", Enabled: true, Members: []string{"u1", "u2"}})

	req := request(ChannelWebSocket)
	req.UserID = "group:ops"
	data, _ := json.Marshal(req)

	results, err := f.rt.HandleMessage(ctx, ImmediateSubject(ChannelWebSocket), data)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(results) != 2 || !results[0].Delivered || !results[1].Delivered {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[0].NotificationID == results[1].NotificationID || results[0].NotificationID == req.NotificationID {
		t.Error("expected distinct per-recipient ids")
	}
	if again := recipientID(req.NotificationID, "u1"); again != results[0].NotificationID {
		t.Error("expected deterministic recipient id")
	}
}

func TestHandleMessageRejects(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	valid, _ := json.Marshal(request(ChannelWebSocket))
	noUser := request(ChannelWebSocket)
	noUser.UserID = ""
	noUserData, _ := json.Marshal(noUser)

	tests := []struct {
		name    string
		subject string
		data    []byte
	}{
		{"unknown channel", "notifications.send.immediate.pigeon", valid},
		{"untargeted channel", ImmediateSubject(ChannelSlack), valid},
		{"digest without items", DigestSubject(ChannelWebSocket), valid},
		{"missing user", ImmediateSubject(ChannelWebSocket), noUserData},
		{"malformed", ImmediateSubject(ChannelWebSocket), []byte("{")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.rt.HandleMessage(ctx, tt.subject, tt.data); KindOf(err) != KindInvalidRequest {
				t.Errorf("expected invalid request, got %v", err)
			}
		})
	}
}

func TestDigestOverBus(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if err := f.rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := request(ChannelWebSocket)
	req.TextContent = ""
	req.Digest = []DigestItem{{Title: "Swap", Text: "done"}, {Title: "Mint", Text: "done"}}
	data, _ := json.Marshal(req)

	if err := f.bus.Publish(ctx, DigestSubject(ChannelWebSocket), data); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f.rt.Stop()

	sender := f.senders[ChannelWebSocket]
	if sender.count() != 1 {
		t.Fatalf("expected one digest send, got %d", sender.count())
	}
	if got := sender.sent[0].Text; got != "- Swap: done\n- Mint: done" {
		t.Errorf("unexpected digest text %q", got)
	}
}
