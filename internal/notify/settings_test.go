package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/infra/redis"
)

func TestSettingsStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewSettingsStore(rdb, 0)
	ctx := context.Background()

	s, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !s.NotificationsEnabled || !s.ChannelEnabled(ChannelWebSocket) || s.ChannelEnabled(ChannelEmail) {
		t.Errorf("unexpected defaults %+v", s)
	}

	s.Channels[ChannelEmail] = ChannelSettings{Enabled: true, Config: map[string]string{"email": "u1@x.io"}}
	s.PriorityRouting = map[Priority][]Channel{PriorityLow: {ChannelWebSocket}}
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ttl := mr.TTL(redis.UserSettingsKey("u1")); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %s", ttl)
	}

	got, _ := store.Get(ctx, "u1")
	if !got.ChannelEnabled(ChannelEmail) || got.ChannelConfig(ChannelEmail, "email") != "u1@x.io" {
		t.Errorf("unexpected stored settings %+v", got)
	}
	if got.RoutesPriority(PriorityLow, ChannelEmail) || !got.RoutesPriority(PriorityHigh, ChannelEmail) {
		t.Error("unexpected priority routing")
	}

	if err := store.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if got, _ := store.Get(ctx, "u1"); got.ChannelEnabled(ChannelEmail) {
		t.Error("expected defaults after invalidation")
	}
}

func TestRecipients(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewSettingsStore(rdb, 0)
	ctx := context.Background()

	if ids, _ := store.Recipients(ctx, "u1"); len(ids) != 1 || ids[0] != "u1" {
		t.Errorf("expected the user itself, got %v", ids)
	}

	_ = store.PutGroup(ctx, GroupSettings{GroupID: "off", Members: []string{"a"}})
	if ids, _ := store.Recipients(ctx, "group:off"); len(ids) != 0 {
		t.Errorf("expected no members of a disabled group, got %v", ids)
	}
	if ids, _ := store.Recipients(ctx, "group:missing"); len(ids) != 0 {
		t.Errorf("expected no members of an unknown group, got %v", ids)
	}

	_, _ = mr.SAdd(redis.TemplateSubscribersKey("whale"), "u3", "u1", "u2")
	ids, err := store.TemplateSubscribers(ctx, "whale")
	if err != nil || len(ids) != 3 || ids[0] != "u1" || ids[2] != "u3" {
		t.Errorf("unexpected subscribers %v %v", ids, err)
	}
}
