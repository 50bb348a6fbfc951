package bus

import (
	"context"
	"testing"
	"time"
)

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"ducklake.*.*.*.write", "ducklake.transactions.ethereum.mainnet.write", true},
		{"ducklake.*.*.*.write", "ducklake.transactions.ethereum.mainnet.query", false},
		{"ducklake.*.*.*.write", "ducklake.transactions.ethereum.write", false},
		{"newheads.>", "newheads.ethereum.mainnet.evm", true},
		{"newheads.>", "newheads", false},
		{"alerts.schedule.one_time", "alerts.schedule.one_time", true},
		{"alerts.schedule.*", "alerts.schedule.periodic", true},
		{"notifications.send.*.slack", "notifications.send.digest.slack", true},
	}

	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemory_PublishSubscribe(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	var got []string
	if _, err := b.Subscribe("newheads.*.*.evm", func(_ context.Context, msg *Message) {
		got = append(got, msg.Subject)
	}); err != nil {
		t.Fatal(err)
	}

	_ = b.Publish(ctx, "newheads.ethereum.mainnet.evm", []byte("{}"))
	_ = b.Publish(ctx, "newheads.bitcoin.mainnet.utxo", []byte("{}"))

	if len(got) != 1 || got[0] != "newheads.ethereum.mainnet.evm" {
		t.Fatalf("unexpected deliveries %v", got)
	}
	if n := len(b.Published("newheads.>")); n != 2 {
		t.Errorf("published log = %d, want 2", n)
	}
}

func TestMemory_QueueSubscribeBalances(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()

	counts := make([]int, 2)
	for i := range counts {
		i := i
		_, _ = b.QueueSubscribe("work", "workers", func(context.Context, *Message) { counts[i]++ })
	}
	for i := 0; i < 4; i++ {
		_ = b.Publish(ctx, "work", nil)
	}
	if counts[0] != 2 || counts[1] != 2 {
		t.Errorf("queue distribution = %v, want [2 2]", counts)
	}
}

func TestMemory_RequestReply(t *testing.T) {
	b := NewMemory()
	_, _ = b.Subscribe("ducklake.schema.list", func(_ context.Context, msg *Message) {
		_ = msg.Respond([]byte(`{"success":true}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := b.Request(ctx, "ducklake.schema.list", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Data) != `{"success":true}` {
		t.Errorf("reply = %s", reply.Data)
	}

	if _, err := b.Request(ctx, "nobody.home", nil); err != ErrNoResponders {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
}

func TestMemory_PublishWithID(t *testing.T) {
	b := NewMemory()
	_ = b.PublishWithID(context.Background(), "alerts.schedule.one_time", []byte("x"), "id-1")

	msgs := b.Published("alerts.schedule.one_time")
	if len(msgs) != 1 || msgs[0].MsgID() != "id-1" {
		t.Fatalf("unexpected published messages %+v", msgs)
	}
}
