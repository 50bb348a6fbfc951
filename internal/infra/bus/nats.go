package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config holds NATS connection settings.
type Config struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
	// JetStream enables publishing through JetStream so that MsgIDHeader is
	// honored by the stream's duplicate window.
	JetStream bool `yaml:"jetstream"`
}

// NATS is the NATS-backed Bus.
type NATS struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Connect dials NATS.
func Connect(cfg Config) (*NATS, error) {
	name := cfg.Name
	if name == "" {
		name = "chainlake"
	}

	log := slog.Default().With("component", "bus")
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	b := &NATS{nc: nc, log: log}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to open jetstream context: %w", err)
		}
		b.js = js
	}

	return b, nil
}

// Publish sends data on subject.
func (b *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishWithID sends data with the dedup header set.
func (b *NATS) PublishWithID(ctx context.Context, subject string, data []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if b.js != nil {
		if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", subject, err)
		}
		return nil
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h for subject.
func (b *NATS) Subscribe(subject string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, b.wrap(h))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe registers h as a member of queue.
func (b *NATS) QueueSubscribe(subject, queue string, h Handler) (Subscription, error) {
	sub, err := b.nc.QueueSubscribe(subject, queue, b.wrap(h))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Request publishes data and waits for a reply.
func (b *NATS) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	reply, err := b.nc.RequestWithContext(ctx, subject, data)
	if err == nats.ErrNoResponders {
		return nil, ErrNoResponders
	}
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return fromNATS(reply), nil
}

// Close drains subscriptions and closes the connection.
func (b *NATS) Close() error {
	b.cancel()
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

func (b *NATS) wrap(h Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		h(b.ctx, fromNATS(m))
	}
}

func fromNATS(m *nats.Msg) *Message {
	msg := &Message{
		Subject: m.Subject,
		Reply:   m.Reply,
		Data:    m.Data,
		respond: m.Respond,
	}
	if len(m.Header) > 0 {
		msg.Header = make(map[string]string, len(m.Header))
		for k := range m.Header {
			msg.Header[k] = m.Header.Get(k)
		}
	}
	return msg
}
