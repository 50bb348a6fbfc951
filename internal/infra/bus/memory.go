package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Memory is an in-process Bus. Delivery is synchronous on the publishing
// goroutine; handlers must not block on further publishes to themselves.
type Memory struct {
	mu     sync.RWMutex
	subs   map[uint64]*memSub
	nextID atomic.Uint64
	queues map[string]*atomic.Uint64

	logMu     sync.Mutex
	published []*Message
	closed    bool
}

type memSub struct {
	id      uint64
	pattern string
	queue   string
	handler Handler
	bus     *Memory
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[uint64]*memSub),
		queues: make(map[string]*atomic.Uint64),
	}
}

// Publish delivers data to every matching subscriber.
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	return m.deliver(ctx, &Message{Subject: subject, Data: data})
}

// PublishWithID delivers data with the dedup header set.
func (m *Memory) PublishWithID(ctx context.Context, subject string, data []byte, msgID string) error {
	return m.deliver(ctx, &Message{
		Subject: subject,
		Data:    data,
		Header:  map[string]string{MsgIDHeader: msgID},
	})
}

// Subscribe registers h for subject.
func (m *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	return m.subscribe(subject, "", h)
}

// QueueSubscribe registers h as one member of queue; each message goes to one member.
func (m *Memory) QueueSubscribe(subject, queue string, h Handler) (Subscription, error) {
	return m.subscribe(subject, queue, h)
}

// Request publishes data with a private reply subject and returns the first reply.
func (m *Memory) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	inbox := "_INBOX." + uuid.NewString()
	replies := make(chan *Message, 1)

	sub, err := m.Subscribe(inbox, func(_ context.Context, msg *Message) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	delivered, err := m.deliverCount(ctx, &Message{Subject: subject, Reply: inbox, Data: data})
	if err != nil {
		return nil, err
	}
	if delivered == 0 {
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops delivery.
func (m *Memory) Close() error {
	m.logMu.Lock()
	m.closed = true
	m.logMu.Unlock()
	return nil
}

// Published returns messages published on subjects matching pattern, in order.
func (m *Memory) Published(pattern string) []*Message {
	m.logMu.Lock()
	defer m.logMu.Unlock()

	var out []*Message
	for _, msg := range m.published {
		if MatchSubject(pattern, msg.Subject) {
			out = append(out, msg)
		}
	}
	return out
}

// Reset clears the published log.
func (m *Memory) Reset() {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	m.published = nil
}

func (m *Memory) subscribe(subject, queue string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &memSub{id: m.nextID.Add(1), pattern: subject, queue: queue, handler: h, bus: m}
	m.subs[s.id] = s
	if queue != "" {
		if _, ok := m.queues[queue]; !ok {
			m.queues[queue] = &atomic.Uint64{}
		}
	}
	return s, nil
}

func (m *Memory) deliver(ctx context.Context, msg *Message) error {
	_, err := m.deliverCount(ctx, msg)
	return err
}

func (m *Memory) deliverCount(ctx context.Context, msg *Message) (int, error) {
	m.logMu.Lock()
	if m.closed {
		m.logMu.Unlock()
		return 0, errors.New("bus: closed")
	}
	m.published = append(m.published, msg)
	m.logMu.Unlock()

	if msg.Reply != "" {
		reply := msg.Reply
		msg.respond = func(data []byte) error {
			return m.Publish(ctx, reply, data)
		}
	}

	targets := m.match(msg.Subject)
	for _, s := range targets {
		cp := *msg
		s.handler(ctx, &cp)
	}
	return len(targets), nil
}

// match selects plain subscribers plus one member per queue group.
func (m *Memory) match(subject string) []*memSub {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		out    []*memSub
		groups = make(map[string][]*memSub)
	)
	for _, s := range m.subs {
		if !MatchSubject(s.pattern, subject) {
			continue
		}
		if s.queue == "" {
			out = append(out, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for name, members := range groups {
		sortSubs(members)
		n := m.queues[name].Add(1)
		out = append(out, members[int(n-1)%len(members)])
	}
	sortSubs(out)
	return out
}

func sortSubs(s []*memSub) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].id > s[j].id; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
