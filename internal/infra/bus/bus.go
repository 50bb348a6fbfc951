// Package bus abstracts the subject-addressed message bus.
//
// Two implementations are provided: NATS (production) and an in-process bus
// with identical subject matching, used for single-process runs and tests.
package bus

import (
	"context"
	"errors"
	"strings"
)

// MsgIDHeader carries the publisher assigned id used for downstream dedup.
const MsgIDHeader = "Nats-Msg-Id"

// ErrNoResponders is returned by Request when nothing is subscribed.
var ErrNoResponders = errors.New("bus: no responders")

// Message is a received bus message.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
	Header  map[string]string

	respond func(data []byte) error
}

// MsgID returns the dedup id header, if any.
func (m *Message) MsgID() string {
	if m.Header == nil {
		return ""
	}
	return m.Header[MsgIDHeader]
}

// Respond sends data to the message's reply subject.
func (m *Message) Respond(data []byte) error {
	if m.Reply == "" || m.respond == nil {
		return errors.New("bus: message has no reply subject")
	}
	return m.respond(data)
}

// Handler processes one message.
type Handler func(ctx context.Context, msg *Message)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the message bus contract used by every component.
type Bus interface {
	// Publish sends data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishWithID sends data with a dedup id header.
	PublishWithID(ctx context.Context, subject string, data []byte, msgID string) error

	// Subscribe registers h for subject (NATS wildcards allowed).
	Subscribe(subject string, h Handler) (Subscription, error)

	// QueueSubscribe load-balances subject across members of queue.
	QueueSubscribe(subject, queue string, h Handler) (Subscription, error)

	// Request publishes with a reply inbox and waits for the first response.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)

	// Close drains and closes the connection.
	Close() error
}

// MatchSubject reports whether subject matches pattern using NATS rules:
// "*" matches exactly one token, ">" matches one or more trailing tokens.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
