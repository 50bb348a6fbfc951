// Package notify delivers user-scoped alert notifications over email, Slack,
// SMS and WebSocket. Every channel shares one runtime: settings resolution,
// quiet hours, a circuit breaker, a rate limiter, retries and metrics.
package notify

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Channel names a delivery channel.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSlack     Channel = "slack"
	ChannelSMS       Channel = "sms"
	ChannelWebSocket Channel = "websocket"
)

// SupportedChannels lists every channel the runtime knows about.
var SupportedChannels = []Channel{ChannelEmail, ChannelSlack, ChannelSMS, ChannelWebSocket}

func (c Channel) Valid() bool {
	for _, s := range SupportedChannels {
		if c == s {
			return true
		}
	}
	return false
}

// Priority of a notification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Subjects.
const (
	ImmediatePrefix = "notifications.send.immediate"
	DigestPrefix    = "notifications.send.digest"

	// GroupPrefix marks a user_id that addresses a notification group.
	GroupPrefix = "group:"
)

// ImmediateSubject returns notifications.send.immediate.{channel}.
func ImmediateSubject(c Channel) string { return ImmediatePrefix + "." + string(c) }

// DigestSubject returns notifications.send.digest.{channel}.
func DigestSubject(c Channel) string { return DigestPrefix + "." + string(c) }

// Content size caps.
const (
	MaxSubjectLen = 256
	MaxTextLen    = 16 * 1024
	MaxHTMLLen    = 64 * 1024
	MaxDigestSize = 100
)

// Action is a button or link attached to a notification.
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// DigestItem is one entry of a digest request.
type DigestItem struct {
	AlertID    string    `json:"alert_id,omitempty"`
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// NotificationRequest is the payload of notifications.send.*.{channel}.
type NotificationRequest struct {
	NotificationID    string            `json:"notification_id"`
	UserID            string            `json:"user_id"`
	AlertID           string            `json:"alert_id"`
	TemplateName      string            `json:"template_name,omitempty"`
	TargetChannels    []Channel         `json:"target_channels"`
	Subject           string            `json:"subject"`
	TextContent       string            `json:"text_content"`
	HTMLContent       string            `json:"html_content,omitempty"`
	Priority          Priority          `json:"priority"`
	StructuredContent map[string]any    `json:"structured_content,omitempty"`
	Actions           []Action          `json:"actions,omitempty"`
	Variables         map[string]string `json:"variables,omitempty"`

	// Digest carries the items of a digest request.
	Digest []DigestItem `json:"digest,omitempty"`
}

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Validate checks required fields, channel names, size caps and the format of
// addressing variables.
func (r *NotificationRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return invalid("user_id is required")
	}
	if strings.TrimSpace(r.AlertID) == "" {
		return invalid("alert_id is required")
	}
	if len(r.TargetChannels) == 0 {
		return invalid("target_channels is empty")
	}
	for _, c := range r.TargetChannels {
		if !c.Valid() {
			return invalid(fmt.Sprintf("unsupported channel %q", c))
		}
	}
	switch r.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return invalid(fmt.Sprintf("unknown priority %q", r.Priority))
	}
	if len(r.Subject) > MaxSubjectLen {
		return invalid("subject too long")
	}
	if len(r.TextContent) > MaxTextLen {
		return invalid("text_content too long")
	}
	if len(r.HTMLContent) > MaxHTMLLen {
		return invalid("html_content too long")
	}
	if r.TextContent == "" && r.HTMLContent == "" && len(r.Digest) == 0 {
		return invalid("content is empty")
	}
	if len(r.Digest) > MaxDigestSize {
		return invalid("digest has too many items")
	}
	for _, a := range r.Actions {
		if !validURL(a.URL) {
			return invalid(fmt.Sprintf("action %q has an invalid url", a.Label))
		}
	}
	if v, ok := r.Variables["email"]; ok && !validEmail(v) {
		return invalid("variables.email is not a valid address")
	}
	if v, ok := r.Variables["phone"]; ok && !phonePattern.MatchString(v) {
		return invalid("variables.phone is not E.164")
	}
	return nil
}

// Targets reports whether the request targets channel c.
func (r *NotificationRequest) Targets(c Channel) bool {
	for _, t := range r.TargetChannels {
		if t == c {
			return true
		}
	}
	return false
}

func validEmail(s string) bool {
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Result is the outcome of one channel delivery.
type Result struct {
	NotificationID string
	UserID         string
	Channel        Channel
	Delivered      bool
	Attempts       int
	Latency        time.Duration
	Err            error
}
