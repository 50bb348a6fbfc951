package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sender delivers a formatted message over one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

const defaultHTTPTimeout = 10 * time.Second

func postHTTP(ctx context.Context, client *http.Client, req *http.Request) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp.StatusCode, strings.TrimSpace(string(body)), retryAfter(resp.Header))
}

// SlackConfig configures incoming webhook delivery.
type SlackConfig struct {
	// WebhookURL is used when the user has no webhook_url of their own.
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SlackSender posts mrkdwn messages to Slack incoming webhooks.
type SlackSender struct {
	cfg    SlackConfig
	client *http.Client
}

func NewSlackSender(cfg SlackConfig) *SlackSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &SlackSender{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks,omitempty"`
}

type slackBlock struct {
	Type string         `json:"type"`
	Text *slackText     `json:"text,omitempty"`
	Els  []slackElement `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackElement struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
	URL  string    `json:"url"`
}

func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	webhook := msg.To
	if webhook == "" {
		webhook = s.cfg.WebhookURL
	}
	if webhook == "" {
		return newError(KindConfiguration, "no slack webhook configured")
	}

	text := msg.Text
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + text
	}
	p := slackPayload{Text: text}
	if len(msg.Actions) > 0 {
		p.Blocks = append(p.Blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}})
		actions := slackBlock{Type: "actions"}
		for _, a := range msg.Actions {
			actions.Els = append(actions.Els, slackElement{
				Type: "button",
				Text: slackText{Type: "plain_text", Text: a.Label},
				URL:  a.URL,
			})
		}
		p.Blocks = append(p.Blocks, actions)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return Permanent(err.Error())
	}
	req, err := http.NewRequest(http.MethodPost, webhook, bytes.NewReader(data))
	if err != nil {
		return newError(KindConfiguration, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return postHTTP(ctx, s.client, req)
}

// TwilioConfig configures SMS delivery through the Twilio Messages API.
type TwilioConfig struct {
	AccountSID string        `yaml:"account_sid"`
	AuthToken  string        `yaml:"auth_token"`
	From       string        `yaml:"from"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TwilioSender sends SMS messages.
type TwilioSender struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilioSender(cfg TwilioConfig) *TwilioSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &TwilioSender{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (s *TwilioSender) Send(ctx context.Context, msg Message) error {
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" {
		return newError(KindConfiguration, "twilio credentials are missing")
	}
	if msg.To == "" {
		return invalid("no phone number for recipient")
	}

	form := url.Values{}
	form.Set("From", s.cfg.From)
	form.Set("To", msg.To)
	form.Set("Body", msg.Text)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.AccountSID)

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return newError(KindConfiguration, err.Error())
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return postHTTP(ctx, s.client, req)
}
