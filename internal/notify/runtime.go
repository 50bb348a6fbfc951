package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/vietddude/chainlake/internal/infra/breaker"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/lake/catalog"
	"github.com/vietddude/chainlake/internal/lake/schema"
	"github.com/vietddude/chainlake/internal/lake/subject"
)

const (
	// Queue spreads notification requests across notifier replicas.
	Queue = "notifiers"

	deliveriesTable = "notification_deliveries"
	// DeliveriesChain and DeliveriesSubnet address the delivery log table.
	DeliveriesChain  = "system"
	DeliveriesSubnet = "notify"
)

// Config controls the runtime.
type Config struct {
	MaxConcurrentMessages int64          `yaml:"max_concurrent_messages"`
	SettingsTTL           time.Duration  `yaml:"settings_ttl"`
	Retry                 RetryConfig    `yaml:"retry"`
	Breaker               breaker.Config `yaml:"circuit_breaker"`
	// RateLimit is the sustained sends per second of each channel.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// SendTimeout bounds one send attempt.
	SendTimeout          time.Duration `yaml:"send_timeout"`
	DisableDeliveryWrite bool          `yaml:"disable_delivery_write"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentMessages <= 0 {
		c.MaxConcurrentMessages = 32
	}
	if c.SettingsTTL <= 0 {
		c.SettingsTTL = DefaultSettingsTTL
	}
	c.Retry = c.Retry.withDefaults()
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = int(c.RateLimit) + 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// LakeWriter publishes lakehouse write requests. *gateway.Client satisfies it.
type LakeWriter interface {
	Write(ctx context.Context, table, chain, subnet string, record any, mode catalog.WriteMode, partition ...schema.PartitionValue) error
}

// Provider is the per-channel state shared by every delivery on it.
type Provider struct {
	channel Channel
	sender  Sender
	retry   RetryConfig
	breaker *breaker.CircuitBreaker
	limiter *rate.Limiter
}

// Breaker exposes the channel breaker.
func (p *Provider) Breaker() *breaker.CircuitBreaker { return p.breaker }

// Runtime routes notification requests to channel providers.
type Runtime struct {
	cfg       Config
	bus       bus.Bus
	settings  *SettingsStore
	lake      LakeWriter
	metrics   *MetricsRegistry
	providers map[Channel]*Provider

	sem   *semaphore.Weighted
	wg    sync.WaitGroup
	subs  []bus.Subscription
	now   func() time.Time
	sleep sleepFunc
	log   *slog.Logger
}

// NewRuntime creates a runtime. lake may be nil to skip delivery records.
func NewRuntime(cfg Config, b bus.Bus, settings *SettingsStore, lake LakeWriter) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		cfg:       cfg,
		bus:       b,
		settings:  settings,
		lake:      lake,
		metrics:   NewMetricsRegistry(),
		providers: make(map[Channel]*Provider),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentMessages),
		now:       time.Now,
		sleep:     sleepCtx,
		log:       slog.Default().With("component", "notify"),
	}
}

// Register installs the sender of a channel with the runtime's retry,
// breaker and rate limit settings.
func (r *Runtime) Register(c Channel, s Sender) *Provider {
	p := &Provider{
		channel: c,
		sender:  s,
		retry:   r.cfg.Retry,
		breaker: breaker.New("notify_"+string(c), r.cfg.Breaker),
		limiter: rate.NewLimiter(rate.Limit(r.cfg.RateLimit), r.cfg.RateBurst),
	}
	p.breaker.OnStateChange(func(name string, from, to breaker.State) {
		r.log.Warn("Channel breaker changed state", "channel", c, "from", from, "to", to)
	})
	r.providers[c] = p
	return p
}

// Metrics returns the per-channel metrics registry.
func (r *Runtime) Metrics() *MetricsRegistry { return r.metrics }

// Start subscribes to the immediate and digest subjects of every registered
// channel.
func (r *Runtime) Start(ctx context.Context) error {
	for c := range r.providers {
		for _, subj := range []string{ImmediateSubject(c), DigestSubject(c)} {
			sub, err := r.bus.QueueSubscribe(subj, Queue, func(_ context.Context, msg *bus.Message) {
				r.dispatch(ctx, msg)
			})
			if err != nil {
				r.Stop()
				return fmt.Errorf("subscribe %s: %w", subj, err)
			}
			r.subs = append(r.subs, sub)
		}
	}
	r.log.Info("Notification runtime started", "channels", len(r.providers), "max_concurrent", r.cfg.MaxConcurrentMessages)
	return nil
}

// Stop unsubscribes and waits for in-flight deliveries.
func (r *Runtime) Stop() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
	r.wg.Wait()
}

func (r *Runtime) dispatch(ctx context.Context, msg *bus.Message) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)

		results, err := r.HandleMessage(ctx, msg.Subject, msg.Data)
		if err != nil {
			r.log.Warn("Rejected notification request", "subject", msg.Subject, "error", err)
		}
		if msg.Reply != "" {
			r.respond(msg, results, err)
		}
	}()
}

type reply struct {
	Success   bool   `json:"success"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

func (r *Runtime) respond(msg *bus.Message, results []Result, err error) {
	out := reply{Success: err == nil}
	if err != nil {
		out.Error = err.Error()
	}
	for _, res := range results {
		if res.Delivered {
			out.Delivered++
		} else {
			out.Failed++
		}
	}
	data, _ := json.Marshal(out)
	if rerr := msg.Respond(data); rerr != nil {
		r.log.Warn("Failed to reply", "subject", msg.Subject, "error", rerr)
	}
}

// ParseSubject returns the channel of a notifications.send.{kind}.{channel}
// subject and whether it is a digest.
func ParseSubject(subj string) (Channel, bool, error) {
	var digest bool
	rest, ok := strings.CutPrefix(subj, ImmediatePrefix+".")
	if !ok {
		if rest, ok = strings.CutPrefix(subj, DigestPrefix+"."); !ok {
			return "", false, invalid("unknown subject " + subj)
		}
		digest = true
	}
	c := Channel(rest)
	if !c.Valid() {
		return "", false, invalid(fmt.Sprintf("unsupported channel %q", rest))
	}
	return c, digest, nil
}

// HandleMessage decodes a request received on subj and delivers it on the
// subject's channel to every recipient.
func (r *Runtime) HandleMessage(ctx context.Context, subj string, data []byte) ([]Result, error) {
	c, digest, err := ParseSubject(subj)
	if err != nil {
		return nil, err
	}
	var req NotificationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, invalid("malformed request: " + err.Error())
	}
	if digest && len(req.Digest) == 0 {
		return nil, invalid("digest request without items")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.Targets(c) {
		return nil, invalid(fmt.Sprintf("request does not target %s", c))
	}
	renderDigest(&req)
	if req.NotificationID == "" {
		req.NotificationID = uuid.NewString()
	}

	users, err := r.settings.Recipients(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	fanout := len(users) > 1 || users == nil || users[0] != req.UserID

	results := make([]Result, 0, len(users))
	for _, user := range users {
		one := req
		one.UserID = user
		if fanout {
			one.NotificationID = recipientID(req.NotificationID, user)
		}
		results = append(results, r.Deliver(ctx, &one, c))
	}
	return results, nil
}

// recipientID derives a stable per-recipient id of a fanned-out notification.
func recipientID(parent, userID string) string {
	ns, err := uuid.Parse(parent)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceURL, []byte(parent))
	}
	return uuid.NewSHA1(ns, []byte(userID)).String()
}

// Deliver runs the full pipeline for one user and channel and records the
// outcome.
func (r *Runtime) Deliver(ctx context.Context, req *NotificationRequest, c Channel) Result {
	res := Result{NotificationID: req.NotificationID, UserID: req.UserID, Channel: c}
	start := r.now()

	res.Attempts, res.Latency, res.Err = r.deliver(ctx, req, c)
	res.Delivered = res.Err == nil
	if res.Latency == 0 {
		res.Latency = r.now().Sub(start)
	}

	if res.Attempts > 0 {
		r.metrics.Record(c, req.Priority, res.Latency, res.Err)
	}
	if res.Err != nil {
		r.log.Warn("Notification not delivered",
			"notification_id", req.NotificationID,
			"user_id", req.UserID,
			"channel", c,
			"attempts", res.Attempts,
			"error", res.Err,
		)
	}
	r.record(ctx, req, res)
	return res
}

func (r *Runtime) deliver(ctx context.Context, req *NotificationRequest, c Channel) (int, time.Duration, error) {
	p, ok := r.providers[c]
	if !ok {
		return 0, 0, newError(KindConfiguration, fmt.Sprintf("no provider for %s", c))
	}

	settings, err := r.settings.Get(ctx, req.UserID)
	if err != nil {
		return 0, 0, Temporary(err.Error())
	}
	if !settings.ChannelEnabled(c) || !settings.RoutesPriority(req.Priority, c) {
		return 0, 0, newError(KindChannelDisabled, fmt.Sprintf("%s disabled for user %s", c, req.UserID))
	}
	blocked, err := settings.QuietHours.Blocks(req.Priority, r.now())
	if err != nil {
		r.log.Warn("Ignoring invalid quiet hours", "user_id", req.UserID, "error", err)
	} else if blocked {
		return 0, 0, newError(KindQuietHours, "inside quiet hours")
	}

	vars, err := r.variables(ctx, req, settings)
	if err != nil {
		return 0, 0, Temporary(err.Error())
	}
	rendered := *req
	rendered.Subject = Render(req.Subject, vars)
	rendered.TextContent = Render(req.TextContent, vars)
	rendered.HTMLContent = Render(req.HTMLContent, vars)

	msg := Format(&rendered, c)
	msg.To = recipientAddress(c, settings, vars)

	var latency time.Duration
	attempts, err := retry(ctx, p.retry, r.sleep, func(int) error {
		if !p.breaker.CanExecute() {
			return newError(KindCircuitBreakerOpen, fmt.Sprintf("%s breaker is open", c))
		}
		rv := p.limiter.ReserveN(r.now(), 1)
		if d := rv.DelayFrom(r.now()); d > 0 {
			rv.CancelAt(r.now())
			return RateLimited(fmt.Sprintf("%s rate limit", c), d)
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		defer cancel()
		t0 := r.now()
		err := p.sender.Send(sendCtx, msg)
		latency = r.now().Sub(t0)
		if err == nil {
			p.breaker.RecordSuccess()
		}
		return err
	})
	if err != nil && countsAgainstBreaker(err) {
		p.breaker.RecordFailure()
	}
	return attempts, latency, err
}

// variables merges personalization, request variables and the wallet
// nickname, with request values taking precedence over personalization.
func (r *Runtime) variables(ctx context.Context, req *NotificationRequest, s UserNotificationSettings) (map[string]string, error) {
	vars := make(map[string]string, len(s.Personalization)+len(req.Variables)+1)
	for k, v := range s.Personalization {
		vars[k] = v
	}
	for k, v := range req.Variables {
		vars[k] = v
	}
	addr, chainID := vars["wallet_address"], vars["chain_id"]
	if addr != "" && chainID != "" {
		name, err := r.settings.WalletName(ctx, req.UserID, addr, chainID)
		if err != nil {
			return nil, fmt.Errorf("load wallet name: %w", err)
		}
		if name == "" {
			name = shortAddress(addr)
		}
		vars["wallet_name"] = name
	}
	return vars, nil
}

func shortAddress(a string) string {
	if len(a) <= 12 {
		return a
	}
	return a[:6] + "..." + a[len(a)-4:]
}

func recipientAddress(c Channel, s UserNotificationSettings, vars map[string]string) string {
	switch c {
	case ChannelEmail:
		if v := s.ChannelConfig(c, "email"); v != "" {
			return v
		}
		return vars["email"]
	case ChannelSMS:
		if v := s.ChannelConfig(c, "phone"); v != "" {
			return v
		}
		return vars["phone"]
	case ChannelSlack:
		return s.ChannelConfig(c, "webhook_url")
	}
	return s.UserID
}

// record writes the delivery outcome to the lakehouse.
func (r *Runtime) record(ctx context.Context, req *NotificationRequest, res Result) {
	if r.lake == nil || r.cfg.DisableDeliveryWrite {
		return
	}
	if err := r.lake.Write(ctx, deliveriesTable, DeliveriesChain, DeliveriesSubnet, deliveryRow(req, res, r.now()), catalog.ModeMerge); err != nil {
		r.log.Warn("Failed to record delivery", "notification_id", req.NotificationID, "error", err)
	}
}

func deliveryRow(req *NotificationRequest, res Result, at time.Time) map[string]any {
	at = at.UTC()
	row := map[string]any{
		"chain_id":        subject.ChainID(DeliveriesChain, DeliveriesSubnet),
		"notification_id": res.NotificationID,
		"user_id":         res.UserID,
		"alert_id":        nullable(req.AlertID),
		"channel":         string(res.Channel),
		"priority":        nullable(string(req.Priority)),
		"delivered":       res.Delivered,
		"error_message":   nil,
		"attempts":        res.Attempts,
		"latency_ms":      float64(res.Latency.Microseconds()) / 1000,
		"created_at":      at.Format(time.RFC3339),
		"delivery_date":   at.Format("2006-01-02"),
	}
	if res.Err != nil {
		row["error_message"] = res.Err.Error()
	}
	return row
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
