// Package schedule indexes alert instances by their next fire time and
// publishes due fires with deterministic request ids.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/chainlake/internal/indexing/metrics"
	"github.com/vietddude/chainlake/internal/infra/bus"
	"github.com/vietddude/chainlake/internal/infra/redis"
)

// Config controls the scanner.
type Config struct {
	TickInterval          time.Duration `yaml:"tick_interval"`
	InstanceScanBatchSize int64         `yaml:"instance_scan_batch_size"`
	DueBatchSize          int64         `yaml:"schedule_due_batch_size"`
	// MaxCatchUpTicks bounds the overdue ticks replayed per member per pass.
	MaxCatchUpTicks int    `yaml:"max_catch_up_ticks"`
	Source          string `yaml:"source"`
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.InstanceScanBatchSize <= 0 {
		c.InstanceScanBatchSize = 500
	}
	if c.DueBatchSize <= 0 {
		c.DueBatchSize = 100
	}
	if c.MaxCatchUpTicks <= 0 {
		c.MaxCatchUpTicks = 10000
	}
	if c.Source == "" {
		c.Source = DefaultSource
	}
	return c
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5 or 6 field cron expression or a descriptor.
func ParseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, errors.New("cron expression is empty")
	}
	return parser.Parse(expr)
}

// Scanner is a singleton: run exactly one per deployment.
type Scanner struct {
	cfg    Config
	rdb    goredis.Cmdable
	bus    bus.Bus
	cursor uint64
	now    func() time.Time
	log    *slog.Logger
}

func NewScanner(cfg Config, rdb goredis.Cmdable, b bus.Bus) *Scanner {
	return &Scanner{
		cfg: cfg.withDefaults(),
		rdb: rdb,
		bus: b,
		now: time.Now,
		log: slog.Default().With("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("Schedule scanner started", "tick", s.cfg.TickInterval)
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs refresh, then due one-shots, then due periodics. A failing
// phase does not block the others.
func (s *Scanner) Tick(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.log.Error("Refresh failed", "error", err)
	}
	if _, err := s.PublishDueOneShots(ctx); err != nil {
		s.log.Error("Publishing one-shots failed", "error", err)
	}
	if _, err := s.PublishDuePeriodics(ctx); err != nil {
		s.log.Error("Publishing periodics failed", "error", err)
	}
	s.observeIndexSize(ctx)
}

// Refresh indexes one page of instances and advances the scan cursor.
func (s *Scanner) Refresh(ctx context.Context) error {
	keys, next, err := s.rdb.Scan(ctx, s.cursor, redis.InstancePattern(), s.cfg.InstanceScanBatchSize).Result()
	if err != nil {
		return fmt.Errorf("scan instances: %w", err)
	}
	s.cursor = next
	if len(keys) == 0 {
		return nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	now := s.now().UTC()
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var inst InstanceSnapshot
		if err := json.Unmarshal([]byte(raw), &inst); err != nil {
			s.log.Warn("Skipping malformed instance", "key", keys[i], "error", err)
			continue
		}
		if inst.InstanceID == "" {
			inst.InstanceID = redis.InstanceIDFromKey(keys[i])
		}
		if err := s.index(ctx, inst, now); err != nil {
			s.log.Warn("Failed to index instance", "instance_id", inst.InstanceID, "error", err)
		}
	}
	return nil
}

func (s *Scanner) index(ctx context.Context, inst InstanceSnapshot, now time.Time) error {
	id := inst.InstanceID
	if !inst.Enabled {
		return s.unindex(ctx, id)
	}

	switch inst.TriggerType {
	case TriggerPeriodic:
		indexed, err := s.indexed(ctx, redis.SchedulePeriodicKey, id)
		if err != nil || indexed {
			return err
		}
		sched, err := ParseCron(inst.CronExpression())
		if err != nil {
			return fmt.Errorf("invalid cron %q: %w", inst.CronExpression(), err)
		}
		next := sched.Next(now)
		if next.IsZero() {
			return nil
		}
		return s.rdb.ZAddNX(ctx, redis.SchedulePeriodicKey, goredis.Z{Score: float64(next.Unix()), Member: id}).Err()

	case TriggerOneTime:
		fired, err := s.rdb.Exists(ctx, redis.FiredMarkerKey(id)).Result()
		if err != nil {
			return err
		}
		if fired > 0 {
			return s.rdb.ZRem(ctx, redis.ScheduleOneTimeKey, id).Err()
		}
		indexed, err := s.indexed(ctx, redis.ScheduleOneTimeKey, id)
		if err != nil || indexed {
			return err
		}
		runAt, err := inst.RunAt()
		if err != nil {
			return err
		}
		return s.rdb.ZAddNX(ctx, redis.ScheduleOneTimeKey, goredis.Z{Score: float64(runAt.Unix()), Member: id}).Err()
	}
	return nil
}

func (s *Scanner) indexed(ctx context.Context, key, id string) (bool, error) {
	_, err := s.rdb.ZScore(ctx, key, id).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	return err == nil, err
}

func (s *Scanner) unindex(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRem(ctx, redis.SchedulePeriodicKey, id)
		p.ZRem(ctx, redis.ScheduleOneTimeKey, id)
		return nil
	})
	return err
}

func (s *Scanner) due(ctx context.Context, key string, now time.Time) ([]goredis.Z, error) {
	return s.rdb.ZRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: s.cfg.DueBatchSize,
	}).Result()
}

func (s *Scanner) publish(ctx context.Context, triggerType, subject, id string, tick, now time.Time) error {
	msg := AlertScheduleV1{
		SchemaVersion: SchemaVersion,
		RequestID:     RequestID(triggerType, id, tick),
		InstanceID:    id,
		ScheduledFor:  tick.UTC(),
		RequestedAt:   now.UTC(),
		Source:        s.cfg.Source,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.bus.PublishWithID(ctx, subject, data, msg.RequestID); err != nil {
		return fmt.Errorf("publish %s fire for %s: %w", triggerType, id, err)
	}
	metrics.SchedulePublished.WithLabelValues(triggerType).Inc()
	return nil
}

// PublishDueOneShots fires every due one-shot and removes it from the
// index. The fired marker is written by the consumer.
func (s *Scanner) PublishDueOneShots(ctx context.Context) (int, error) {
	now := s.now().UTC()
	entries, err := s.due(ctx, redis.ScheduleOneTimeKey, now)
	if err != nil {
		return 0, fmt.Errorf("load due one-shots: %w", err)
	}

	published := 0
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		tick := time.Unix(int64(z.Score), 0).UTC()
		if err := s.publish(ctx, TriggerOneTime, OneTimeSubject, id, tick, now); err != nil {
			s.log.Error("One-shot publish failed", "instance_id", id, "error", err)
			continue
		}
		published++
		if err := s.rdb.ZRem(ctx, redis.ScheduleOneTimeKey, id).Err(); err != nil {
			s.log.Error("Failed to remove fired one-shot", "instance_id", id, "error", err)
		}
	}
	return published, nil
}

// PublishDuePeriodics replays every overdue tick of each due periodic in
// order, advancing the index score after each publish.
func (s *Scanner) PublishDuePeriodics(ctx context.Context) (int, error) {
	now := s.now().UTC()
	entries, err := s.due(ctx, redis.SchedulePeriodicKey, now)
	if err != nil {
		return 0, fmt.Errorf("load due periodics: %w", err)
	}

	published := 0
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		n, err := s.firePeriodic(ctx, id, time.Unix(int64(z.Score), 0).UTC(), now)
		published += n
		if err != nil {
			s.log.Error("Periodic fire failed", "instance_id", id, "error", err)
		}
	}
	return published, nil
}

func (s *Scanner) firePeriodic(ctx context.Context, id string, tick, now time.Time) (int, error) {
	var inst InstanceSnapshot
	found, err := redis.GetJSON(ctx, s.rdb, redis.InstanceKey(id), &inst)
	if err != nil {
		return 0, err
	}
	if !found || !inst.Enabled || inst.TriggerType != TriggerPeriodic {
		return 0, s.rdb.ZRem(ctx, redis.SchedulePeriodicKey, id).Err()
	}
	sched, err := ParseCron(inst.CronExpression())
	if err != nil {
		_ = s.rdb.ZRem(ctx, redis.SchedulePeriodicKey, id).Err()
		return 0, fmt.Errorf("invalid cron: %w", err)
	}

	published := 0
	for !tick.After(now) && published < s.cfg.MaxCatchUpTicks {
		if err := s.publish(ctx, TriggerPeriodic, PeriodicSubject, id, tick, now); err != nil {
			return published, err
		}
		published++

		next := sched.Next(tick)
		if next.IsZero() {
			return published, s.rdb.ZRem(ctx, redis.SchedulePeriodicKey, id).Err()
		}
		if err := s.rdb.ZAddXX(ctx, redis.SchedulePeriodicKey, goredis.Z{Score: float64(next.Unix()), Member: id}).Err(); err != nil {
			return published, fmt.Errorf("advance index: %w", err)
		}
		tick = next
	}
	if published >= s.cfg.MaxCatchUpTicks {
		s.log.Warn("Catch-up limit reached, resuming next pass", "instance_id", id, "next_tick", tick)
	}
	return published, nil
}

func (s *Scanner) observeIndexSize(ctx context.Context) {
	for trigger, key := range map[string]string{
		TriggerPeriodic: redis.SchedulePeriodicKey,
		TriggerOneTime:  redis.ScheduleOneTimeKey,
	} {
		if n, err := s.rdb.ZCard(ctx, key).Result(); err == nil {
			metrics.ScheduleIndexSize.WithLabelValues(trigger).Set(float64(n))
		}
	}
}
