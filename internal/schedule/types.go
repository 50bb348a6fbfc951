package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	TriggerPeriodic = "periodic"
	TriggerOneTime  = "one_time"

	OneTimeSubject  = "alerts.schedule.one_time"
	PeriodicSubject = "alerts.schedule.periodic"

	SchemaVersion = 1
	DefaultSource = "job_scheduler_scan"
)

// InstanceSnapshot is the alert instance stored under alerts:instance:{id}.
type InstanceSnapshot struct {
	InstanceID    string         `json:"instance_id"`
	UserID        string         `json:"user_id,omitempty"`
	Enabled       bool           `json:"enabled"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config"`
}

// CronExpression returns trigger_config.cron or trigger_config.cron_expression.
func (s InstanceSnapshot) CronExpression() string {
	for _, k := range []string{"cron", "cron_expression"} {
		if v, ok := s.TriggerConfig[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// RunAt parses trigger_config.run_at as RFC3339.
func (s InstanceSnapshot) RunAt() (time.Time, error) {
	v, ok := s.TriggerConfig["run_at"].(string)
	if !ok || v == "" {
		return time.Time{}, fmt.Errorf("instance %s: run_at is missing", s.InstanceID)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("instance %s: invalid run_at: %w", s.InstanceID, err)
	}
	return t.UTC(), nil
}

// AlertScheduleV1 is the fire message of both trigger types.
type AlertScheduleV1 struct {
	SchemaVersion int       `json:"schema_version"`
	RequestID     string    `json:"request_id"`
	InstanceID    string    `json:"instance_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
	RequestedAt   time.Time `json:"requested_at"`
	Source        string    `json:"source"`
}

type (
	AlertScheduleOneTimeV1  = AlertScheduleV1
	AlertSchedulePeriodicV1 = AlertScheduleV1
)

// RequestID is the deterministic id of one fire:
// UUIDv5(NAMESPACE_URL, "{trigger_type}:{instance_id}:{rfc3339(tick)}").
func RequestID(triggerType, instanceID string, tick time.Time) string {
	name := fmt.Sprintf("%s:%s:%s", triggerType, instanceID, tick.UTC().Format(time.RFC3339))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
