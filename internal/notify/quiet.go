package notify

import (
	"fmt"
	"time"
)

// QuietHours suppresses deliveries inside a daily window. Start and End are
// "HH:MM" in Timezone; a window with End before Start wraps midnight.
type QuietHours struct {
	Enabled          bool       `json:"enabled"`
	Start            string     `json:"start"`
	End              string     `json:"end"`
	Timezone         string     `json:"timezone,omitempty"`
	PriorityOverride []Priority `json:"priority_override,omitempty"`
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Active reports whether t falls inside the window.
func (q *QuietHours) Active(t time.Time) (bool, error) {
	if q == nil || !q.Enabled {
		return false, nil
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false, err
	}
	if q.Timezone != "" {
		loc, err := time.LoadLocation(q.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", q.Timezone, err)
		}
		t = t.In(loc)
	} else {
		t = t.UTC()
	}

	m := t.Hour()*60 + t.Minute()
	switch {
	case start == end:
		return false, nil
	case start < end:
		return m >= start && m < end, nil
	default:
		return m >= start || m < end, nil
	}
}

// Overrides reports whether p bypasses the window.
func (q *QuietHours) Overrides(p Priority) bool {
	if q == nil {
		return false
	}
	for _, o := range q.PriorityOverride {
		if o == p {
			return true
		}
	}
	return false
}

// Blocks reports whether a notification of priority p is suppressed at t.
func (q *QuietHours) Blocks(p Priority, t time.Time) (bool, error) {
	active, err := q.Active(t)
	if err != nil || !active {
		return false, err
	}
	return !q.Overrides(p), nil
}
