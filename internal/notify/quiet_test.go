package notify

import (
	"testing"
	"time"
)

func TestQuietHours(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 1, 1, h, m, 0, 0, time.UTC) }

	overnight := &QuietHours{Enabled: true, Start: "22:00", End: "07:00", PriorityOverride: []Priority{PriorityCritical}}
	daytime := &QuietHours{Enabled: true, Start: "09:00", End: "17:30"}

	tests := []struct {
		name string
		q    *QuietHours
		p    Priority
		t    time.Time
		want bool
	}{
		{"before window", overnight, PriorityNormal, at(21, 59), false},
		{"window start", overnight, PriorityNormal, at(22, 0), true},
		{"after midnight", overnight, PriorityHigh, at(3, 0), true},
		{"window end", overnight, PriorityNormal, at(7, 0), false},
		{"override", overnight, PriorityCritical, at(23, 0), false},
		{"daytime inside", daytime, PriorityLow, at(12, 0), true},
		{"daytime outside", daytime, PriorityLow, at(17, 30), false},
		{"disabled", &QuietHours{Start: "00:00", End: "23:59"}, PriorityLow, at(12, 0), false},
		{"nil", nil, PriorityLow, at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.q.Blocks(tt.p, tt.t)
			if err != nil {
				t.Fatalf("Blocks: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuietHoursTimezone(t *testing.T) {
	q := &QuietHours{Enabled: true, Start: "22:00", End: "06:00", Timezone: "Asia/Ho_Chi_Minh"}
	// 16:00 UTC is 23:00 in UTC+7
	blocked, err := q.Blocks(PriorityNormal, time.Date(2026, 1, 1, 16, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if !blocked {
		t.Error("expected local time to be inside the window")
	}

	bad := &QuietHours{Enabled: true, Start: "25:00", End: "06:00"}
	if _, err := bad.Active(time.Now()); err == nil {
		t.Error("expected invalid clock error")
	}
}
