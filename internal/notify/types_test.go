package notify

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *NotificationRequest)
		ok     bool
	}{
		{"valid", func(*NotificationRequest) {}, true},
		{"no alert", func(r *NotificationRequest) { r.AlertID = "" }, false},
		{"no channels", func(r *NotificationRequest) { r.TargetChannels = nil }, false},
		{"bad channel", func(r *NotificationRequest) { r.TargetChannels = []Channel{"fax"} }, false},
		{"bad priority", func(r *NotificationRequest) { r.Priority = "urgent" }, false},
		{"long subject", func(r *NotificationRequest) { r.Subject = strings.Repeat("s", MaxSubjectLen+1) }, false},
		{"empty content", func(r *NotificationRequest) { r.TextContent = "" }, false},
		{"bad action url", func(r *NotificationRequest) { r.Actions = []Action{{Label: "x", URL: "javascript:1"}} }, false},
		{"bad email", func(r *NotificationRequest) { r.Variables["email"] = "nope" }, false},
		{"good email", func(r *NotificationRequest) { r.Variables["email"] = "a@b.co" }, true},
		{"bad phone", func(r *NotificationRequest) { r.Variables["phone"] = "0901" }, false},
		{"good phone", func(r *NotificationRequest) { r.Variables["phone"] = "+84901234567" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := request(ChannelWebSocket)
			tt.mutate(r)
			err := r.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tt.ok && KindOf(err) != KindInvalidRequest {
				t.Errorf("expected invalid request, got %v", err)
			}
		})
	}
}
