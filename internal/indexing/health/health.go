// Package health provides system health monitoring and status reporting.
package health

import "github.com/vietddude/chainlake/internal/indexing/status"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the result of one component check.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  SystemStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	Provider     *status.ProviderStatus     `json:"provider,omitempty"`
}

// worst aggregates component states; the worst case wins.
func worst(components map[string]ComponentHealth) SystemStatus {
	out := StatusHealthy
	for _, c := range components {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			out = StatusDegraded
		}
	}
	return out
}
