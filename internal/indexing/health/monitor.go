package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/chainlake/internal/indexing/status"
)

// CheckFunc reports the health of one component.
type CheckFunc func(ctx context.Context) ComponentHealth

// StatusSource exposes the provider status. *status.Tracker satisfies it.
type StatusSource interface {
	Snapshot() status.ProviderStatus
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	checks     map[string]CheckFunc
	tracker    StatusSource
	cacheTTL   time.Duration
	lastCheck  time.Time
	lastReport HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Reports are cached for cacheTTL
// to avoid hammering dependencies from probes.
func NewMonitor(cacheTTL time.Duration) *Monitor {
	return &Monitor{
		checks:   make(map[string]CheckFunc),
		cacheTTL: cacheTTL,
	}
}

// Register adds a named check.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
	m.lastCheck = time.Time{}
}

// WatchTracker adds the subscription health rule: healthy iff at least one
// subscription is active and none is in error.
func (m *Monitor) WatchTracker(t StatusSource) {
	m.mu.Lock()
	m.tracker = t
	m.mu.Unlock()

	m.Register("subscriptions", func(context.Context) ComponentHealth {
		h := t.Snapshot().Health
		c := ComponentHealth{Name: "subscriptions", Status: StatusHealthy, Message: h.Message}
		if !h.Healthy {
			c.Status = StatusCritical
		}
		return c
	})
}

// PingCheck wraps a connectivity probe.
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Name: name, Status: StatusCritical, Message: err.Error()}
		}
		return ComponentHealth{Name: name, Status: StatusHealthy}
	}
}

// CheckHealth runs every registered check.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cacheTTL > 0 && !m.lastCheck.IsZero() && time.Since(m.lastCheck) < m.cacheTTL {
		return m.lastReport
	}

	report := HealthReport{Components: make(map[string]ComponentHealth, len(m.checks))}
	for name, check := range m.checks {
		c := check(ctx)
		c.Name = name
		report.Components[name] = c
	}
	report.SystemStatus = worst(report.Components)
	if m.tracker != nil {
		snap := m.tracker.Snapshot()
		report.Provider = &snap
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
