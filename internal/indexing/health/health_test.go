package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/chainlake/internal/indexing/status"
)

func newTracker() *status.Tracker {
	return status.New(status.Config{ProviderID: "test", ProviderType: "evm"}, nil)
}

func TestMonitor_TrackerRule(t *testing.T) {
	tracker := newTracker()
	m := NewMonitor(0)
	m.WatchTracker(tracker)

	// no subscriptions yet
	if got := m.CheckHealth(context.Background()).SystemStatus; got != StatusCritical {
		t.Errorf("expected critical without active subscriptions, got %s", got)
	}

	tracker.RegisterSubscription("eth")
	tracker.RecordConnectionChange("eth", true)
	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if report.Provider == nil || report.Provider.ProviderID != "test" {
		t.Errorf("expected provider status in report, got %+v", report.Provider)
	}

	tracker.RecordError("eth", "decode failed", false)
	if got := m.CheckHealth(context.Background()).SystemStatus; got != StatusCritical {
		t.Errorf("expected critical after non-recoverable error, got %s", got)
	}
}

func TestMonitor_WorstWins(t *testing.T) {
	m := NewMonitor(0)
	m.Register("a", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusHealthy} })
	m.Register("b", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusDegraded} })

	report := m.CheckHealth(context.Background())
	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if report.Components["b"].Name != "b" {
		t.Errorf("expected component name to be set")
	}

	m.Register("db", PingCheck("db", func(context.Context) error { return errors.New("connection refused") }))
	report = m.CheckHealth(context.Background())
	if report.SystemStatus != StatusCritical || report.Components["db"].Message != "connection refused" {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	calls := 0
	m := NewMonitor(time.Minute)
	m.Register("x", func(context.Context) ComponentHealth {
		calls++
		return ComponentHealth{Status: StatusHealthy}
	})
	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	if calls != 1 {
		t.Errorf("expected cached report, got %d checks", calls)
	}
}

func TestServer_Endpoints(t *testing.T) {
	tracker := newTracker()
	m := NewMonitor(0)
	m.WatchTracker(tracker)
	srv := httptest.NewServer(NewServer(m, 0).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}

	tracker.RegisterSubscription("eth")
	tracker.RecordBlockReceived("eth", 1, 10)
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatalf("GET /health/detailed: %v", err)
	}
	defer resp.Body.Close()
	var report HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Provider == nil || len(report.Provider.Subscriptions) != 1 {
		t.Errorf("expected subscription in detailed report, got %+v", report.Provider)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected metrics 200, got %d", resp.StatusCode)
	}
}
