package notify

import (
	"sync"
	"time"

	"github.com/vietddude/chainlake/internal/indexing/metrics"
)

// unhealthyAfter consecutive failures mark a channel unhealthy.
const unhealthyAfter = 5

// PriorityMetrics is the per-priority breakdown of a channel.
type PriorityMetrics struct {
	Sent         uint64  `json:"sent"`
	Successful   uint64  `json:"successful"`
	Failed       uint64  `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ChannelMetrics are the running counters of one channel.
type ChannelMetrics struct {
	Channel             Channel                      `json:"channel"`
	TotalSent           uint64                       `json:"total_sent"`
	Successful          uint64                       `json:"successful"`
	Failed              uint64                       `json:"failed"`
	ByPriority          map[Priority]PriorityMetrics `json:"by_priority"`
	ByErrorKind         map[ErrorKind]uint64         `json:"by_error_kind"`
	MinLatencyMs        float64                      `json:"min_latency_ms"`
	AvgLatencyMs        float64                      `json:"avg_latency_ms"`
	MaxLatencyMs        float64                      `json:"max_latency_ms"`
	ConsecutiveFailures int                          `json:"consecutive_failures"`
	Healthy             bool                         `json:"healthy"`
}

// MetricsRegistry aggregates ChannelMetrics per channel and mirrors them to
// Prometheus.
type MetricsRegistry struct {
	mu       sync.Mutex
	channels map[Channel]*ChannelMetrics
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{channels: make(map[Channel]*ChannelMetrics)}
}

func (r *MetricsRegistry) get(c Channel) *ChannelMetrics {
	m, ok := r.channels[c]
	if !ok {
		m = &ChannelMetrics{
			Channel:     c,
			ByPriority:  make(map[Priority]PriorityMetrics),
			ByErrorKind: make(map[ErrorKind]uint64),
			Healthy:     true,
		}
		r.channels[c] = m
	}
	return m
}

// Record accounts one delivery outcome. Latency is only tracked for sends.
func (r *MetricsRegistry) Record(c Channel, p Priority, latency time.Duration, err error) {
	if p == "" {
		p = PriorityNormal
	}
	ms := float64(latency.Microseconds()) / 1000

	r.mu.Lock()
	m := r.get(c)
	m.TotalSent++
	pm := m.ByPriority[p]
	pm.Sent++
	if err == nil {
		m.Successful++
		pm.Successful++
		m.ConsecutiveFailures = 0

		if m.Successful == 1 || ms < m.MinLatencyMs {
			m.MinLatencyMs = ms
		}
		if ms > m.MaxLatencyMs {
			m.MaxLatencyMs = ms
		}
		m.AvgLatencyMs += (ms - m.AvgLatencyMs) / float64(m.Successful)
		pm.AvgLatencyMs += (ms - pm.AvgLatencyMs) / float64(pm.Successful)
	} else {
		m.Failed++
		pm.Failed++
		m.ConsecutiveFailures++
		m.ByErrorKind[KindOf(err)]++
	}
	m.ByPriority[p] = pm
	m.Healthy = m.ConsecutiveFailures < unhealthyAfter
	r.mu.Unlock()

	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(string(c), "delivered").Inc()
		metrics.NotificationLatency.WithLabelValues(string(c)).Observe(latency.Seconds())
	} else {
		metrics.NotificationsTotal.WithLabelValues(string(c), string(KindOf(err))).Inc()
	}
}

// Snapshot returns a copy of the metrics of c.
func (r *MetricsRegistry) Snapshot(c Channel) ChannelMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(c).clone()
}

// All returns a copy of every channel's metrics.
func (r *MetricsRegistry) All() map[Channel]ChannelMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Channel]ChannelMetrics, len(r.channels))
	for c, m := range r.channels {
		out[c] = m.clone()
	}
	return out
}

func (m *ChannelMetrics) clone() ChannelMetrics {
	out := *m
	out.ByPriority = make(map[Priority]PriorityMetrics, len(m.ByPriority))
	for k, v := range m.ByPriority {
		out.ByPriority[k] = v
	}
	out.ByErrorKind = make(map[ErrorKind]uint64, len(m.ByErrorKind))
	for k, v := range m.ByErrorKind {
		out.ByErrorKind[k] = v
	}
	return out
}
