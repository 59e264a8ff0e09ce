// Package metrics provides Prometheus metrics for udp-obfuscat.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udp_obfuscat"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Listener metrics
	Listeners prometheus.Gauge

	// Flow metrics
	FlowsActive   prometheus.Gauge
	FlowsCreated  *prometheus.CounterVec
	FlowsEvicted  *prometheus.CounterVec
	FlowLifetime  prometheus.Histogram
	Sweeps        prometheus.Counter
	SweepDuration prometheus.Histogram

	// Datagram metrics
	Datagrams *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Drops     *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Listeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Number of bound listener sockets",
		}),

		FlowsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_active",
			Help:      "Number of live flows",
		}),
		FlowsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_created_total",
			Help:      "Total flows created by listener",
		}, []string{"listener"}),
		FlowsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_evicted_total",
			Help:      "Total flows evicted by reason",
		}, []string{"reason"}),
		FlowLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_lifetime_seconds",
			Help:      "Lifetime of evicted flows",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600, 14400},
		}),
		Sweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total idle sweeps run",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in idle sweeps",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),

		Datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Total datagrams relayed by direction",
		}, []string{"direction"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),
		Drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Total datagrams dropped by direction and reason",
		}, []string{"direction", "reason"}),
	}
}

// SetListeners records the number of bound listeners.
func (m *Metrics) SetListeners(n int) {
	m.Listeners.Set(float64(n))
}

// FlowCreated records a new flow on listener.
func (m *Metrics) FlowCreated(listener int) {
	m.FlowsActive.Inc()
	m.FlowsCreated.WithLabelValues(strconv.Itoa(listener)).Inc()
}

// FlowEvicted records a removed flow.
func (m *Metrics) FlowEvicted(reason string, lifetime time.Duration) {
	m.FlowsActive.Dec()
	m.FlowsEvicted.WithLabelValues(reason).Inc()
	m.FlowLifetime.Observe(lifetime.Seconds())
}

// Swept records one idle sweep.
func (m *Metrics) Swept(removed int, took time.Duration) {
	m.Sweeps.Inc()
	m.SweepDuration.Observe(took.Seconds())
}

// Datagram records a relayed datagram.
func (m *Metrics) Datagram(direction string, bytes int) {
	m.Datagrams.WithLabelValues(direction).Inc()
	m.Bytes.WithLabelValues(direction).Add(float64(bytes))
}

// Dropped records a dropped datagram.
func (m *Metrics) Dropped(direction, reason string) {
	m.Drops.WithLabelValues(direction, reason).Inc()
}
