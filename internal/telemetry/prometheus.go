package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics records the same counter/timer/gauge vocabulary as
// OtelMetrics but through a prometheus.Registerer, for deployments that
// scrape /metrics directly instead of running an OTEL collector. Both
// implementations can be composed by wrapping a Metrics value in a small
// multi-writer if an operator wants both sinks.
type PrometheusMetrics struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics constructs a Metrics recorder backed by reg. Vectors
// are created lazily on first use, keyed by metric name; the tag keys of
// the first call for a given name fix that metric's label set.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	cv, ok := m.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, keys)
		m.reg.MustRegister(cv)
		m.counters[name] = cv
	}
	m.mu.Unlock()
	cv.WithLabelValues(values...).Add(value)
}

func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	hv, ok := m.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, keys)
		m.reg.MustRegister(hv)
		m.histograms[name] = hv
	}
	m.mu.Unlock()
	hv.WithLabelValues(values...).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	m.mu.Lock()
	gv, ok := m.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, keys)
		m.reg.MustRegister(gv)
		m.gauges[name] = gv
	}
	m.mu.Unlock()
	gv.WithLabelValues(values...).Set(value)
}

func splitTags(tags []string) (keys, values []string) {
	for i := 0; i+1 < len(tags); i += 2 {
		keys = append(keys, tags[i])
		values = append(values, tags[i+1])
	}
	return keys, values
}
