package obs

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// PromMeter bridges Meter to Prometheus. Vectors are registered on first
// use; a metric name must always be emitted with the same label keys.
type PromMeter struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromMeter returns a PromMeter registering into reg.
func NewPromMeter(reg prometheus.Registerer, namespace string) *PromMeter {
	return &PromMeter{
		Registerer: reg,
		Namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	keys, vals := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.Namespace,
			Name:      name,
			Help:      helpFor(name),
		}, keys)
		vec = m.registerCounter(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	if c, err := vec.GetMetricWith(vals); err == nil {
		c.Add(value)
	}
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	keys, vals := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		buckets := m.Buckets
		if buckets == nil {
			buckets = prometheus.ExponentialBuckets(1, 2, 14) // 1ms .. ~8s
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.Namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   buckets,
		}, keys)
		vec = m.registerHistogram(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	if h, err := vec.GetMetricWith(vals); err == nil {
		h.Observe(value)
	}
}

func (m *PromMeter) registerCounter(vec *prometheus.CounterVec) *prometheus.CounterVec {
	if m.Registerer == nil {
		return vec
	}
	if err := m.Registerer.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

func (m *PromMeter) registerHistogram(vec *prometheus.HistogramVec) *prometheus.HistogramVec {
	if m.Registerer == nil {
		return vec
	}
	if err := m.Registerer.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return vec
}

func splitLabels(labels []Label) ([]string, prometheus.Labels) {
	keys := make([]string, 0, len(labels))
	vals := make(prometheus.Labels, len(labels))
	for _, l := range labels {
		if _, dup := vals[l.Key]; !dup {
			keys = append(keys, l.Key)
		}
		vals[l.Key] = l.Value
	}
	sort.Strings(keys)
	return keys, vals
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
