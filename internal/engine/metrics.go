package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine units of work. Values are only updated after a unit commits, so
// replayed attempts are not double counted.
type Metrics struct {
	Registry        *prometheus.Registry
	Operations      *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	LettersCreated  *prometheus.CounterVec
	LettersDrained  prometheus.Counter
	LettersReleased prometheus.Counter
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by name and result.",
		}, []string{"op", "result"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quill",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "engine",
			Name:      "retries_total",
			Help:      "Units of work replayed after a store conflict.",
		}, []string{"op"}),
		LettersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "letters_created_total",
			Help:      "Letters created, by whether a doll took them at once.",
		}, []string{"outcome"}),
		LettersDrained: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "letters_drained_total",
			Help:      "Waiting letters assigned to a doll by a drain.",
		}),
		LettersReleased: f.NewCounter(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "letters_released_total",
			Help:      "Letters returned to the waiting pool by a doll release.",
		}),
	}
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, Kind(err)).Inc()
	m.Duration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) retry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

func (m *Metrics) created(outcome string) {
	if m == nil {
		return
	}
	m.LettersCreated.WithLabelValues(outcome).Inc()
}

func (m *Metrics) drained(n int) {
	if m == nil || n == 0 {
		return
	}
	m.LettersDrained.Add(float64(n))
}

func (m *Metrics) released(n int) {
	if m == nil || n == 0 {
		return
	}
	m.LettersReleased.Add(float64(n))
}
