package sync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hyperengineering/canopy/internal/types"
)

const (
	namespace = "canopy"
	subsystem = "sync"
)

// Metrics records sync activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes   *prometheus.CounterVec
	items    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  *prometheus.GaugeVec
}

// NewMetrics registers the sync collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		passes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "passes_total",
				Help:      "Sync passes by kind and outcome (ok, partial_failure, skipped, rejected)",
			},
			[]string{"kind", "outcome"},
		),
		items: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "items_total",
				Help:      "Items pushed to the backend by kind, operation and result",
			},
			[]string{"kind", "operation", "result"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pass_duration_seconds",
				Help:      "Duration of sync passes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		pending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "failed_items",
				Help:      "Items left unsynced after the latest pass, by kind and set",
			},
			[]string{"kind", "set"},
		),
	}
}

func (m *Metrics) pass(kind types.Kind, outcome string) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) item(kind types.Kind, operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.items.WithLabelValues(string(kind), operation, result).Inc()
}

func (m *Metrics) observe(kind types.Kind, d time.Duration, failedDrafts, failedDeletions int) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
	m.pending.WithLabelValues(string(kind), "drafts").Set(float64(failedDrafts))
	m.pending.WithLabelValues(string(kind), "deletions").Set(float64(failedDeletions))
}
