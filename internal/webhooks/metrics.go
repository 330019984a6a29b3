package webhooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome classifies how one batch item ended.
type Outcome string

const (
	OutcomeProcessed         Outcome = "processed"
	OutcomeSkippedUnresolved Outcome = "skipped_unresolved"
	OutcomeRejected          Outcome = "rejected"
	OutcomeUnmatched         Outcome = "unmatched"
	OutcomeFailed            Outcome = "failed"
)

// Metrics holds the webhook pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	deliveries    *prometheus.CounterVec
	items         *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	spills        prometheus.Counter
	lastProcessed *prometheus.GaugeVec
}

// NewMetrics builds the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stride",
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Number of acknowledged webhook deliveries by kind.",
		}, []string{"kind"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stride",
			Subsystem: "webhooks",
			Name:      "items_total",
			Help:      "Number of webhook batch items by kind and outcome.",
		}, []string{"kind", "outcome"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stride",
			Subsystem: "webhooks",
			Name:      "malformed_deliveries_total",
			Help:      "Number of deliveries whose body could not be decoded.",
		}, []string{"kind"}),
		spills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stride",
			Subsystem: "webhooks",
			Name:      "queue_spills_total",
			Help:      "Number of deliveries processed outside the worker pool because the queue was full.",
		}),
		lastProcessed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stride",
			Subsystem: "webhooks",
			Name:      "last_processed_timestamp_seconds",
			Help:      "Unix timestamp of the most recently processed delivery per kind.",
		}, []string{"kind"}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{
			metrics.deliveries, metrics.items, metrics.malformed, metrics.spills, metrics.lastProcessed,
		} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return metrics, nil
}

func (m *Metrics) recordDelivery(kind Kind) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordItem(kind Kind, outcome Outcome) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(string(kind), string(outcome)).Inc()
}

func (m *Metrics) recordMalformed(kind Kind) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) recordSpill() {
	if m == nil {
		return
	}
	m.spills.Inc()
}

func (m *Metrics) recordProcessed(kind Kind, at time.Time) {
	if m == nil || at.IsZero() {
		return
	}
	m.lastProcessed.WithLabelValues(string(kind)).Set(float64(at.Unix()))
}
