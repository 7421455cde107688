package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics. Collectors are created unregistered
// so several instances can coexist in one test binary; call MustRegister to
// expose them.
type Metrics struct {
	// Queue related metrics
	QueueEntries     *prometheus.GaugeVec
	EntriesEnqueued  prometheus.Counter
	DeliveryOutcomes *prometheus.CounterVec
	EntriesRemoved   *prometheus.CounterVec

	// Drain metrics
	DrainRuns         *prometheus.CounterVec
	DrainDuration     prometheus.Histogram
	LockContention    prometheus.Counter
	EvictionsDetected prometheus.Counter

	// Breaker metrics
	BreakerOpen  *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// API client metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		QueueEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "entries",
			Help:      "Current number of queue entries by status",
		}, []string{"status"}),
		EntriesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of entries written to the queue",
		}),
		DeliveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "delivery_outcomes_total",
			Help:      "Delivery attempts by classified outcome",
		}, []string{"outcome"}),
		EntriesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "entries_removed_total",
			Help:      "Entries removed by retention or acknowledgement",
		}, []string{"reason"}),

		DrainRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drain",
			Name:      "runs_total",
			Help:      "Drain runs by result",
		}, []string{"result"}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "drain",
			Name:      "duration_seconds",
			Help:      "Time spent in a drain run",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drain",
			Name:      "lock_contention_total",
			Help:      "Drain attempts that found the lock held by another owner",
		}),
		EvictionsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "evictions_detected_total",
			Help:      "Times pending entries vanished without being delivered",
		}),

		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "open",
			Help:      "1 while the breaker is open",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Closed to open transitions",
		}, []string{"name"}),

		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Outbound API requests by endpoint and result code",
		}, []string{"endpoint", "code"}),
		APILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Outbound API request latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.QueueEntries,
		m.EntriesEnqueued,
		m.DeliveryOutcomes,
		m.EntriesRemoved,
		m.DrainRuns,
		m.DrainDuration,
		m.LockContention,
		m.EvictionsDetected,
		m.BreakerOpen,
		m.BreakerTrips,
		m.APIRequests,
		m.APILatency,
	}
}

// MustRegister registers every collector with reg.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.collectors()...)
}
