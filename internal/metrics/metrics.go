package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angariumd/gpuledger/internal/models"
)

const namespace = "gpuledger"

// Metrics are updated after a transaction commits, never inside one, so a
// retried transaction is not counted twice.
type Metrics struct {
	ObservationsTotal *prometheus.CounterVec
	SessionsStarted   *prometheus.CounterVec
	SessionsEnded     *prometheus.CounterVec
	UsageMinutes      *prometheus.CounterVec
	StoreRetries      prometheus.Counter
	RunningSessions   prometheus.Gauge
	SweepDuration     prometheus.Histogram
}

func New(registerer prometheus.Registerer) *Metrics {
	observationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "observations_total",
			Help:      "Observations received from agents, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	registerer.MustRegister(observationsTotal)

	sessionsStarted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Sessions that entered RUNNING, by origin.",
		},
		[]string{"origin"},
	)
	registerer.MustRegister(sessionsStarted)

	sessionsEnded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "ended_total",
			Help:      "Sessions that reached ENDED, by reason.",
		},
		[]string{"reason"},
	)
	registerer.MustRegister(sessionsEnded)

	usageMinutes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "minutes_total",
			Help:      "Minutes written to the usage ledger, by tag.",
		},
		[]string{"tag"},
	)
	registerer.MustRegister(usageMinutes)

	storeRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "tx_retries_total",
		Help: "Transactions rerun after a version conflict or a busy database.",
	})
	registerer.MustRegister(storeRetries)

	runningSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sessions", Name: "running",
		Help: "RUNNING sessions as of the last sweep.",
	})
	registerer.MustRegister(runningSessions)

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "sweeper", Name: "duration_seconds",
		Help:    "Time taken by one sweep pass.",
		Buckets: prometheus.DefBuckets,
	})
	registerer.MustRegister(sweepDuration)

	return &Metrics{
		ObservationsTotal: observationsTotal,
		SessionsStarted:   sessionsStarted,
		SessionsEnded:     sessionsEnded,
		UsageMinutes:      usageMinutes,
		StoreRetries:      storeRetries,
		RunningSessions:   runningSessions,
		SweepDuration:     sweepDuration,
	}
}

// ObserveUsage counts committed usage records.
func (m *Metrics) ObserveUsage(logs ...models.UsageLog) {
	for _, l := range logs {
		m.UsageMinutes.WithLabelValues(string(l.Tag)).Add(float64(l.Minutes))
	}
}
