package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flowerfund/internal/ledger/domain"
)

var (
	// OpsTotal counts ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowerfund",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type, retries included.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowerfund",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"type"},
	)

	// OpErrors counts failed operations by type and error kind.
	OpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowerfund",
			Name:      "ledger_operation_errors_total",
			Help:      "Failed ledger operations by type and error kind.",
		},
		[]string{"type", "kind"},
	)

	// ContentionRetries counts attempts retried after losing a race.
	ContentionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowerfund",
			Name:      "ledger_contention_retries_total",
			Help:      "Ledger transaction attempts retried after contention.",
		},
		[]string{"type"},
	)

	// ConservationDrift is the last reconciled difference between stored
	// balances and external inflows minus outflows. Anything but zero is a bug.
	ConservationDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowerfund",
			Name:      "ledger_conservation_drift_points",
			Help:      "Stored balances minus (top-ups - payouts) at the last reconciliation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		OpErrors,
		ContentionRetries,
		ConservationDrift,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func observeError(opType string, err error) {
	OpErrors.WithLabelValues(opType, string(domain.KindOf(err))).Inc()
}
