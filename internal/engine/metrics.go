package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/patchkit/internal/ir"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	batchItems    *prometheus.CounterVec
	itemDuration  *prometheus.HistogramVec
	applyFailures *prometheus.CounterVec
}

// NewMetrics creates the engine collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		batchItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchkit_batch_items_total",
			Help: "Batch items processed by operation and outcome status",
		}, []string{"op", "status"}),

		itemDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchkit_batch_item_seconds",
			Help:    "Time to process one batch item",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 300},
		}, []string{"op"}),

		applyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchkit_apply_failures_total",
			Help: "Failed applies by error code",
		}, []string{"code"}),
	}
}

func (m *Metrics) observeItem(op ir.OperationKind, status ir.OutcomeStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues(string(op), string(status)).Inc()
	m.itemDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

func (m *Metrics) observeApplyFailure(err error) {
	if m == nil {
		return
	}
	code := string(ir.CodeOf(err))
	if code == "" {
		code = "UNKNOWN"
	}
	m.applyFailures.WithLabelValues(code).Inc()
}
