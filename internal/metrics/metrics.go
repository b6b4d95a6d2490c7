// Package metrics exposes engine counters to Prometheus. A nil *Metrics is a
// valid no-op recorder.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewardpools/stake-engine/internal/staking"
)

const namespace = "stake_engine"

type Metrics struct {
	operations       *prometheus.CounterVec
	submitAttempts   *prometheus.CounterVec
	ledgerRetries    prometheus.Counter
	ledgerApplies    *prometheus.CounterVec
	confirmLatency   *prometheus.HistogramVec
	inFlight         prometheus.Gauge
	unresolved       prometheus.Gauge
	batchPools       *prometheus.CounterVec
	viewRefreshes    *prometheus.CounterVec
	ledgerDivergence prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations reaching a terminal state.",
		}, []string{"kind", "state"}),
		submitAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "Transaction submission attempts.",
		}, []string{"result"}),
		ledgerRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_retries_total",
			Help:      "Retried ledger reconciliation attempts.",
		}),
		ledgerApplies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_applies_total",
			Help:      "ApplyIfNew outcomes.",
		}, []string{"kind", "applied"}),
		confirmLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_seconds",
			Help:      "Time from submission to reconciliation.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"kind"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_in_flight",
			Help:      "Non-terminal operations held by this instance.",
		}),
		unresolved: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_unresolved",
			Help:      "Timed-out or desynced transactions awaiting the sweeper.",
		}),
		batchPools: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_claim_pools_total",
			Help:      "Per-pool batch claim outcomes.",
		}, []string{"status"}),
		viewRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "view_refreshes_total",
			Help:      "Read-model chain refreshes.",
		}, []string{"result"}),
		ledgerDivergence: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_divergence_total",
			Help:      "Reconciliations where chain stake differed from ledger arithmetic.",
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) OperationFinished(kind staking.Kind, state staking.State, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind.String(), state.String()).Inc()
	if state == staking.StateReconciled {
		m.confirmLatency.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) SubmitAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.submitAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerRetry() {
	if m == nil {
		return
	}
	m.ledgerRetries.Inc()
}

func (m *Metrics) LedgerApplied(kind staking.Kind, applied, diverged bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.ledgerApplies.WithLabelValues(kind.String(), label).Inc()
	if diverged {
		m.ledgerDivergence.Inc()
	}
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) SetUnresolved(n int) {
	if m == nil {
		return
	}
	m.unresolved.Set(float64(n))
}

func (m *Metrics) BatchPool(status string) {
	if m == nil {
		return
	}
	m.batchPools.WithLabelValues(status).Inc()
}

func (m *Metrics) ViewRefresh(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.viewRefreshes.WithLabelValues(result).Inc()
}
