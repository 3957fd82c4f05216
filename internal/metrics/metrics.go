// Package metrics holds the Prometheus collectors updated by the engine.
//
// Exposed series:
//   - condor_orders_placed_total{purpose,type}  orders sent to the venue
//   - condor_limit_attempts                     limit prices tried per execution
//   - condor_executions_total{result}           executor outcomes (limit|market|failed)
//   - condor_trades_total{strategy,outcome}     journal rows by outcome
//   - condor_realized_pnl{strategy}             running realized PnL
//   - condor_greeks_wait_seconds                time spent waiting for deltas
//   - condor_worker_state{strategy,state}       1 for the state a worker is in
//
// Collectors are registered in init() and served at /metrics by the
// dashboard.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condor_orders_placed_total",
			Help: "Orders placed at the venue",
		},
		[]string{"purpose", "type"}, // purpose: entry|profit|stop
	)

	limitAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "condor_limit_attempts",
			Help:    "Limit prices tried per execution before a fill or the market fallback",
			Buckets: []float64{1, 2, 3, 5, 8, 11, 16, 25},
		},
	)

	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condor_executions_total",
			Help: "Executor outcomes",
		},
		[]string{"result"}, // limit|market|failed
	)

	trades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "condor_trades_total",
			Help: "Trade journal rows by outcome",
		},
		[]string{"strategy", "outcome"},
	)

	realizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "condor_realized_pnl",
			Help: "Realized PnL accumulated since process start",
		},
		[]string{"strategy"},
	)

	greeksWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "condor_greeks_wait_seconds",
			Help:    "Time spent waiting for candidate deltas",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)

	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "condor_worker_state",
			Help: "Current state of each strategy worker (1 = active state)",
		},
		[]string{"strategy", "state"},
	)
)

func init() {
	prometheus.MustRegister(ordersPlaced, limitAttempts, executions)
	prometheus.MustRegister(trades, realizedPnL)
	prometheus.MustRegister(greeksWait, workerState)
}

// OrderPlaced counts one order sent to the venue.
func OrderPlaced(purpose, orderType string) {
	ordersPlaced.WithLabelValues(purpose, strings.ToLower(orderType)).Inc()
}

// Execution records one executor outcome. attempts is the number of limit
// prices tried.
func Execution(result string, attempts int) {
	executions.WithLabelValues(result).Inc()
	limitAttempts.Observe(float64(attempts))
}

// Trade counts one journal row and accumulates its PnL.
func Trade(strategy, outcome string, pnl float64) {
	trades.WithLabelValues(strategy, outcome).Inc()
	realizedPnL.WithLabelValues(strategy).Add(pnl)
}

// GreeksWait observes how long delta collection took.
func GreeksWait(seconds float64) {
	greeksWait.Observe(seconds)
}

// WorkerState marks state as the current state of a worker, clearing prev.
func WorkerState(strategy, prev, state string) {
	if prev != "" && prev != state {
		workerState.WithLabelValues(strategy, prev).Set(0)
	}
	workerState.WithLabelValues(strategy, state).Set(1)
}
