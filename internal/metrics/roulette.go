// Package metrics содержит счётчики Prometheus воркера рулетки.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pickupTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roulette_pickup_total",
			Help: "Pickup attempts by result (claimed, conflict, error)",
		},
		[]string{"result"},
	)

	transitionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roulette_transitions_total",
			Help: "Terminal session transitions by outcome",
		},
		[]string{"outcome"},
	)

	rejectedInputTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roulette_rejected_input_total",
			Help: "Ignored bet/cancel input by reason",
		},
		[]string{"reason"},
	)

	betDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roulette_bet_duration_ms",
			Help:    "Bet transaction duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		},
	)

	activeTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roulette_active_timers",
			Help: "Armed betting deadline timers on this worker",
		},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roulette_reconcile_total",
			Help: "Sessions touched by the reconciliation sweep",
		},
		[]string{"kind"},
	)
)

// RecordPickup считает попытки подхвата; result: "claimed", "conflict" или "error".
func RecordPickup(result string) {
	pickupTotal.WithLabelValues(result).Inc()
}

// RecordTransition учитывает терминальный переход с исходом outcome.
func RecordTransition(outcome string) {
	transitionTotal.WithLabelValues(outcome).Inc()
}

// RecordRejected учитывает проигнорированный ввод.
func RecordRejected(reason string) {
	rejectedInputTotal.WithLabelValues(reason).Inc()
}

// ObserveBet пишет длительность транзакции ставки.
func ObserveBet(started time.Time) {
	betDuration.Observe(float64(time.Since(started).Milliseconds()))
}

func SetActiveTimers(n int) {
	activeTimers.Set(float64(n))
}

// RecordReconcile считает сессии, закрытые сверкой; kind: "pending" или "overdue".
func RecordReconcile(kind string, n int) {
	reconcileTotal.WithLabelValues(kind).Add(float64(n))
}

// Handler отдаёт /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
