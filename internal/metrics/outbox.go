package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outboxDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roulette_outbox_delivered_total",
			Help: "Outbox items by kind and result (sent, retry, failed)",
		},
		[]string{"kind", "result"},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roulette_notifications_total",
			Help: "Pickup notifications by transport and result",
		},
		[]string{"transport", "result"},
	)
)

// RecordOutbox учитывает одну попытку доставки.
func RecordOutbox(kind, result string) {
	outboxDelivered.WithLabelValues(kind, result).Inc()
}

// RecordNotification считает уведомления; result: "ok" или "malformed".
func RecordNotification(transport, result string) {
	notificationsTotal.WithLabelValues(transport, result).Inc()
}
