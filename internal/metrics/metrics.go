package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paysync"

var (
	TopUps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "top_ups_total",
		Help:      "Accepted deposits by unit.",
	}, []string{"unit"})

	PaymentsAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_added_total",
		Help:      "Payment records registered by handlers.",
	})

	PaymentsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_settled_total",
		Help:      "Payments disbursed, split by recurrence.",
	}, []string{"kind"})

	PaymentsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_skipped_total",
		Help:      "Batch items left untouched because they were not due.",
	})

	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_failures_total",
		Help:      "Settlement batches that returned an error, by reason.",
	}, []string{"reason"})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Webhook delivery attempts by result.",
	}, []string{"result"})
)

// SettledKind labels a settled payment for PaymentsSettled.
func SettledKind(monthly bool) string {
	if monthly {
		return "monthly"
	}
	return "once"
}
