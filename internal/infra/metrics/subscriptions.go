package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(subscriptionEventsTotal)
}

var (
	// event: created|extended|expired|cancelled
	subscriptionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_events_total",
			Help: "Subscription lifecycle events.",
		},
		[]string{"event"},
	)
)

func IncSubscriptionEvent(event string) {
	subscriptionEventsTotal.WithLabelValues(norm(event)).Inc()
}
