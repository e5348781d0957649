// Package delivery – Prometheus instrumentation.
//
// Counters are labeled only by event type to keep cardinality bounded.
// Backpressure drops are the observable signal for the silent-drop policy:
// the sender still gets a durable commit, and the lagged session reconciles
// from the store.
package delivery

import "github.com/prometheus/client_golang/prometheus"

var (
	// deliveryEvents counts events successfully enqueued to session queues.
	deliveryEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_events_total",
			Help: "Total number of delivery events enqueued to session queues.",
		},
		[]string{"type"},
	)

	// deliveryDrops counts events discarded because a session queue was full
	// or gone. Message drops trigger reconciliation; typing drops are final.
	deliveryDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_drops_total",
			Help: "Total number of delivery events dropped under backpressure.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(deliveryEvents, deliveryDrops)
}
