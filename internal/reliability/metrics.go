package reliability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hivemind",
			Subsystem: "trigger",
			Name:      "messages_total",
			Help:      "Trigger messages by transport mode, message type, pane and outcome.",
		},
		[]string{"mode", "type", "pane", "outcome"},
	)
	deliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hivemind",
			Subsystem: "trigger",
			Name:      "delivery_latency_seconds",
			Help:      "Time from trigger pickup to confirmed pane delivery.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"mode"},
	)
)

// RegisterMetrics registers the trigger metrics with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messagesTotal, deliveryLatency)
	})
}

func observe(mode Mode, kind Kind, pane, outcome string) {
	messagesTotal.WithLabelValues(string(mode), string(kind), pane, outcome).Inc()
}

func observeLatency(mode Mode, d time.Duration) {
	deliveryLatency.WithLabelValues(string(mode)).Observe(d.Seconds())
}
