package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "pipeline",
			Name:      "sends_total",
			Help:      "Total send attempts by result",
		},
		[]string{"result"},
	)

	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Subsystem: "completion",
			Name:      "duration_seconds",
			Help:      "Latency of remote completion calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"model", "status"},
	)

	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Store operation failures",
		},
		[]string{"op"},
	)

	LiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Subsystem: "store",
			Name:      "live_subscriptions",
			Help:      "Open live view subscriptions",
		},
		[]string{"view"},
	)

	ConversationsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Subsystem: "store",
			Name:      "conversations_created_total",
			Help:      "Total conversations created",
		},
	)
)

// Send results.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)
