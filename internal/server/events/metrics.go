package events

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsEmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Total number of lifecycle events accepted for delivery",
	}, []string{"event_type"})

	// EventsDroppedTotal counts events dropped because the emitter was
	// disabled, closed or its buffer was full.
	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total number of lifecycle events dropped",
	}, []string{"reason"})

	EventsDeliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dropbeam",
		Subsystem: "events",
		Name:      "delivery_errors_total",
		Help:      "Total number of event delivery errors",
	}, []string{"publisher"})

	EventsDeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dropbeam",
		Subsystem: "events",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering events to publishers",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"publisher"})
)

func init() {
	prometheus.MustRegister(
		EventsEmittedTotal,
		EventsDroppedTotal,
		EventsDeliveryErrorsTotal,
		EventsDeliveryDuration,
	)
}
