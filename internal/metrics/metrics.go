package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	notificationsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "watcher",
			Name:      "notifications_total",
			Help:      "Number of raw notifications read from the channel.",
		},
	)
	malformedPayloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "watcher",
			Name:      "malformed_payloads_total",
			Help:      "Number of notifications dropped because the payload did not parse.",
		},
	)
	unknownStreams = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "watcher",
			Name:      "unknown_stream_total",
			Help:      "Number of notifications dropped because no subscription existed for the stream.",
		},
	)
	fetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "watcher",
			Name:      "fetch_errors_total",
			Help:      "Number of record fetches that returned no record, by reason.",
		}, []string{"reason"},
	)
	recordsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "watcher",
			Name:      "records_delivered_total",
			Help:      "Number of record deliveries to subscriber callbacks.",
		}, []string{"stream"},
	)
	callbackPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "watcher",
			Name:      "callback_panics_total",
			Help:      "Number of subscriber callbacks that panicked during delivery.",
		},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "runwatch",
			Subsystem: "watcher",
			Name:      "active_subscriptions",
			Help:      "Current number of registered subscriptions across all streams.",
		},
	)
	recordsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "eventlog",
			Name:      "records_appended_total",
			Help:      "Number of records appended to the event log.",
		}, []string{"stream"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		notificationsReceived, malformedPayloads, unknownStreams, fetchErrors,
		recordsDelivered, callbackPanics, activeSubscriptions, recordsAppended,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncNotification() {
	if regOK.Load() {
		notificationsReceived.Inc()
	}
}
func IncMalformed() {
	if regOK.Load() {
		malformedPayloads.Inc()
	}
}
func IncUnknownStream() {
	if regOK.Load() {
		unknownStreams.Inc()
	}
}
func IncFetchError(reason string) {
	if regOK.Load() {
		fetchErrors.WithLabelValues(reason).Inc()
	}
}
func IncDelivered(stream string, n int) {
	if regOK.Load() {
		recordsDelivered.WithLabelValues(stream).Add(float64(n))
	}
}
func IncCallbackPanic() {
	if regOK.Load() {
		callbackPanics.Inc()
	}
}
func SetActiveSubscriptions(n int) {
	if regOK.Load() {
		activeSubscriptions.Set(float64(n))
	}
}
func IncAppended(stream string) {
	if regOK.Load() {
		recordsAppended.WithLabelValues(stream).Inc()
	}
}
