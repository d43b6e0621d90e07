package config

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec

	DispatchFanoutTotal    *prometheus.CounterVec
	DispatchFanoutDuration prometheus.Histogram
	PendingMessages        *prometheus.GaugeVec
	PrefillDrainDuration   *prometheus.HistogramVec
)

// InitMetrics registers provbus's metric collectors. Safe to call once per
// process; calling it twice panics on duplicate registration, same as the
// teacher's InitMetrics.
func InitMetrics() {
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provbus",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed, labeled by method, route, and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provbus",
		Name:      "http_request_duration_seconds",
		Help:      "Histogram of HTTP request durations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	DispatchFanoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provbus",
		Name:      "dispatch_fanout_total",
		Help:      "Total fan-out publishes from incoming to subscription streams, labeled by outcome.",
	}, []string{"outcome"})

	DispatchFanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "provbus",
		Name:      "dispatch_fanout_duration_seconds",
		Help:      "Time to fan one incoming message out to every matching subscription.",
		Buckets:   prometheus.DefBuckets,
	})

	PendingMessages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "provbus",
		Name:      "pending_messages",
		Help:      "Messages awaiting ack, labeled by stream class (incoming, live, prefill).",
	}, []string{"stream_class"})

	PrefillDrainDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "provbus",
		Name:      "prefill_drain_duration_seconds",
		Help:      "Time for a subscription's pre-fill drain to complete.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPDuration,
		DispatchFanoutTotal,
		DispatchFanoutDuration,
		PendingMessages,
		PrefillDrainDuration,
	)
}
