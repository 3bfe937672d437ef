// Package metrics holds the prometheus collectors tesseract exports.
//
// Collectors are package-level and registered once on the default registry, so
// every engine, client and server in the process feeds the same series.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tesseract/rpcerror"
)

const namespace = "tesseract"

var (
	registerOnce sync.Once

	PendingCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "pending_calls",
		Help:      "Outbound calls awaiting a response, across all connections.",
	})
	OpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "protocol",
		Name:      "open_connections",
		Help:      "Engines in the open or draining state.",
	})
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "envelopes_total",
			Help:      "Envelopes read and written, by direction and kind.",
		},
		[]string{"direction", "kind"},
	)
	clientCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Client calls by target and outcome.",
		},
		[]string{"target", "outcome"},
	)
	clientDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Client call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target", "outcome"},
	)
	serverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests served by target and outcome.",
		},
		[]string{"target", "outcome"},
	)
	serverDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Handler latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target", "outcome"},
	)
)

func init() {
	RegisterMetrics()
}

// RegisterMetrics registers every collector on the default registry. Safe to call
// more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PendingCalls, OpenConnections, envelopes,
			clientCalls, clientDuration,
			serverRequests, serverDuration,
		)
	})
}

// Outcome labels a finished call: "ok", or the error kind's name.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return rpcerror.KindOf(err).String()
}

func RecordEnvelope(direction, kind string) {
	envelopes.WithLabelValues(direction, kind).Inc()
}

func RecordClientCall(target, outcome string, duration time.Duration) {
	clientCalls.WithLabelValues(target, outcome).Inc()
	clientDuration.WithLabelValues(target, outcome).Observe(duration.Seconds())
}

func RecordServerRequest(target, outcome string, duration time.Duration) {
	serverRequests.WithLabelValues(target, outcome).Inc()
	serverDuration.WithLabelValues(target, outcome).Observe(duration.Seconds())
}
