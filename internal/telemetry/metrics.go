// Package telemetry exposes Prometheus metrics for gossip, probing and the
// seed registry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// Messages counts gossip messages by outcome: originated, delivered, forwarded, duplicate, malformed.
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipnet",
			Name:      "messages_total",
			Help:      "Gossip messages handled, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipnet",
			Name:      "sends_total",
			Help:      "Outbound frames, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gossipnet",
			Name:      "send_duration_seconds",
			Help:      "Latency of outbound exchanges (connect, write, optional reply).",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"kind"},
	)

	Probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gossipnet",
			Name:      "probes_total",
			Help:      "Liveness probes, by result.",
		},
		[]string{"result"},
	)

	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gossipnet",
			Name:      "evictions_total",
			Help:      "Peers declared dead by the local failure detector.",
		},
	)

	PeerSetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gossipnet",
			Name:      "peer_set_size",
			Help:      "Currently connected peers.",
		},
	)

	RegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gossipnet",
			Name:      "registry_size",
			Help:      "Peers registered with this seed.",
		},
	)

	DedupSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gossipnet",
			Name:      "dedup_entries",
			Help:      "Fingerprints currently remembered by the dedup cache.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gossipnet",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(Messages, Sends, SendDuration, Probes, Evictions, PeerSetSize, RegistrySize, DedupSize, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveSend records one outbound exchange.
func ObserveSend(kind string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Sends.WithLabelValues(kind, result).Inc()
	SendDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
