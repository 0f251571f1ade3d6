package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panesync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "panesync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	rpcCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panesync",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Dispatched resource calls by outcome code.",
		},
		[]string{"resource", "method", "code"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "panesync",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Synchronous part of dispatched resource calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource", "method"},
	)
	mutationsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panesync",
			Subsystem: "store",
			Name:      "mutations_committed_total",
			Help:      "Mutations committed on the owner store.",
		},
		[]string{"type"},
	)
	followerResyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panesync",
			Subsystem: "store",
			Name:      "follower_resyncs_total",
			Help:      "Follower snapshot resynchronizations by reason.",
		},
		[]string{"reason"},
	)
	externalPeers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "panesync",
			Subsystem: "external",
			Name:      "peers",
			Help:      "Open external connections by transport.",
		},
		[]string{"transport"},
	)
	peerOverflows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "panesync",
			Subsystem: "external",
			Name:      "event_overflows_total",
			Help:      "External connections dropped because their event queue filled.",
		},
		[]string{"transport"},
	)
	linkOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "panesync",
			Subsystem: "store",
			Name:      "link_overflows_total",
			Help:      "Follower links closed because their queue filled.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			rpcCalls,
			rpcDuration,
			mutationsCommitted,
			followerResyncs,
			linkOverflows,
			externalPeers,
			peerOverflows,
		)
	})
}

// MetricsHandler exposes the default registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordRPCCall(resource, method, code string, duration time.Duration) {
	RegisterMetrics()
	rpcCalls.WithLabelValues(resource, method, code).Inc()
	rpcDuration.WithLabelValues(resource, method).Observe(duration.Seconds())
}

func RecordMutationCommitted(mutationType string) {
	RegisterMetrics()
	mutationsCommitted.WithLabelValues(mutationType).Inc()
}

func RecordFollowerResync(reason string) {
	RegisterMetrics()
	followerResyncs.WithLabelValues(reason).Inc()
}

func RecordLinkOverflow() {
	RegisterMetrics()
	linkOverflows.Inc()
}

// TrackPeer counts an open external connection; the returned func releases it.
func TrackPeer(transport string) (release func()) {
	RegisterMetrics()
	g := externalPeers.WithLabelValues(transport)
	g.Inc()
	var once sync.Once
	return func() { once.Do(g.Dec) }
}

func RecordPeerOverflow(transport string) {
	RegisterMetrics()
	peerOverflows.WithLabelValues(transport).Inc()
}
