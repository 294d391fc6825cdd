package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for every endpoint the
// router exposes, independent of the JSON-RPC method-level metrics below.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mcprouter",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// RPCTotal counts every dispatched JSON-RPC call by method and outcome.
var RPCTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcprouter",
		Subsystem: "rpc",
		Name:      "total",
		Help:      "Total MCP RPC invocations by method and status.",
	},
	[]string{"method", "status"},
)

// RPCLatency tracks dispatch latency for every JSON-RPC method.
var RPCLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mcprouter",
		Subsystem: "rpc",
		Name:      "latency_seconds",
		Help:      "Latency of MCP RPC calls.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "status"},
)

// RPCBytesIn and RPCBytesOut track request/response body sizes per method.
var (
	RPCBytesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcprouter",
			Subsystem: "rpc",
			Name:      "bytes_in_total",
			Help:      "Total bytes received per RPC method.",
		},
		[]string{"method"},
	)
	RPCBytesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcprouter",
			Subsystem: "rpc",
			Name:      "bytes_out_total",
			Help:      "Total bytes sent per RPC method.",
		},
		[]string{"method"},
	)
)

// ProviderUsageTokens accumulates tokens consumed per upstream, labeled by
// call outcome, mirroring what is persisted to the usage_counters table.
var ProviderUsageTokens = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcprouter",
		Subsystem: "provider",
		Name:      "usage_tokens_total",
		Help:      "Per-upstream token usage recorded on successful tool calls.",
	},
	[]string{"upstream", "outcome"},
)

// StdioRespawnsTotal counts how often a stdio driver has had to respawn its
// child process, labeled by upstream name.
var StdioRespawnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcprouter",
		Subsystem: "stdio",
		Name:      "respawns_total",
		Help:      "Total number of stdio upstream child-process respawns.",
	},
	[]string{"upstream"},
)

// EventHubDroppedTotal counts events evicted from a lagging subscriber's
// buffer, labeled by event type.
var EventHubDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcprouter",
		Subsystem: "eventhub",
		Name:      "dropped_total",
		Help:      "Total number of events evicted from a lagging subscriber's buffer.",
	},
	[]string{"event"},
)

// All returns the router-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RPCTotal,
		RPCLatency,
		RPCBytesIn,
		RPCBytesOut,
		ProviderUsageTokens,
		StdioRespawnsTotal,
		EventHubDroppedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
