package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency on the API listener; the
// metadata listener is not instrumented.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cumulus",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var APIActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "api",
		Name:      "actions_total",
		Help:      "Total EC2 API actions processed, by action and error code.",
	},
	[]string{"action", "code"},
)

var RPCMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "rpc",
		Name:      "messages_total",
		Help:      "Total RPC messages sent, by topic and primitive.",
	},
	[]string{"topic", "kind"},
)

var RPCCallDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "cumulus",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Round-trip duration of RPC calls in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
)

var InstancesLaunchedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "compute",
		Name:      "instances_launched_total",
		Help:      "Total instances accepted by RunInstances.",
	},
)

var QuotaDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "quota",
		Name:      "denied_total",
		Help:      "Total quota reservations denied, by resource.",
	},
	[]string{"resource"},
)

var FirewallCompilesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "firewall",
		Name:      "compiles_total",
		Help:      "Total firewall chain compilations.",
	},
)

var ZonePollFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "zone",
		Name:      "poll_failures_total",
		Help:      "Total failed child-zone polls.",
	},
)

var ZonesOffline = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "zone",
		Name:      "offline",
		Help:      "Number of child zones currently marked inactive.",
	},
)

var FixedIPAllocationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cumulus",
		Subsystem: "network",
		Name:      "fixed_ip_allocations_total",
		Help:      "Fixed IP allocations and deallocations.",
	},
	[]string{"op"},
)

// All returns all Cumulus-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		APIActionsTotal,
		RPCMessagesTotal,
		RPCCallDuration,
		InstancesLaunchedTotal,
		QuotaDeniedTotal,
		FirewallCompilesTotal,
		ZonePollFailuresTotal,
		ZonesOffline,
		FixedIPAllocationsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTPRequestDuration metric, and any additional
// service-specific collectors passed as arguments.
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
