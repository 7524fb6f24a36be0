// Package metrics exposes Prometheus metrics for the coordinator and the
// data nodes, and samples host resources for the node's disk health check.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/shardvec/internal/xerr"
)

// Metrics holds every collector a shardvec process exports. Each process
// owns its own registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	// Request metrics
	RequestTotal   *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	// Storage metrics
	WALAppends       *prometheus.CounterVec
	WALAppendLatency prometheus.Histogram

	// Replication metrics
	ReplicationAcks     prometheus.Counter
	ReplicationFailures prometheus.Counter
	ReplicationDegraded prometheus.Counter

	// Routing metrics
	UnreachableShards prometheus.Counter
	NodeStates        *prometheus.GaugeVec
	ShardTableVersion prometheus.Gauge

	// System metrics
	CPUUsage  prometheus.Gauge
	MemUsage  prometheus.Gauge
	DiskUsage prometheus.Gauge
	DiskOK    prometheus.Gauge
}

// New creates the collectors for a process called component
// ("coordinator" or "node").
func New(component string) *Metrics {
	reg := prometheus.NewRegistry()
	prefix := "shardvec_" + component
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_requests_total",
				Help: "Requests handled, by operation and status code",
			},
			[]string{"operation", "code"},
		),
		RequestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_request_latency_seconds",
				Help:    "Request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		WALAppends: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_wal_appends_total",
				Help: "WAL entries appended, by op",
			},
			[]string{"op"},
		),
		WALAppendLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    prefix + "_wal_append_latency_seconds",
				Help:    "Latency of a durable local write in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
		),
		ReplicationAcks: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_replication_acks_total",
			Help: "Replica acknowledgements received",
		}),
		ReplicationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_replication_failures_total",
			Help: "Replica sends that failed after retries",
		}),
		ReplicationDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_replication_degraded_total",
			Help: "Writes committed with fewer acks than copies",
		}),
		UnreachableShards: f.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_unreachable_shards_total",
			Help: "Shards missing from a scatter-gather query",
		}),
		NodeStates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: prefix + "_nodes",
				Help: "Registered nodes by liveness state",
			},
			[]string{"state"},
		),
		ShardTableVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_shard_table_version",
			Help: "Version of the current shard assignment table",
		}),
		CPUUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_system_cpu_usage_percent",
			Help: "Host CPU usage",
		}),
		MemUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_system_mem_usage_percent",
			Help: "Host memory usage",
		}),
		DiskUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_system_disk_usage_percent",
			Help: "Usage of the disk holding the data directory",
		}),
		DiskOK: f.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_disk_healthy",
			Help: "1 while the data directory is usable",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(op string, code xerr.Code, start time.Time) {
	m.RequestTotal.WithLabelValues(op, strconv.Itoa(int(code))).Inc()
	m.RequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveWrite records one durable local write.
func (m *Metrics) ObserveWrite(op string, start time.Time) {
	m.WALAppends.WithLabelValues(op).Inc()
	m.WALAppendLatency.Observe(time.Since(start).Seconds())
}

// SetNodeStates replaces the node-state gauge values.
func (m *Metrics) SetNodeStates(counts map[string]int) {
	m.NodeStates.Reset()
	for state, n := range counts {
		m.NodeStates.WithLabelValues(state).Set(float64(n))
	}
}
