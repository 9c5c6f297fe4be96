// Package metrics exposes pipeline counters and gauges to Prometheus. All
// methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ddb2search"

type Metrics struct {
	registry           *prometheus.Registry
	records            *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	retries            prometheus.Counter
	queueDepth         prometheus.Gauge
	units              prometheus.Gauge
	shardLag           *prometheus.GaugeVec
	shardStates        *prometheus.GaugeVec
	checkpointFailures prometheus.Counter
	exports            *prometheus.CounterVec
	bulkLatency        prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_total",
			Help: "Documents written to the index by origin and outcome.",
		}, []string{"origin", "outcome"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Documents routed to the dead-letter sink by failure category.",
		}, []string{"category"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_retries_total",
			Help: "Bulk write attempts repeated after a transient failure.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sink_queue_depth",
			Help: "Documents waiting in the bounded sink queue.",
		}),
		units: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sink_units",
			Help: "Active sink workers.",
		}),
		shardLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shard_lag_seconds",
			Help: "Age of the newest record read from a shard.",
		}, []string{"table", "shard"}),
		shardStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shards",
			Help: "Known shards by state.",
		}, []string{"table", "state"}),
		checkpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_failures_total",
			Help: "Checkpoint writes that failed and halted a shard worker.",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "export_jobs_total",
			Help: "Export jobs by terminal status.",
		}, []string{"status"}),
		bulkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "bulk_request_seconds",
			Help:    "Latency of bulk requests to the index.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.records, m.deadLetters, m.retries, m.queueDepth, m.units,
		m.shardLag, m.shardStates, m.checkpointFailures, m.exports, m.bulkLatency,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Outcome(origin, outcome string) {
	if m != nil {
		m.records.WithLabelValues(origin, outcome).Inc()
	}
}

func (m *Metrics) DeadLetter(category string) {
	if m != nil {
		m.deadLetters.WithLabelValues(category).Inc()
	}
}

func (m *Metrics) Retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) Units(n int) {
	if m != nil {
		m.units.Set(float64(n))
	}
}

func (m *Metrics) ShardLag(table, shard string, lag time.Duration) {
	if m != nil {
		m.shardLag.WithLabelValues(table, shard).Set(lag.Seconds())
	}
}

func (m *Metrics) ForgetShard(table, shard string) {
	if m != nil {
		m.shardLag.DeleteLabelValues(table, shard)
	}
}

func (m *Metrics) ShardStates(table string, counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.shardStates.WithLabelValues(table, state).Set(float64(n))
	}
}

func (m *Metrics) CheckpointFailure() {
	if m != nil {
		m.checkpointFailures.Inc()
	}
}

func (m *Metrics) Export(status string) {
	if m != nil {
		m.exports.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) BulkLatency(d time.Duration) {
	if m != nil {
		m.bulkLatency.Observe(d.Seconds())
	}
}
