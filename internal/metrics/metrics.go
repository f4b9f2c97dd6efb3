// Package metrics exposes the gateway's counters and gauges (§6 /stats,
// §7 error taxonomy) as Prometheus collectors, grounded on the teacher's
// own metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the gateway exposes. Construct once at
// startup and register it with a prometheus.Registerer.
type Registry struct {
	OrphanTicks         prometheus.Counter
	WriteErrors         *prometheus.CounterVec
	SlowConsumerDrops   prometheus.Counter
	ReconnectAttempts   prometheus.Counter
	ActiveStreams       prometheus.Gauge
	BackendQueueDepth   *prometheus.GaugeVec
	TicksPublished      prometheus.Counter
	ClockSkewViolations prometheus.Counter
}

// New builds the registry. Call MustRegister on the returned *Registry to
// register its collectors.
func New() *Registry {
	return &Registry{
		OrphanTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ib_stream_orphan_ticks_total",
			Help: "Ticks received with an rid matching no upstream request entry.",
		}),
		WriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ib_stream_storage_write_errors_total",
			Help: "Storage write failures per backend.",
		}, []string{"backend"}),
		SlowConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ib_stream_slow_consumer_disconnects_total",
			Help: "Subscriptions disconnected for overflowing their outbound queue.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ib_stream_upstream_reconnect_attempts_total",
			Help: "Upstream session reconnect attempts.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ib_stream_active_streams",
			Help: "Currently active subscriptions.",
		}),
		BackendQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ib_stream_storage_queue_depth",
			Help: "Pending messages in a storage backend's inbound queue.",
		}, []string{"backend"}),
		TicksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ib_stream_ticks_published_total",
			Help: "Ticks published from the pipeline to subscribers and storage.",
		}),
		ClockSkewViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ib_stream_clock_skew_violations_total",
			Help: "Ticks whose ts exceeded st plus the configured clock skew tolerance.",
		}),
	}
}

// MustRegister registers every collector with reg.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.OrphanTicks, r.WriteErrors, r.SlowConsumerDrops, r.ReconnectAttempts,
		r.ActiveStreams, r.BackendQueueDepth, r.TicksPublished, r.ClockSkewViolations,
	)
}
