// Package metrics exposes gateway counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Polls          *prometheus.CounterVec
	PollDuration   prometheus.Histogram
	QueueDepth     prometheus.Gauge
	NodesKnown     prometheus.Gauge
	Replies        *prometheus.CounterVec
	EventsDropped  prometheus.Counter
	UploadBatches  *prometheus.CounterVec
	OutboxResent   prometheus.Counter
	PublishFailure prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "binedge_polls_total",
			Help: "Node polls by kind and outcome",
		}, []string{"kind", "outcome"}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "binedge_poll_duration_seconds",
			Help:    "Time spent in one node exchange",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "binedge_queue_depth",
			Help: "Pending tasks in the schedule",
		}),
		NodesKnown: f.NewGauge(prometheus.GaugeOpts{
			Name: "binedge_nodes_known",
			Help: "Distinct nodes discovered or joined",
		}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "binedge_replies_total",
			Help: "Forced-update replies by status",
		}, []string{"status"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "binedge_events_dropped_total",
			Help: "Inbound bus messages that could not be decoded",
		}),
		UploadBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "binedge_upload_batches_total",
			Help: "Bulk upload batches by result",
		}, []string{"result"}),
		OutboxResent: f.NewCounter(prometheus.CounterOpts{
			Name: "binedge_outbox_resent_total",
			Help: "Messages delivered from the outbox",
		}),
		PublishFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "binedge_publish_failures_total",
			Help: "Bus publishes that failed",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
