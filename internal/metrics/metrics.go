// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's counters and gauges on a private registry so
// tests can create isolated instances.
type Metrics struct {
	EventsReceived  prometheus.Counter
	EventsProcessed prometheus.Counter
	EventsExcluded  prometheus.Counter
	EventsDuplicate prometheus.Counter
	EventsDropped   prometheus.Counter
	EventsEvicted   prometheus.Counter
	UniqueFiles     prometheus.Gauge

	ReportWrites      prometheus.Counter
	ReportWriteErrors prometheus.Counter

	EventsEnqueued prometheus.Counter
	EventsShipped  prometheus.Counter
	QueueDepth     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with everything registered, including the
// standard process and Go runtime collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}

	m := &Metrics{
		EventsReceived:  counter("filetrace_events_received_total", "File access events received from the kernel probe."),
		EventsProcessed: counter("filetrace_events_processed_total", "Events that recorded a new unique file path."),
		EventsExcluded:  counter("filetrace_events_excluded_total", "Events filtered by path exclusion rules."),
		EventsDuplicate: counter("filetrace_events_duplicate_total", "Events for already-seen file paths."),
		EventsDropped:   counter("filetrace_events_dropped_total", "Events lost to kernel ring buffer saturation."),
		EventsEvicted:   counter("filetrace_events_evicted_total", "Unique paths evicted from the dedup cache."),
		UniqueFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filetrace_unique_files",
			Help: "Unique file paths currently recorded across containers.",
		}),
		ReportWrites:      counter("filetrace_report_writes_total", "Successful report file writes."),
		ReportWriteErrors: counter("filetrace_report_write_errors_total", "Failed report file writes."),
		EventsEnqueued:    counter("filetrace_events_enqueued_total", "New-file events spooled for delivery to the collector."),
		EventsShipped:     counter("filetrace_events_shipped_total", "Events acknowledged by the collector."),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filetrace_queue_depth",
			Help: "Events currently spooled in the local queue.",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.EventsReceived, m.EventsProcessed, m.EventsExcluded,
		m.EventsDuplicate, m.EventsDropped, m.EventsEvicted,
		m.UniqueFiles,
		m.ReportWrites, m.ReportWriteErrors,
		m.EventsEnqueued, m.EventsShipped, m.QueueDepth,
	)
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
