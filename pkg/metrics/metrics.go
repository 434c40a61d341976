package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowtap"

// Collector holds the tap's Prometheus metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	events            *prometheus.CounterVec
	matches           *prometheus.CounterVec
	sinkWrites        *prometheus.CounterVec
	encodingFallbacks *prometheus.CounterVec
	filterUpdates     *prometheus.CounterVec
	openFlows         prometheus.Gauge
}

// NewCollector creates and registers all metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Request and response events received from the proxy",
			},
			[]string{"direction"},
		),
		matches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_matches_total",
				Help:      "Events whose request URL matched the active filter",
			},
			[]string{"direction"},
		),
		sinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_writes_total",
				Help:      "Blocks appended to a sink, by outcome",
			},
			[]string{"sink", "result"},
		),
		encodingFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_encoding_fallbacks_total",
				Help:      "Blocks written with replacement characters because the sink encoding could not represent them",
			},
			[]string{"sink"},
		),
		filterUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filter_updates_total",
				Help:      "set_filter invocations, by outcome",
			},
			[]string{"result"},
		),
		openFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_flows",
				Help:      "Requests still awaiting their response",
			},
		),
	}

	c.registry.MustRegister(
		c.events,
		c.matches,
		c.sinkWrites,
		c.encodingFallbacks,
		c.filterUpdates,
		c.openFlows,
	)

	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// RecordEvent counts a request or response event
func (c *Collector) RecordEvent(direction string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(direction).Inc()
}

// RecordMatch counts an event routed to the filtered sink
func (c *Collector) RecordMatch(direction string) {
	if c == nil {
		return
	}
	c.matches.WithLabelValues(direction).Inc()
}

// RecordSinkWrite counts a sink append; ok=false means it was dropped
func (c *Collector) RecordSinkWrite(sink string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.sinkWrites.WithLabelValues(sink, result).Inc()
}

// RecordEncodingFallback counts a block written with replacement characters
func (c *Collector) RecordEncodingFallback(sink string) {
	if c == nil {
		return
	}
	c.encodingFallbacks.WithLabelValues(sink).Inc()
}

// RecordFilterUpdate counts a set_filter call
func (c *Collector) RecordFilterUpdate(ok bool) {
	if c == nil {
		return
	}
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	c.filterUpdates.WithLabelValues(result).Inc()
}

// SetOpenFlows reports the number of requests awaiting a response
func (c *Collector) SetOpenFlows(n int) {
	if c == nil {
		return
	}
	c.openFlows.Set(float64(n))
}
