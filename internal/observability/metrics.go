// Package observability exposes Prometheus metrics and OpenTelemetry tracing
// for the engine.
package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics of the graph, the remote sync
// gateway and the live feed.
type Collector struct {
	gatherer prometheus.Gatherer

	GraphLocations prometheus.Gauge
	GraphItems     prometheus.Gauge
	GraphEdges     prometheus.Gauge

	RemoteRequests      *prometheus.CounterVec
	RemoteDurations     *prometheus.HistogramVec
	RemoteWriteFailures *prometheus.CounterVec
	Rollbacks           prometheus.Counter
	DebouncedSaves      prometheus.Counter

	FeedReconnects prometheus.Counter
	FeedMessages   *prometheus.CounterVec
}

// NewCollector registers engine metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil. Registering twice
// against the same registry reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	locations, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flumen_graph_locations",
		Help: "Current number of location nodes in the graph.",
	}), "flumen_graph_locations")
	if err != nil {
		return nil, err
	}
	items, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flumen_graph_items",
		Help: "Current number of item nodes in the graph.",
	}), "flumen_graph_items")
	if err != nil {
		return nil, err
	}
	edges, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flumen_graph_edges",
		Help: "Current number of connection edges in the graph.",
	}), "flumen_graph_edges")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flumen_remote_requests_total",
		Help: "Total number of backend REST calls, labeled by operation and HTTP status code.",
	}, []string{"op", "code"}), "flumen_remote_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flumen_remote_request_duration_seconds",
		Help:    "Backend REST call latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"op"}), "flumen_remote_request_duration_seconds")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flumen_remote_write_failures_total",
		Help: "Optimistic edits whose remote write failed, labeled by operation.",
	}, []string{"op"}), "flumen_remote_write_failures_total")
	if err != nil {
		return nil, err
	}
	rollbacks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flumen_rollbacks_total",
		Help: "Optimistic edits that were rolled back locally.",
	}), "flumen_rollbacks_total")
	if err != nil {
		return nil, err
	}
	debounced, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flumen_debounced_saves_total",
		Help: "Position saves flushed after the drag debounce window.",
	}), "flumen_debounced_saves_total")
	if err != nil {
		return nil, err
	}

	reconnects, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flumen_feed_reconnects_total",
		Help: "Live feed connection attempts after the first.",
	}), "flumen_feed_reconnects_total")
	if err != nil {
		return nil, err
	}
	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flumen_feed_messages_total",
		Help: "Live feed messages received, labeled by destination.",
	}, []string{"destination"}), "flumen_feed_messages_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:            gatherer,
		GraphLocations:      locations,
		GraphItems:          items,
		GraphEdges:          edges,
		RemoteRequests:      requests,
		RemoteDurations:     durations,
		RemoteWriteFailures: failures,
		Rollbacks:           rollbacks,
		DebouncedSaves:      debounced,
		FeedReconnects:      reconnects,
		FeedMessages:        messages,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetGraphCounts lets the graph drive its gauges directly from its
// mutators.
func (c *Collector) SetGraphCounts(locations, items, edges int) {
	if c == nil {
		return
	}
	c.GraphLocations.Set(float64(locations))
	c.GraphItems.Set(float64(items))
	c.GraphEdges.Set(float64(edges))
}

// ObserveRemoteCall records one backend call. A zero status means the call
// failed before a response arrived.
func (c *Collector) ObserveRemoteCall(op string, status int, d time.Duration) {
	if c == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.RemoteRequests.WithLabelValues(op, code).Inc()
	c.RemoteDurations.WithLabelValues(op).Observe(d.Seconds())
}

// IncWriteFailure counts a failed optimistic write.
func (c *Collector) IncWriteFailure(op string) {
	if c == nil {
		return
	}
	c.RemoteWriteFailures.WithLabelValues(op).Inc()
}

// IncRollback counts a local undo.
func (c *Collector) IncRollback() {
	if c == nil {
		return
	}
	c.Rollbacks.Inc()
}

// IncDebouncedSave counts a flushed position save.
func (c *Collector) IncDebouncedSave() {
	if c == nil {
		return
	}
	c.DebouncedSaves.Inc()
}

// IncFeedReconnect counts a feed reconnect attempt.
func (c *Collector) IncFeedReconnect() {
	if c == nil {
		return
	}
	c.FeedReconnects.Inc()
}

// IncFeedMessage counts a feed message for destination.
func (c *Collector) IncFeedMessage(destination string) {
	if c == nil {
		return
	}
	c.FeedMessages.WithLabelValues(DestinationLabel(destination)).Inc()
}

// DestinationLabel collapses per-entity feed destinations onto their topic
// pattern so label cardinality stays bounded: "/topic/nodes/abc" becomes
// "/topic/nodes/*".
func DestinationLabel(destination string) string {
	if destination == "" {
		return "unknown"
	}
	trimmed := strings.TrimSuffix(destination, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx > 0 {
		parent := trimmed[:idx]
		if strings.Count(parent, "/") >= 2 {
			return parent + "/*"
		}
	}
	return trimmed
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
