// Package metrics exports bot counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the bot's Prometheus collectors on a private registry so the
// ops endpoint serves only what the bot registers.
type Exporter struct {
	registry *prometheus.Registry

	eventsTotal       *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	filterBlocks      *prometheus.CounterVec
	generatorFailures *prometheus.CounterVec
	eventsDropped     *prometheus.CounterVec
	generationLatency *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	ircConnected      prometheus.Gauge
}

// NewExporter creates the exporter. Registry may be nil.
func NewExporter(registry *prometheus.Registry) *Exporter {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "events_total",
			Help:      "Inbound events by channel and kind",
		},
		[]string{"channel", "kind"},
	)
	e.messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by channel and trigger",
		},
		[]string{"channel", "trigger"},
	)
	e.filterBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "filter_blocks_total",
			Help:      "Filter blocks by channel and direction",
		},
		[]string{"channel", "direction"},
	)
	e.generatorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "generator_failures_total",
			Help:      "Generation failures by channel and reason",
		},
		[]string{"channel", "reason"},
	)
	e.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clank",
			Name:      "events_dropped_total",
			Help:      "Events dropped from a full channel queue",
		},
		[]string{"channel"},
	)
	e.generationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clank",
			Name:      "generation_latency_seconds",
			Help:      "Generation latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"channel", "trigger"},
	)
	e.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clank",
			Name:      "queue_depth",
			Help:      "Buffered events per channel queue",
		},
		[]string{"channel"},
	)
	e.ircConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clank",
			Name:      "irc_connected",
			Help:      "1 while the chat connection is up",
		},
	)

	registry.MustRegister(
		e.eventsTotal, e.messagesSent, e.filterBlocks, e.generatorFailures,
		e.eventsDropped, e.generationLatency, e.queueDepth, e.ircConnected,
	)
	return e
}

func (e *Exporter) RecordEvent(channel, kind string) {
	e.eventsTotal.WithLabelValues(channel, kind).Inc()
}

func (e *Exporter) RecordSent(channel, trigger string) {
	e.messagesSent.WithLabelValues(channel, trigger).Inc()
}

func (e *Exporter) RecordFilterBlock(channel, direction string) {
	e.filterBlocks.WithLabelValues(channel, direction).Inc()
}

func (e *Exporter) RecordGeneratorFailure(channel, reason string) {
	e.generatorFailures.WithLabelValues(channel, reason).Inc()
}

func (e *Exporter) RecordDropped(channel string) {
	e.eventsDropped.WithLabelValues(channel).Inc()
}

func (e *Exporter) ObserveGenerationLatency(channel, trigger string, seconds float64) {
	e.generationLatency.WithLabelValues(channel, trigger).Observe(seconds)
}

func (e *Exporter) SetQueueDepth(channel string, depth int) {
	e.queueDepth.WithLabelValues(channel).Set(float64(depth))
}

func (e *Exporter) SetConnected(up bool) {
	if up {
		e.ircConnected.Set(1)
	} else {
		e.ircConnected.Set(0)
	}
}

// Handler returns the scrape handler for the private registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
