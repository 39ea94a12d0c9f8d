// Package metrics exposes Prometheus instrumentation for live channels.
// A nil *Collector disables recording, so callers never need to guard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collector.
type Config struct {
	// Namespace is the metrics namespace (default: "lumen").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures the collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		if namespace != "" {
			c.Namespace = namespace
		}
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

// Collector holds the channel metrics.
type Collector struct {
	joinsTotal         *prometheus.CounterVec
	channelsActive     prometheus.Gauge
	eventsTotal        prometheus.Counter
	rendersTotal       prometheus.Counter
	diffsSentTotal     prometheus.Counter
	contractViolations prometheus.Counter
	eventDuration      prometheus.Histogram
}

// NewCollector registers and returns the channel metrics.
func NewCollector(opts ...Option) *Collector {
	config := Config{
		Namespace: "lumen",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Collector{
		joinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "joins_total",
			Help:        "Total join handshakes by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),

		channelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "channels_active",
			Help:        "Number of running connection channels",
			ConstLabels: config.ConstLabels,
		}),

		eventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "events_total",
			Help:        "Total client events dispatched to views",
			ConstLabels: config.ConstLabels,
		}),

		rendersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "renders_total",
			Help:        "Total re-renders performed",
			ConstLabels: config.ConstLabels,
		}),

		diffsSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "diffs_sent_total",
			Help:        "Total diff payloads sent to clients",
			ConstLabels: config.ConstLabels,
		}),

		contractViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "contract_violations_total",
			Help:        "Total fatal callback contract violations",
			ConstLabels: config.ConstLabels,
		}),

		eventDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "event_duration_seconds",
			Help:        "Callback dispatch duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// RecordJoin records a join handshake outcome ("ok", "badsession", ...).
func (c *Collector) RecordJoin(status string) {
	if c == nil {
		return
	}
	c.joinsTotal.WithLabelValues(status).Inc()
}

// ChannelStarted records a channel reaching running state.
func (c *Collector) ChannelStarted() {
	if c == nil {
		return
	}
	c.channelsActive.Inc()
}

// ChannelStopped records a channel terminating.
func (c *Collector) ChannelStopped() {
	if c == nil {
		return
	}
	c.channelsActive.Dec()
}

// RecordEvent records one dispatched client event and its duration.
func (c *Collector) RecordEvent(seconds float64) {
	if c == nil {
		return
	}
	c.eventsTotal.Inc()
	c.eventDuration.Observe(seconds)
}

// RecordRender records one render plus the diff it produced.
func (c *Collector) RecordRender() {
	if c == nil {
		return
	}
	c.rendersTotal.Inc()
	c.diffsSentTotal.Inc()
}

// RecordContractViolation records a fatal callback contract violation.
func (c *Collector) RecordContractViolation() {
	if c == nil {
		return
	}
	c.contractViolations.Inc()
}
