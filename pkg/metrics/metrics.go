package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the sweep's Prometheus metrics on a private registry
type Collector struct {
	registry *prometheus.Registry

	unitsTotal      *prometheus.CounterVec
	unitDuration    *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	deliveryRetries prometheus.Counter
	bootstrapSteps  *prometheus.CounterVec
	shardsSubmitted *prometheus.CounterVec
	shardsActive    prometheus.Gauge
}

// NewCollector creates and registers all collectors
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		unitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweepbatch_units_total",
				Help: "Work units processed by shard workers",
			},
			[]string{"status"}, // "succeeded", "failed", "skipped"
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweepbatch_unit_duration_seconds",
				Help:    "Wall-clock time of one sandboxed engine run",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"status"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweepbatch_sink_deliveries_total",
				Help: "Result records handed to the sink, by outcome",
			},
			[]string{"outcome"}, // "primary", "backup", "undelivered"
		),
		deliveryRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sweepbatch_sink_retries_total",
				Help: "Primary sink write attempts that failed and were retried",
			},
		),
		bootstrapSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweepbatch_bootstrap_steps_total",
				Help: "Backend provisioning steps, by resource kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: "created", "exists", "failed"
		),
		shardsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweepbatch_shards_submitted_total",
				Help: "Shards submitted to an execution backend",
			},
			[]string{"backend"},
		),
		shardsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sweepbatch_shards_active",
				Help: "Shards currently executing in this process",
			},
		),
	}

	c.registry.MustRegister(
		c.unitsTotal,
		c.unitDuration,
		c.deliveries,
		c.deliveryRetries,
		c.bootstrapSteps,
		c.shardsSubmitted,
		c.shardsActive,
	)

	return c
}

// Registry exposes the underlying registry for handlers and exporters
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// UnitFinished records one unit outcome
func (c *Collector) UnitFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.unitsTotal.WithLabelValues(status).Inc()
	if d > 0 {
		c.unitDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// Delivery records the outcome of a sink delivery
func (c *Collector) Delivery(outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(outcome).Inc()
}

// DeliveryRetry records one failed primary write that will be retried
func (c *Collector) DeliveryRetry() {
	if c == nil {
		return
	}
	c.deliveryRetries.Inc()
}

// BootstrapStep records one provisioning step
func (c *Collector) BootstrapStep(kind, outcome string) {
	if c == nil {
		return
	}
	c.bootstrapSteps.WithLabelValues(kind, outcome).Inc()
}

// ShardsSubmitted records a submission
func (c *Collector) ShardsSubmitted(backend string, n int) {
	if c == nil {
		return
	}
	c.shardsSubmitted.WithLabelValues(backend).Add(float64(n))
}

// ShardStarted and ShardDone track in-process shard concurrency
func (c *Collector) ShardStarted() {
	if c == nil {
		return
	}
	c.shardsActive.Inc()
}

func (c *Collector) ShardDone() {
	if c == nil {
		return
	}
	c.shardsActive.Dec()
}
