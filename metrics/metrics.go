// Package metrics provides Prometheus metrics for one pipeline.
//
// Collectors are registered on the registry passed to New, labelled with
// the pipeline id. Every method is safe on a nil *Collector, so stages
// can report unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gogpu/framepipe/offload"
	"github.com/gogpu/framepipe/timing"
)

// DefaultNamespace prefixes every metric when no namespace is given.
const DefaultNamespace = "framepipe"

// Collector holds the metrics of one pipeline.
type Collector struct {
	poolUsed     *prometheus.GaugeVec
	poolCapacity *prometheus.GaugeVec
	decisions    *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	rendered     prometheus.Counter
	errors       *prometheus.CounterVec
	harvest      prometheus.Histogram
	harvestFails prometheus.Counter
	inFlight     prometheus.Gauge
	forcedEOS    prometheus.Counter
}

var _ offload.Observer = (*Collector)(nil)

// New registers the pipeline's collectors on reg. A nil reg registers
// nothing; the collectors still count, which keeps tests self-contained.
func New(reg prometheus.Registerer, namespace, pipelineID string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	labels := prometheus.Labels{"pipeline": pipelineID}
	return &Collector{
		poolUsed: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "buffers_in_use",
			Help:        "Buffers of a stage pool currently owned downstream",
			ConstLabels: labels,
		}, []string{"stage"}),
		poolCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "capacity",
			Help:        "Capacity of a stage pool",
			ConstLabels: labels,
		}, []string{"stage"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "timing",
			Name:        "release_decisions_total",
			Help:        "Frame release decisions by action",
			ConstLabels: labels,
		}, []string{"action"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "output",
			Name:        "dropped_frames_total",
			Help:        "Frames released without rendering",
			ConstLabels: labels,
		}, []string{"reason"}),
		rendered: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "output",
			Name:        "rendered_frames_total",
			Help:        "Frames rendered to the output",
			ConstLabels: labels,
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Frame processing errors by class",
			ConstLabels: labels,
		}, []string{"class"}),
		harvest: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "offload",
			Name:        "harvest_latency_seconds",
			Help:        "Time from submitting a frame to collecting its result",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 12),
			ConstLabels: labels,
		}),
		harvestFails: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "offload",
			Name:        "harvest_failures_total",
			Help:        "Offload tasks whose result could not be collected",
			ConstLabels: labels,
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "offload",
			Name:        "in_flight",
			Help:        "Offload tasks submitted and not yet harvested",
			ConstLabels: labels,
		}),
		forcedEOS: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "source",
			Name:        "forced_end_of_stream_total",
			Help:        "Input streams ended by the forced end-of-stream timer",
			ConstLabels: labels,
		}),
	}
}

// PoolUsage records the occupancy of a stage pool.
func (c *Collector) PoolUsage(stage string, used, capacity int) {
	if c == nil {
		return
	}
	c.poolUsed.WithLabelValues(stage).Set(float64(used))
	c.poolCapacity.WithLabelValues(stage).Set(float64(capacity))
}

// Decision counts one release decision.
func (c *Collector) Decision(a timing.Action) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(a.String()).Inc()
}

// Rendered counts one rendered frame.
func (c *Collector) Rendered() {
	if c == nil {
		return
	}
	c.rendered.Inc()
}

// Dropped counts one frame released without rendering.
func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

// Error counts one error of class.
func (c *Collector) Error(class string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(class).Inc()
}

// ForcedEOS counts one forced end of stream.
func (c *Collector) ForcedEOS() {
	if c == nil {
		return
	}
	c.forcedEOS.Inc()
}

// Harvested implements offload.Observer.
func (c *Collector) Harvested(latency time.Duration, ok bool) {
	if c == nil {
		return
	}
	if !ok {
		c.harvestFails.Inc()
		return
	}
	c.harvest.Observe(latency.Seconds())
}

// InFlight implements offload.Observer.
func (c *Collector) InFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}
