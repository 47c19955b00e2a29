// Package metrics exports relay queue and session activity as Prometheus
// metrics. Collector implements stream.Observer.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/rtd/media"
	"github.com/zsiec/rtd/stream"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "rtd"

// Collector holds the registered metrics.
type Collector struct {
	framesQueued    *prometheus.CounterVec
	framesRejected  *prometheus.CounterVec
	framesDiscarded *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	opens           *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
}

// New registers the collector's metrics on reg. It panics if any of them
// is already registered.
func New(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Collector{
		framesQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_queued_total",
			Help:      "Frames accepted into the relay queue.",
		}, []string{"kind"}),
		framesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_rejected_total",
			Help:      "Frames rejected because the relay queue was full.",
		}, []string{"kind"}),
		framesDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_discarded_total",
			Help:      "Frames discarded while waiting for a keyframe.",
		}, []string{"kind"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "queue_depth",
			Help:      "Frames currently held in the relay queue.",
		}, []string{"kind"}),
		opens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opens_total",
			Help:      "Session open attempts by result code.",
		}, []string{"status"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently open.",
		}),
	}
}

func (c *Collector) FrameQueued(kind media.Kind) {
	c.framesQueued.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) FrameRejected(kind media.Kind) {
	c.framesRejected.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) FrameDiscarded(kind media.Kind) {
	c.framesDiscarded.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) QueueDepth(kind media.Kind, depth int) {
	c.queueDepth.WithLabelValues(kind.String()).Set(float64(depth))
}

// ObserveOpen counts an Open result under its numeric status code and
// tracks the number of open sessions.
func (c *Collector) ObserveOpen(err error) {
	c.opens.WithLabelValues(strconv.Itoa(int(stream.StatusOf(err)))).Inc()
	if err == nil {
		c.sessionsActive.Inc()
	}
}

// ObserveClose marks a previously opened session as closed.
func (c *Collector) ObserveClose() {
	c.sessionsActive.Dec()
}

var _ stream.Observer = (*Collector)(nil)
