package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers intake, aggregation and delivery of digests.
type PipelineMetrics struct {
	intake        *prometheus.CounterVec
	digests       *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	sendLatency   prometheus.Histogram
	pendingByKind *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
}

// NewPipelineMetrics registers pipeline metrics on reg. A nil registerer
// yields a no-op recorder.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	m := &PipelineMetrics{
		intake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "submissions_total",
			Help:      "Intake submissions by kind and outcome (inserted, merged, suppressed, error).",
		}, []string{"kind", "outcome"}),
		digests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "groups_total",
			Help:      "Aggregated intent groups by outcome (enqueued, skipped, error).",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by outcome (sent, retry, failed, cancelled).",
		}, []string{"outcome"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Latency of mail provider calls.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		pendingByKind: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "pending_intents",
			Help:      "Unconsumed notification intents by kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Delivery jobs by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.intake, m.digests, m.deliveries, m.sendLatency, m.pendingByKind, m.queueDepth)
	return m
}

func (m *PipelineMetrics) IncIntake(kind, outcome string) {
	if m == nil || m.intake == nil {
		return
	}
	m.intake.WithLabelValues(normalizeLabel(kind), outcome).Inc()
}

func (m *PipelineMetrics) IncGroup(outcome string) {
	if m == nil || m.digests == nil {
		return
	}
	m.digests.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) IncDelivery(outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveSend(d time.Duration) {
	if m == nil || m.sendLatency == nil {
		return
	}
	m.sendLatency.Observe(d.Seconds())
}

// SetPending replaces the pending gauge values with counts.
func (m *PipelineMetrics) SetPending(counts map[string]int64) {
	if m == nil || m.pendingByKind == nil {
		return
	}
	for kind, n := range counts {
		m.pendingByKind.WithLabelValues(normalizeLabel(kind)).Set(float64(n))
	}
}

// SetQueueDepth replaces the queue depth gauge values with counts.
func (m *PipelineMetrics) SetQueueDepth(counts map[string]int64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	for state, n := range counts {
		m.queueDepth.WithLabelValues(normalizeLabel(state)).Set(float64(n))
	}
}
