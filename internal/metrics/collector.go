// Package metrics exposes the fabric simulation counters as Prometheus
// metrics: buffer admission drops, ECN marks, PFC frames, bubble updates
// and flow completions.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "fabsim"
	subsystem = "fabric"
)

// Label names for fabric metrics.
const (
	labelSwitch = "switch"
	labelPort   = "port"
)

// Collector holds all fabric Prometheus metrics.
//
// Counters are incremented from the single-threaded simulation loop; the
// Prometheus types are safe to scrape concurrently from the metrics server.
type Collector struct {
	// AdmissionDrops counts packets refused by shared-buffer admission,
	// per switch. Under a lossless configuration any increment is a
	// correctness alarm.
	AdmissionDrops *prometheus.CounterVec

	// EcnMarks counts packets marked ECN_CE, per switch.
	EcnMarks *prometheus.CounterVec

	// PFCPause and PFCResume count PFC frames emitted per ingress port.
	PFCPause  *prometheus.CounterVec
	PFCResume *prometheus.CounterVec

	// BubbleUpdates counts bubble rate-code changes emitted per ingress port.
	BubbleUpdates *prometheus.CounterVec

	// RetransmitTimeouts counts queue-pair retransmission timeouts.
	RetransmitTimeouts prometheus.Counter

	// FlowsCompleted counts flows that received their final ACK.
	FlowsCompleted prometheus.Counter

	// FlowDuration observes flow completion times in seconds.
	FlowDuration prometheus.Histogram
}

// NewCollector creates a Collector with all fabric metrics registered
// against the provided registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.AdmissionDrops,
		c.EcnMarks,
		c.PFCPause,
		c.PFCResume,
		c.BubbleUpdates,
		c.RetransmitTimeouts,
		c.FlowsCompleted,
		c.FlowDuration,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	switchLabels := []string{labelSwitch}
	portLabels := []string{labelSwitch, labelPort}

	return &Collector{
		AdmissionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "admission_drops_total",
			Help:      "Packets refused by shared-buffer admission.",
		}, switchLabels),

		EcnMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ecn_marks_total",
			Help:      "Packets marked ECN_CE at egress queues.",
		}, switchLabels),

		PFCPause: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pfc_pause_frames_total",
			Help:      "PFC PAUSE frames emitted per ingress port.",
		}, portLabels),

		PFCResume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pfc_resume_frames_total",
			Help:      "PFC RESUME frames emitted per ingress port.",
		}, portLabels),

		BubbleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bubble_updates_total",
			Help:      "Bubble rate-code changes emitted per ingress port.",
		}, portLabels),

		RetransmitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmit_timeouts_total",
			Help:      "Queue-pair retransmission timeouts.",
		}),

		FlowsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flows_completed_total",
			Help:      "Flows that received their final ACK.",
		}),

		FlowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flow_duration_seconds",
			Help:      "Flow completion times.",
			Buckets:   prometheus.ExponentialBuckets(10e-6, 4, 12),
		}),
	}
}

// IncAdmissionDrop increments the admission drop counter for the switch.
func (c *Collector) IncAdmissionDrop(switchID uint32) {
	c.AdmissionDrops.WithLabelValues(formatID(switchID)).Inc()
}

// IncEcnMark increments the ECN mark counter for the switch.
func (c *Collector) IncEcnMark(switchID uint32) {
	c.EcnMarks.WithLabelValues(formatID(switchID)).Inc()
}

// IncPFCPause increments the PAUSE frame counter for the ingress port.
func (c *Collector) IncPFCPause(switchID, port uint32) {
	c.PFCPause.WithLabelValues(formatID(switchID), formatID(port)).Inc()
}

// IncPFCResume increments the RESUME frame counter for the ingress port.
func (c *Collector) IncPFCResume(switchID, port uint32) {
	c.PFCResume.WithLabelValues(formatID(switchID), formatID(port)).Inc()
}

// IncBubbleUpdate increments the bubble update counter for the ingress port.
func (c *Collector) IncBubbleUpdate(switchID, port uint32) {
	c.BubbleUpdates.WithLabelValues(formatID(switchID), formatID(port)).Inc()
}

// IncRetransmitTimeout increments the retransmission timeout counter.
func (c *Collector) IncRetransmitTimeout() {
	c.RetransmitTimeouts.Inc()
}

// ObserveFlowCompletion records one completed flow and its duration.
func (c *Collector) ObserveFlowCompletion(durationSeconds float64) {
	c.FlowsCompleted.Inc()
	c.FlowDuration.Observe(durationSeconds)
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
