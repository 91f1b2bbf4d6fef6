package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/fabsim/internal/metrics"
)

// totalOf sums one counter family across all label sets.
func totalOf(families []*dto.MetricFamily, name string) float64 {
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.AdmissionDrops == nil || c.EcnMarks == nil {
		t.Error("switch counters nil")
	}
	if c.PFCPause == nil || c.PFCResume == nil || c.BubbleUpdates == nil {
		t.Error("port counters nil")
	}
	if c.RetransmitTimeouts == nil || c.FlowsCompleted == nil || c.FlowDuration == nil {
		t.Error("host metrics nil")
	}

	// Registration must not panic and gathering must succeed.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestCounterIncrements(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncAdmissionDrop(2000)
	c.IncAdmissionDrop(2000)
	c.IncEcnMark(3000)
	c.IncPFCPause(2000, 5)
	c.IncPFCResume(2000, 5)
	c.IncBubbleUpdate(2001, 6)
	c.IncRetransmitTimeout()
	c.ObserveFlowCompletion(92e-6)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	tests := []struct {
		family string
		want   float64
	}{
		{"fabsim_fabric_admission_drops_total", 2},
		{"fabsim_fabric_ecn_marks_total", 1},
		{"fabsim_fabric_pfc_pause_frames_total", 1},
		{"fabsim_fabric_pfc_resume_frames_total", 1},
		{"fabsim_fabric_bubble_updates_total", 1},
		{"fabsim_fabric_retransmit_timeouts_total", 1},
		{"fabsim_fabric_flows_completed_total", 1},
	}
	for _, tt := range tests {
		if got := totalOf(families, tt.family); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.family, got, tt.want)
		}
	}
}

func TestNilRegistererUsesDefault(t *testing.T) {
	// Not parallel: touches the default registerer.
	reg := prometheus.NewRegistry()
	old := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	defer func() { prometheus.DefaultRegisterer = old }()

	c := metrics.NewCollector(nil)
	if c == nil {
		t.Fatal("collector nil")
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}
