package sim_test

import (
	"testing"

	"github.com/dantte-lp/fabsim/internal/sim"
)

func TestSchedulerOrdering(t *testing.T) {
	t.Parallel()

	s := sim.NewScheduler()
	var got []int

	s.Schedule(30, func() { got = append(got, 3) })
	s.Schedule(10, func() { got = append(got, 1) })
	s.Schedule(20, func() { got = append(got, 2) })

	s.Run(sim.ClockInfinity)

	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event order %v, want %v", got, want)
		}
	}
}

// TestSchedulerFIFOTieBreak verifies that events scheduled for the same
// instant fire in scheduling order. The retransmit staleness check depends
// on this being deterministic.
func TestSchedulerFIFOTieBreak(t *testing.T) {
	t.Parallel()

	s := sim.NewScheduler()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.Schedule(50, func() { got = append(got, i) })
	}

	s.Run(sim.ClockInfinity)

	if len(got) != 100 {
		t.Fatalf("fired %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d (FIFO tie-break broken)", i, v, i)
		}
	}
}

func TestSchedulerCancel(t *testing.T) {
	t.Parallel()

	s := sim.NewScheduler()
	fired := false
	e := s.Schedule(10, func() { fired = true })
	s.Cancel(e)
	s.Cancel(nil) // no-op

	s.Run(sim.ClockInfinity)

	if fired {
		t.Error("cancelled event fired")
	}
}

func TestSchedulerNowAdvances(t *testing.T) {
	t.Parallel()

	s := sim.NewScheduler()
	var at sim.Clock
	s.Schedule(100, func() {
		at = s.Now()
		s.Schedule(50, func() { at = s.Now() })
	})

	s.Run(sim.ClockInfinity)

	if at != 150 {
		t.Errorf("Now() inside nested event = %d, want 150", at)
	}
}

func TestSchedulerHorizon(t *testing.T) {
	t.Parallel()

	s := sim.NewScheduler()
	fired := 0
	s.Schedule(10, func() { fired++ })
	s.Schedule(20, func() { fired++ })
	s.Schedule(30, func() { fired++ })

	s.Run(25)

	if fired != 2 {
		t.Errorf("fired %d events before horizon, want 2", fired)
	}
	if s.Now() != 20 {
		t.Errorf("Now() = %d, want 20 (clock must not pass the horizon)", s.Now())
	}
}

func TestSchedulerNegativeDelay(t *testing.T) {
	t.Parallel()

	s := sim.NewScheduler()
	s.Schedule(100, func() {
		// A negative delay clamps to "now".
		s.Schedule(-50, func() {
			if s.Now() != 100 {
				t.Errorf("Now() = %d, want 100", s.Now())
			}
		})
	})
	s.Run(sim.ClockInfinity)
}

func TestTransferTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rate  sim.Bitrate
		bytes sim.Bytes
		want  sim.Clock
	}{
		{"1400B at 100G", 100 * sim.Gbps, 1400, 112},
		{"1400B at 400G", 400 * sim.Gbps, 1400, 28},
		{"1MB at 100G", 100 * sim.Gbps, 1_000_000, 80_000},
		{"zero bytes", 100 * sim.Gbps, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sim.TransferTime(tt.rate, tt.bytes); got != tt.want {
				t.Errorf("TransferTime(%v, %v) = %v, want %v", tt.rate, tt.bytes, got, tt.want)
			}
		})
	}
}

func TestBitrateString(t *testing.T) {
	t.Parallel()

	if got := (100 * sim.Gbps).String(); got != "100Gbps" {
		t.Errorf("String() = %q, want 100Gbps", got)
	}
}
