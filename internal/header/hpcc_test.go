package header_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/fabsim/internal/header"
	"github.com/dantte-lp/fabsim/internal/sim"
)

func TestIntQuantization(t *testing.T) {
	t.Parallel()

	rec := header.NewInt(400*sim.Gbps, 1600, 5120, 640)
	if got := rec.Rate(); got != 400*sim.Gbps {
		t.Errorf("Rate() = %v, want 400Gbps", got)
	}
	if got := rec.Time(); got != 1600 {
		t.Errorf("Time() = %v, want 1600", got)
	}
	if got := rec.Bytes(); got != 5120 {
		t.Errorf("Bytes() = %v, want 5120", got)
	}
	if got := rec.QueueLen(); got != 640 {
		t.Errorf("QueueLen() = %v, want 640", got)
	}
}

func TestIntRoundTrip(t *testing.T) {
	t.Parallel()

	rec := header.NewInt(100*sim.Gbps, 123456*16, 999*512, 77*64)
	buf := make([]byte, header.IntLen)
	if _, err := rec.Marshal(buf); err != nil {
		t.Fatal(err)
	}
	var got header.Int
	if _, err := header.UnmarshalInt(buf, &got); err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Errorf("round trip mismatch: %+v != %+v", got, rec)
	}
}

// TestBytesDeltaWrap exercises the wrap arithmetic on the 20-bit byte
// counter: a delta crossing the modulus boundary computes
// new + modulus - old.
func TestBytesDeltaWrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		oldTick sim.Bytes // 512-byte ticks
		newTick sim.Bytes
		want    sim.Bytes // ticks
	}{
		{"no wrap", 100, 250, 150},
		{"equal", 500, 500, 0},
		{"wrap by one", (1 << 20) - 1, 0, 1},
		{"wrap mid", (1 << 20) - 10, 20, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			older := header.NewInt(0, 0, tt.oldTick*512, 0)
			newer := header.NewInt(0, 0, tt.newTick*512, 0)
			got, err := newer.BytesDelta(older)
			if err != nil {
				t.Fatalf("BytesDelta: %v", err)
			}
			if got != tt.want*512 {
				t.Errorf("BytesDelta = %d, want %d", got, tt.want*512)
			}
		})
	}
}

// TestTimeDeltaWrap exercises the same arithmetic on the 24-bit time
// counter.
func TestTimeDeltaWrap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		oldTick sim.Clock // 16-ns ticks
		newTick sim.Clock
		want    sim.Clock // ticks
	}{
		{"no wrap", 1000, 5000, 4000},
		{"wrap by one", (1 << 24) - 1, 0, 1},
		{"wrap mid", (1 << 24) - 100, 100, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			older := header.NewInt(0, tt.oldTick*16, 0, 0)
			newer := header.NewInt(0, tt.newTick*16, 0, 0)
			got, err := newer.TimeDelta(older)
			if err != nil {
				t.Fatalf("TimeDelta: %v", err)
			}
			if got != tt.want*16 {
				t.Errorf("TimeDelta = %d, want %d", got, tt.want*16)
			}
		})
	}
}

func TestHPCCStack(t *testing.T) {
	t.Parallel()

	var stack header.HPCC
	if !stack.Open() {
		t.Fatal("fresh stack must be open")
	}
	for hop := 0; hop < 3; hop++ {
		rec := header.NewInt(400*sim.Gbps, sim.Clock(hop)*160, sim.Bytes(hop)*1024, 0)
		if err := stack.Push(rec); err != nil {
			t.Fatalf("push hop %d: %v", hop, err)
		}
	}
	if stack.Hops != 3 {
		t.Errorf("hops = %d, want 3", stack.Hops)
	}

	stack.Close()
	if stack.Open() {
		t.Error("closed stack reports open")
	}
	if stack.Hops != -3 {
		t.Errorf("closed hops = %d, want -3", stack.Hops)
	}
	if err := stack.Push(header.Int{}); !errors.Is(err, header.ErrTelemetryClosed) {
		t.Errorf("push on closed stack error = %v, want ErrTelemetryClosed", err)
	}

	// A closed stack round-trips with its record count intact.
	buf := make([]byte, stack.WireLen())
	if _, err := stack.Marshal(buf); err != nil {
		t.Fatal(err)
	}
	var got header.HPCC
	n, err := header.UnmarshalHPCC(buf, &got)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1+3*header.IntLen {
		t.Errorf("consumed %d bytes, want %d", n, 1+3*header.IntLen)
	}
	if got.Hops != -3 || len(got.Records) != 3 {
		t.Errorf("decoded hops=%d records=%d", got.Hops, len(got.Records))
	}
	if got.Records[2] != stack.Records[2] {
		t.Error("record 2 mismatch after round trip")
	}
}

// TestHPCCMinHops decodes a stack whose hop count is the minimum int8. The
// record count must widen to 128 rather than overflow, and a short buffer
// must surface as a codec error instead of a crash.
func TestHPCCMinHops(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 1+128*header.IntLen)
	buf[0] = 0x80 // hops = -128

	var got header.HPCC
	if _, err := header.UnmarshalHPCC(buf, &got); err != nil {
		t.Fatalf("decode 128 records: %v", err)
	}
	if len(got.Records) != 128 {
		t.Errorf("records = %d, want 128", len(got.Records))
	}

	short := buf[:1+4*header.IntLen]
	if _, err := header.UnmarshalHPCC(short, &got); !errors.Is(err, header.ErrShortBuffer) {
		t.Errorf("short decode error = %v, want ErrShortBuffer", err)
	}
}
