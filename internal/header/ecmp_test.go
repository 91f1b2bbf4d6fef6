package header_test

import (
	"testing"

	"github.com/dantte-lp/fabsim/internal/header"
)

func TestECMPHashDeterministic(t *testing.T) {
	t.Parallel()

	id := header.FlowV4{SrcIP: 1, DstIP: 15, SrcPort: 1001, DstPort: 4791}
	if id.Hash(3) != id.Hash(3) {
		t.Fatal("hash not deterministic")
	}
}

func TestECMPHashSensitivity(t *testing.T) {
	t.Parallel()

	base := header.FlowV4{SrcIP: 1, DstIP: 15, SrcPort: 1001, DstPort: 4791}

	tests := []struct {
		name  string
		other header.FlowV4
	}{
		{"src port", header.FlowV4{SrcIP: 1, DstIP: 15, SrcPort: 1002, DstPort: 4791}},
		{"dst port", header.FlowV4{SrcIP: 1, DstIP: 15, SrcPort: 1001, DstPort: 4792}},
		{"src ip", header.FlowV4{SrcIP: 2, DstIP: 15, SrcPort: 1001, DstPort: 4791}},
		{"dst ip", header.FlowV4{SrcIP: 1, DstIP: 16, SrcPort: 1001, DstPort: 4791}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if base.Hash(0) == tt.other.Hash(0) {
				t.Error("tuple change did not change the hash")
			}
		})
	}

	// Distinct seeds should decorrelate the same flow.
	if base.Hash(1) == base.Hash(2) && base.Hash(2) == base.Hash(3) {
		t.Error("seeds 1..3 all map the flow identically")
	}
}

// TestECMPHashSpread checks that source-port retries (the retransmit
// reshuffle) actually move flows across a 4-way group.
func TestECMPHashSpread(t *testing.T) {
	t.Parallel()

	var hits [4]int
	for port := uint16(0); port < 1000; port++ {
		id := header.FlowV4{SrcIP: 1, DstIP: 15, SrcPort: port, DstPort: 4791}
		hits[id.Hash(1)%4]++
	}
	for i, n := range hits {
		if n == 0 {
			t.Errorf("next-hop %d never selected across 1000 ports", i)
		}
	}
}
