package header

import "math/bits"

// FlowV4 identifies a flow by its IPv4 5-tuple minus the protocol, which is
// always UDP in the fabric. ECMP next-hop selection hashes this value.
type FlowV4 struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
}

// Multiply-rotate constants for the hash rounds.
var ecmpPrime = [5]uint32{2654435761, 246822519, 3266489917, 668265263, 374761393}

// Per-seed initial states. Seeds index this table modulo its length.
var ecmpSeedPrime = [16]uint32{
	181, 5197, 1151, 137, 5569, 7699, 2887, 8753,
	9323, 8963, 6053, 8893, 9377, 6577, 733, 3527,
}

// Hash returns the ECMP hash of the flow id for the given seed. Equal-cost
// next hops are selected by Hash(seed) mod the number of candidates, so the
// same flow always takes the same path while distinct flows spread.
func (f FlowV4) Hash(seed uint32) uint32 {
	h := ecmpSeedPrime[seed%uint32(len(ecmpSeedPrime))]
	h = bits.RotateLeft32(h+uint32(f.SrcPort)*ecmpPrime[2], 17) * ecmpPrime[3]
	h = bits.RotateLeft32(h+uint32(f.DstPort)*ecmpPrime[4], 11) * ecmpPrime[0]
	h = bits.RotateLeft32(h+f.SrcIP*ecmpPrime[3], 17) * ecmpPrime[1]
	h = bits.RotateLeft32(h+f.DstIP*ecmpPrime[0], 11) * ecmpPrime[4]
	return h
}
