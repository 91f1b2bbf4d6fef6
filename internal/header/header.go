// Package header implements the wire codecs for the simulated fabric:
// PPP framing, IPv4, UDP, the RDMA base transport header (BTH), HPCC in-band
// telemetry, PFC flow control and the bubble backpressure signal.
//
// All multi-byte fields are big-endian. Every codec is bit-exact so packet
// sizes (and therefore serialization times and buffer accounting) match the
// wire format exactly.
package header

import (
	"encoding/binary"
	"errors"
)

// EtherType code points carried in the PPP protocol field (after mapping).
const (
	EtherTypeIPv4   uint16 = 0x0800
	EtherTypeIPv6   uint16 = 0x86DD
	EtherTypePFC    uint16 = 0x8808
	EtherTypeBubble uint16 = 0x4321
)

// PPP protocol numbers.
const (
	PPPProtoIPv4 uint16 = 0x0021
	PPPProtoIPv6 uint16 = 0x0057
	// Flow-control and bubble frames keep their EtherType on the wire.
	PPPProtoPFC    uint16 = 0x8808
	PPPProtoBubble uint16 = 0x4321
)

// Codec errors.
var (
	// ErrShortBuffer indicates the buffer cannot hold or provide a full header.
	ErrShortBuffer = errors.New("buffer too short for header")

	// ErrUnknownProto indicates a protocol number with no PPP/EtherType mapping.
	ErrUnknownProto = errors.New("unknown protocol number")

	// ErrTelemetryClosed indicates an append to a closed telemetry stack.
	ErrTelemetryClosed = errors.New("telemetry stack closed")

	// ErrDeltaOverflow indicates a telemetry delta larger than its modulus.
	ErrDeltaOverflow = errors.New("telemetry delta exceeds wrap modulus")
)

// Header is a fixed-size wire header.
type Header interface {
	// WireLen returns the encoded size in bytes.
	WireLen() int

	// Marshal encodes the header into buf and returns the bytes written.
	Marshal(buf []byte) (int, error)
}

// EtherToPPP maps an EtherType to the PPP protocol number used on the link.
func EtherToPPP(etherType uint16) (uint16, error) {
	switch etherType {
	case EtherTypeIPv4:
		return PPPProtoIPv4, nil
	case EtherTypeIPv6:
		return PPPProtoIPv6, nil
	case EtherTypePFC:
		return PPPProtoPFC, nil
	case EtherTypeBubble:
		return PPPProtoBubble, nil
	}
	return 0, ErrUnknownProto
}

// PPPToEther maps a PPP protocol number back to its EtherType.
func PPPToEther(proto uint16) (uint16, error) {
	switch proto {
	case PPPProtoIPv4:
		return EtherTypeIPv4, nil
	case PPPProtoIPv6:
		return EtherTypeIPv6, nil
	case PPPProtoPFC:
		return EtherTypePFC, nil
	case PPPProtoBubble:
		return EtherTypeBubble, nil
	}
	return 0, ErrUnknownProto
}

// PPP is the 2-byte point-to-point framing header.
type PPP struct {
	Protocol uint16
}

// PPPLen is the encoded size of the PPP header.
const PPPLen = 2

// WireLen implements Header.
func (p PPP) WireLen() int { return PPPLen }

// Marshal implements Header.
func (p PPP) Marshal(buf []byte) (int, error) {
	if len(buf) < PPPLen {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(buf, p.Protocol)
	return PPPLen, nil
}

// UnmarshalPPP decodes a PPP header from buf.
func UnmarshalPPP(buf []byte, p *PPP) (int, error) {
	if len(buf) < PPPLen {
		return 0, ErrShortBuffer
	}
	p.Protocol = binary.BigEndian.Uint16(buf)
	return PPPLen, nil
}
