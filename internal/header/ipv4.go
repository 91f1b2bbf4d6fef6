package header

import (
	"encoding/binary"
)

// ECN code points, carried in the low two bits of the IPv4 TOS byte.
const (
	ECNNotECT uint8 = 0x0
	ECNECT1   uint8 = 0x1
	ECNECT0   uint8 = 0x2
	ECNCE     uint8 = 0x3
)

// IPv4Len is the encoded size of the IPv4 header (no options).
const IPv4Len = 20

// ProtoUDP is the IPv4 protocol number for UDP.
const ProtoUDP uint8 = 17

// IPv4 is a 20-byte IPv4 header. Addresses are the raw 32-bit values; in
// the fabric they carry server indices rather than routable prefixes.
type IPv4 struct {
	ECN         uint8
	PayloadSize uint16
	TTL         uint8
	Protocol    uint8
	Src         uint32
	Dst         uint32
}

// WireLen implements Header.
func (h IPv4) WireLen() int { return IPv4Len }

// Marshal implements Header. The header checksum is computed over the
// encoded bytes.
func (h IPv4) Marshal(buf []byte) (int, error) {
	if len(buf) < IPv4Len {
		return 0, ErrShortBuffer
	}
	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = h.ECN & 0x3
	binary.BigEndian.PutUint16(buf[2:], h.PayloadSize+IPv4Len)
	binary.BigEndian.PutUint16(buf[4:], 0) // identification
	binary.BigEndian.PutUint16(buf[6:], 0) // flags, fragment offset
	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:], 0) // checksum placeholder
	binary.BigEndian.PutUint32(buf[12:], h.Src)
	binary.BigEndian.PutUint32(buf[16:], h.Dst)
	binary.BigEndian.PutUint16(buf[10:], checksum(buf[:IPv4Len]))
	return IPv4Len, nil
}

// UnmarshalIPv4 decodes an IPv4 header from buf. The checksum is not
// verified; the simulated links do not corrupt frames.
func UnmarshalIPv4(buf []byte, h *IPv4) (int, error) {
	if len(buf) < IPv4Len {
		return 0, ErrShortBuffer
	}
	h.ECN = buf[1] & 0x3
	h.PayloadSize = binary.BigEndian.Uint16(buf[2:]) - IPv4Len
	h.TTL = buf[8]
	h.Protocol = buf[9]
	h.Src = binary.BigEndian.Uint32(buf[12:])
	h.Dst = binary.BigEndian.Uint32(buf[16:])
	return IPv4Len, nil
}

// checksum is the RFC 791 ones-complement header checksum.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// UDPLen is the encoded size of the UDP header.
const UDPLen = 8

// ROCEUDPPort is the well-known destination port for RDMA traffic.
const ROCEUDPPort uint16 = 4791

// UDP is an 8-byte UDP header.
type UDP struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// WireLen implements Header.
func (h UDP) WireLen() int { return UDPLen }

// Marshal implements Header.
func (h UDP) Marshal(buf []byte) (int, error) {
	if len(buf) < UDPLen {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint16(buf, h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:], h.Length)
	binary.BigEndian.PutUint16(buf[6:], 0) // checksum unused
	return UDPLen, nil
}

// UnmarshalUDP decodes a UDP header from buf.
func UnmarshalUDP(buf []byte, h *UDP) (int, error) {
	if len(buf) < UDPLen {
		return 0, ErrShortBuffer
	}
	h.SrcPort = binary.BigEndian.Uint16(buf)
	h.DstPort = binary.BigEndian.Uint16(buf[2:])
	h.Length = binary.BigEndian.Uint16(buf[4:])
	return UDPLen, nil
}
