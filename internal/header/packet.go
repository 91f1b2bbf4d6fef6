package header

import (
	"github.com/dantte-lp/fabsim/internal/sim"
)

// Packet is the unit carried between devices: a contiguous wire buffer with
// headers prepended and stripped at each layer, plus transient metadata that
// never reaches the wire (the queueing priority and the switch buffer tag).
type Packet struct {
	buf []byte

	// Priority selects the port-queue class. It rides with the packet like
	// a socket priority mark and is not serialized.
	Priority uint8

	// Tag is the switch buffer-accounting tag, attached at ingress admission
	// and consumed at egress. Nil outside a switch.
	Tag *SwitchTag
}

// SwitchTag records what a packet was charged at ingress so egress returns
// every byte to the correct pool.
type SwitchTag struct {
	Size    sim.Bytes
	Ingress uint32 // DeviceID of the ingress device
}

// NewPacket returns a packet with a zeroed payload of the given size.
func NewPacket(payload int) *Packet {
	return &Packet{buf: make([]byte, payload)}
}

// Size returns the current wire size of the packet.
func (p *Packet) Size() sim.Bytes {
	return sim.Bytes(len(p.buf))
}

// Data returns the packet bytes starting at the outermost header.
func (p *Packet) Data() []byte {
	return p.buf
}

// Push prepends the encoded header to the packet.
func (p *Packet) Push(h Header) error {
	n := h.WireLen()
	buf := make([]byte, n+len(p.buf))
	if _, err := h.Marshal(buf); err != nil {
		return err
	}
	copy(buf[n:], p.buf)
	p.buf = buf
	return nil
}

// Strip removes n bytes from the front of the packet, after the caller has
// decoded them.
func (p *Packet) Strip(n int) {
	p.buf = p.buf[n:]
}
