package header

import (
	"encoding/binary"
)

// BTH flag bits.
const (
	bthFlagACK  uint8 = 0x1
	bthFlagNACK uint8 = 0x2
	bthFlagCNP  uint8 = 0x4
)

// BTHLen is the encoded size of the base transport header.
const BTHLen = 13

// BTH is the RDMA base transport header: flow id, byte sequence, payload
// size and the ACK/NACK/CNP flag bits.
//
// Sequence numbers are byte cursors: a data packet carries
// seq = bytesSent + size, an ACK carries the receiver's cursor.
type BTH struct {
	ID    uint32
	Seq   uint32
	Size  uint32
	flags uint8
}

// ACK reports whether the ACK bit is set.
func (h BTH) ACK() bool { return h.flags&bthFlagACK != 0 }

// NACK reports whether the NACK bit is set.
func (h BTH) NACK() bool { return h.flags&bthFlagNACK != 0 }

// CNP reports whether the congestion-notification bit is set.
func (h BTH) CNP() bool { return h.flags&bthFlagCNP != 0 }

// SetACK sets the ACK bit.
func (h *BTH) SetACK() { h.flags |= bthFlagACK }

// SetNACK sets the NACK bit.
func (h *BTH) SetNACK() { h.flags |= bthFlagNACK }

// SetCNP sets the congestion-notification bit.
func (h *BTH) SetCNP() { h.flags |= bthFlagCNP }

// WireLen implements Header.
func (h BTH) WireLen() int { return BTHLen }

// Marshal implements Header.
func (h BTH) Marshal(buf []byte) (int, error) {
	if len(buf) < BTHLen {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf, h.ID)
	binary.BigEndian.PutUint32(buf[4:], h.Seq)
	binary.BigEndian.PutUint32(buf[8:], h.Size)
	buf[12] = h.flags
	return BTHLen, nil
}

// UnmarshalBTH decodes a base transport header from buf.
func UnmarshalBTH(buf []byte, h *BTH) (int, error) {
	if len(buf) < BTHLen {
		return 0, ErrShortBuffer
	}
	h.ID = binary.BigEndian.Uint32(buf)
	h.Seq = binary.BigEndian.Uint32(buf[4:])
	h.Size = binary.BigEndian.Uint32(buf[8:])
	h.flags = buf[12]
	return BTHLen, nil
}

// PFCLen is the encoded size of a PFC control header.
const PFCLen = 12

// PFC is a priority flow-control frame: a pause time, the reporting queue
// size and the paused class index. Time zero means resume.
type PFC struct {
	Time       uint32
	QueueSize  uint32
	QueueIndex uint32
}

// Pause reports whether the frame pauses (rather than resumes) the class.
func (h PFC) Pause() bool { return h.Time > 0 }

// WireLen implements Header.
func (h PFC) WireLen() int { return PFCLen }

// Marshal implements Header.
func (h PFC) Marshal(buf []byte) (int, error) {
	if len(buf) < PFCLen {
		return 0, ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf, h.Time)
	binary.BigEndian.PutUint32(buf[4:], h.QueueSize)
	binary.BigEndian.PutUint32(buf[8:], h.QueueIndex)
	return PFCLen, nil
}

// UnmarshalPFC decodes a PFC control header from buf.
func UnmarshalPFC(buf []byte, h *PFC) (int, error) {
	if len(buf) < PFCLen {
		return 0, ErrShortBuffer
	}
	h.Time = binary.BigEndian.Uint32(buf)
	h.QueueSize = binary.BigEndian.Uint32(buf[4:])
	h.QueueIndex = binary.BigEndian.Uint32(buf[8:])
	return PFCLen, nil
}

// BubbleLen is the encoded size of a bubble header.
const BubbleLen = 1

// BubbleRateMax is the largest bubble rate code.
const BubbleRateMax uint8 = 8

// Bubble is the one-byte backpressure signal: a discrete rate code in
// [0, BubbleRateMax] describing downstream buffer pressure.
type Bubble struct {
	Rate uint8
}

// WireLen implements Header.
func (h Bubble) WireLen() int { return BubbleLen }

// Marshal implements Header.
func (h Bubble) Marshal(buf []byte) (int, error) {
	if len(buf) < BubbleLen {
		return 0, ErrShortBuffer
	}
	buf[0] = h.Rate
	return BubbleLen, nil
}

// UnmarshalBubble decodes a bubble header from buf.
func UnmarshalBubble(buf []byte, h *Bubble) (int, error) {
	if len(buf) < BubbleLen {
		return 0, ErrShortBuffer
	}
	h.Rate = buf[0]
	return BubbleLen, nil
}
