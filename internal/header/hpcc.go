package header

import (
	"encoding/binary"

	"github.com/dantte-lp/fabsim/internal/sim"
)

// INT field quantization units and wrap moduli.
const (
	intRateUnit  = 100 * sim.Gbps // rate field, 4 bits
	intTimeUnit  = 16             // ns per time tick, 24-bit field
	intByteUnit  = 512            // bytes per byte tick, 20-bit field
	intQueueUnit = 64             // bytes per queue tick, 16-bit field

	intTimeModulus = (1 << 24) * intTimeUnit
	intByteModulus = (1 << 20) * intByteUnit
)

// IntLen is the encoded size of one telemetry record.
const IntLen = 8

// Int is one HPCC in-band telemetry record: the egress link rate, a
// timestamp, the cumulative transmitted bytes and the queue length at the
// hop that appended it. Fields are quantized; getters return scaled values.
type Int struct {
	rate     uint8  // 4 bits, units of 100 Gb/s
	time     uint32 // 24 bits, units of 16 ns
	bytes    uint32 // 20 bits, units of 512 B
	queueLen uint16 // 16 bits, units of 64 B
}

// NewInt returns a record for the given hop state, quantizing each field.
func NewInt(rate sim.Bitrate, now sim.Clock, txBytes, queueLen sim.Bytes) Int {
	return Int{
		rate:     uint8(rate/intRateUnit) & 0xF,
		time:     uint32(now/intTimeUnit) & 0xFFFFFF,
		bytes:    uint32(txBytes/intByteUnit) & 0xFFFFF,
		queueLen: uint16(queueLen / intQueueUnit),
	}
}

// Rate returns the recorded egress link rate.
func (h Int) Rate() sim.Bitrate { return sim.Bitrate(h.rate) * intRateUnit }

// Time returns the recorded timestamp in nanoseconds, modulo the 24-bit wrap.
func (h Int) Time() sim.Clock { return sim.Clock(h.time) * intTimeUnit }

// Bytes returns the recorded transmitted bytes, modulo the 20-bit wrap.
func (h Int) Bytes() sim.Bytes { return sim.Bytes(h.bytes) * intByteUnit }

// QueueLen returns the recorded queue length.
func (h Int) QueueLen() sim.Bytes { return sim.Bytes(h.queueLen) * intQueueUnit }

// BytesDelta returns the transmitted-byte delta since old, accounting for a
// single wrap of the 20-bit counter. A delta that cannot fit in the modulus
// is a protocol error.
func (h Int) BytesDelta(old Int) (sim.Bytes, error) {
	n, o := h.Bytes(), old.Bytes()
	if n < o {
		if n+intByteModulus < o {
			return 0, ErrDeltaOverflow
		}
		return n + intByteModulus - o, nil
	}
	return n - o, nil
}

// TimeDelta returns the elapsed time since old, accounting for a single
// wrap of the 24-bit counter.
func (h Int) TimeDelta(old Int) (sim.Clock, error) {
	n, o := h.Time(), old.Time()
	if n < o {
		if n+intTimeModulus < o {
			return 0, ErrDeltaOverflow
		}
		return n + intTimeModulus - o, nil
	}
	return n - o, nil
}

// WireLen implements Header.
func (h Int) WireLen() int { return IntLen }

// Marshal implements Header. The four fields pack into a 64-bit word from
// the low bits up (rate, time, bytes, queueLen), emitted as two big-endian
// 32-bit halves, low half first.
func (h Int) Marshal(buf []byte) (int, error) {
	if len(buf) < IntLen {
		return 0, ErrShortBuffer
	}
	v := uint64(h.rate&0xF) |
		uint64(h.time&0xFFFFFF)<<4 |
		uint64(h.bytes&0xFFFFF)<<28 |
		uint64(h.queueLen)<<48
	binary.BigEndian.PutUint32(buf, uint32(v))
	binary.BigEndian.PutUint32(buf[4:], uint32(v>>32))
	return IntLen, nil
}

// UnmarshalInt decodes one telemetry record from buf.
func UnmarshalInt(buf []byte, h *Int) (int, error) {
	if len(buf) < IntLen {
		return 0, ErrShortBuffer
	}
	v := uint64(binary.BigEndian.Uint32(buf)) |
		uint64(binary.BigEndian.Uint32(buf[4:]))<<32
	h.rate = uint8(v & 0xF)
	h.time = uint32(v>>4) & 0xFFFFFF
	h.bytes = uint32(v>>28) & 0xFFFFF
	h.queueLen = uint16(v >> 48)
	return IntLen, nil
}

// HPCC is the in-band telemetry stack: a signed hop count followed by that
// many telemetry records. A negative hop count marks the stack closed (no
// hop may append further records); its magnitude still gives the record
// count.
type HPCC struct {
	Hops    int8
	Records []Int
}

// WireLen implements Header.
func (h HPCC) WireLen() int { return 1 + IntLen*len(h.Records) }

// Open reports whether hops may still append records.
func (h HPCC) Open() bool { return h.Hops >= 0 }

// Push appends a telemetry record for the current hop.
func (h *HPCC) Push(rec Int) error {
	if !h.Open() {
		return ErrTelemetryClosed
	}
	h.Records = append(h.Records, rec)
	h.Hops++
	return nil
}

// Close marks the stack so no further records may be appended. The record
// count is preserved in the magnitude of the hop count. A stack with no
// records keeps a hop count of zero and therefore stays open.
func (h *HPCC) Close() {
	h.Hops = -h.Hops
}

// Marshal implements Header.
func (h HPCC) Marshal(buf []byte) (int, error) {
	if len(buf) < h.WireLen() {
		return 0, ErrShortBuffer
	}
	buf[0] = uint8(h.Hops)
	off := 1
	for _, rec := range h.Records {
		n, err := rec.Marshal(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

// UnmarshalHPCC decodes a telemetry stack from buf. The record count is the
// magnitude of the hop count, widened before negation so the minimum int8
// decodes to 128 records rather than overflowing.
func UnmarshalHPCC(buf []byte, h *HPCC) (int, error) {
	if len(buf) < 1 {
		return 0, ErrShortBuffer
	}
	h.Hops = int8(buf[0])
	count := int(h.Hops)
	if count < 0 {
		count = -count
	}
	off := 1
	h.Records = h.Records[:0]
	for i := 0; i < count; i++ {
		var rec Int
		n, err := UnmarshalInt(buf[off:], &rec)
		if err != nil {
			return 0, err
		}
		h.Records = append(h.Records, rec)
		off += n
	}
	return off, nil
}
