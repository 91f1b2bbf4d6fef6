package rdma

import (
	"log/slog"

	"github.com/dantte-lp/fabsim/internal/header"
	"github.com/dantte-lp/fabsim/internal/sim"
)

// Queueing priorities for the packets a queue pair emits.
const (
	DataPriority uint8 = 2
	ACKPriority  uint8 = 2
)

// DefaultSendSize is the default amount of payload per data packet.
const DefaultSendSize = 1400

const (
	// retransmitTimeout is the silence interval after which the flow path
	// is presumed dead and transmission rewinds to the acked cursor.
	retransmitTimeout = 2 * sim.Millisecond

	// bdpWindow is the pipe delay used to cap in-flight bytes.
	bdpWindow = 200 * sim.Microsecond

	// minWindowBits is the in-flight floor so short pipes still fill.
	minWindowBits = 800_000

	minRate = 100 * sim.Mbps

	// MLX/DCQCN intervals and constants.
	cnpHoldoff       = 40 * sim.Microsecond
	alphaInterval    = 45 * sim.Microsecond
	increaseInterval = 50 * sim.Microsecond
	rateIncrement    = 100 * sim.Mbps
	mlxG             = 1.0 / 256.0
)

// QueuePair is the sender-side state machine for one flow. It is owned by
// the source NIC and driven by the NIC's send scheduler; it never touches
// the wire itself, it only builds packets and tracks cursors.
type QueuePair struct {
	flow FlowInfo
	port uint16 // UDP source port, bumped on retransmit to reshuffle ECMP

	sendSize   uint32
	bytesSent  uint32
	bytesAcked uint32

	maxRate     sim.Bitrate
	currentRate sim.Bitrate

	lastSendTime     sim.Clock
	lastGenerateTime sim.Clock

	cc  uint32
	pfc uint32

	// MLX/DCQCN state.
	prevCnpTime    sim.Clock
	mlxCnpObserved bool
	mlxAlpha       float64
	mlxTimeStage   int32
	mlxTargetRate  sim.Bitrate

	// Timer generations: a handler fires only if its captured generation
	// still matches, so cancel-and-reschedule is a counter bump.
	alphaGen    uint64
	increaseGen uint64

	// Last telemetry stack echoed on an ACK, retained for HPCC.
	telemetry []header.Int

	sched *sim.Scheduler
	log   *slog.Logger
	fct   FCTFunc
}

// Option configures a QueuePair.
type Option func(*QueuePair)

// WithSendSize overrides the per-packet payload size.
func WithSendSize(size uint32) Option {
	return func(q *QueuePair) { q.sendSize = size }
}

// NewQueuePair returns the sender state for the given flow. maxRate is the
// source NIC's link rate; fct is invoked once when the final ACK lands.
func NewQueuePair(flow FlowInfo, maxRate sim.Bitrate, cc, pfc uint32,
	sched *sim.Scheduler, log *slog.Logger, fct FCTFunc, opts ...Option) *QueuePair {
	q := &QueuePair{
		flow:          flow,
		port:          uint16(flow.ID & 0xFFFF),
		sendSize:      DefaultSendSize,
		maxRate:       maxRate,
		currentRate:   maxRate,
		mlxAlpha:      1.0,
		mlxTargetRate: maxRate,
		cc:            cc,
		pfc:           pfc,
		sched:         sched,
		log:           log,
		fct:           fct,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// ID returns the flow id.
func (q *QueuePair) ID() uint32 { return q.flow.ID }

// Flow returns the flow descriptor.
func (q *QueuePair) Flow() FlowInfo { return q.flow }

// CurrentRate returns the paced send rate.
func (q *QueuePair) CurrentRate() sim.Bitrate { return q.currentRate }

// TargetRate returns the MLX target rate.
func (q *QueuePair) TargetRate() sim.Bitrate { return q.mlxTargetRate }

// Alpha returns the MLX congestion estimate.
func (q *QueuePair) Alpha() float64 { return q.mlxAlpha }

// Port returns the current UDP source port.
func (q *QueuePair) Port() uint16 { return q.port }

// BytesSent returns the send cursor.
func (q *QueuePair) BytesSent() uint32 { return q.bytesSent }

// BytesAcked returns the ack cursor.
func (q *QueuePair) BytesAcked() uint32 { return q.bytesAcked }

// Telemetry returns the most recent HPCC record stack echoed on an ACK.
func (q *QueuePair) Telemetry() []header.Int { return q.telemetry }

// SendCompleted reports whether every byte has been sent at least once.
// A completed sender is draining: it stops pacing and waits on the
// retransmit timer for the final ACK.
func (q *QueuePair) SendCompleted() bool {
	return q.bytesSent >= q.flow.Size
}

// NextSendTime returns the pacing deadline for the next packet.
func (q *QueuePair) NextSendTime() sim.Clock {
	return q.lastGenerateTime + sim.TransferTime(q.currentRate, sim.Bytes(q.sendSize))
}

// Timeout returns the retransmission deadline for a draining sender.
func (q *QueuePair) Timeout() sim.Clock {
	if !q.SendCompleted() {
		q.log.Error("timeout queried for non-completed flow", "flow", q.flow.ID)
	}
	return q.lastSendTime + retransmitTimeout
}

// TimeoutReset handles an expired retransmit timer: reshuffle ECMP by
// changing the source port, rewind to the acked cursor, and under MLX
// treat the loss as a congestion signal.
func (q *QueuePair) TimeoutReset() {
	q.port++
	q.bytesSent = q.bytesAcked
	now := q.sched.Now()
	q.lastSendTime = now
	q.lastGenerateTime = now
	if q.cc == CCMlx {
		q.decreaseRate()
	}
	if q.pfc == PFCPause {
		q.log.Warn("timeout under lossless mode, retransmitting",
			"flow", q.flow.ID, "from_byte", q.bytesSent)
	}
}

// windowLimited reports whether the in-flight bytes fill the pipe.
func (q *QueuePair) windowLimited() bool {
	inFlight := q.bytesSent - q.bytesAcked
	window := float64(q.currentRate) * bdpWindow.Seconds()
	if window < minWindowBits {
		window = minWindowBits
	}
	return float64(inFlight)*8 >= window
}

// GenerateNextPacket builds the next data packet, or returns nil when the
// sender is window-limited or has nothing left to send. Called by the NIC
// scheduler when the pacing deadline is reached.
func (q *QueuePair) GenerateNextPacket() *header.Packet {
	if q.SendCompleted() {
		q.log.Error("generate called after all data sent", "flow", q.flow.ID)
		return nil
	}

	q.lastGenerateTime = q.sched.Now()

	if q.lastSendTime != 0 && q.lastGenerateTime-q.lastSendTime > retransmitTimeout {
		// Silent path: rewind and reshuffle as in TimeoutReset.
		q.port++
		q.bytesSent = q.bytesAcked
		if q.cc == CCMlx {
			q.decreaseRate()
		}
		if q.pfc == PFCPause {
			q.log.Warn("timeout under lossless mode, retransmitting",
				"flow", q.flow.ID, "from_byte", q.bytesSent)
		}
	} else if q.windowLimited() {
		return nil
	}

	q.lastSendTime = q.sched.Now()

	toSend := q.flow.Size - q.bytesSent
	if toSend > q.sendSize {
		toSend = q.sendSize
	}

	pkt := header.NewPacket(int(toSend))
	bth := header.BTH{
		ID:   q.flow.ID,
		Seq:  q.bytesSent + toSend,
		Size: toSend,
	}
	if err := pkt.Push(bth); err != nil {
		q.log.Error("encode BTH", "flow", q.flow.ID, "error", err)
		return nil
	}
	if q.cc == CCHpcc {
		// Empty open stack; switches append records along the path.
		if err := pkt.Push(header.HPCC{}); err != nil {
			q.log.Error("encode HPCC", "flow", q.flow.ID, "error", err)
			return nil
		}
	}
	if err := pkt.Push(header.UDP{
		SrcPort: q.port,
		DstPort: header.ROCEUDPPort,
		Length:  uint16(header.UDPLen + int(pkt.Size())),
	}); err != nil {
		q.log.Error("encode UDP", "flow", q.flow.ID, "error", err)
		return nil
	}
	if err := pkt.Push(header.IPv4{
		ECN:         header.ECNECT0,
		PayloadSize: uint16(pkt.Size()),
		TTL:         64,
		Protocol:    header.ProtoUDP,
		Src:         q.flow.Src,
		Dst:         q.flow.Dst,
	}); err != nil {
		q.log.Error("encode IPv4", "flow", q.flow.ID, "error", err)
		return nil
	}
	pkt.Priority = DataPriority

	q.bytesSent += toSend
	return pkt
}

// ProcessACK advances the cursors from an ACK or NACK. It returns true when
// the flow is terminal (every byte acked); the caller removes the queue pair.
func (q *QueuePair) ProcessACK(bth header.BTH, hpcc header.HPCC) bool {
	if bth.ID != q.flow.ID {
		q.log.Error("ack for unknown flow id", "flow", q.flow.ID, "ack_id", bth.ID)
		return false
	}

	if q.cc == CCHpcc {
		q.recordTelemetry(hpcc)
	}

	if bth.Seq > q.bytesAcked {
		q.bytesAcked = bth.Seq
	}

	switch {
	case bth.ACK():
		if q.bytesAcked > q.bytesSent {
			q.bytesSent = q.bytesAcked
		}
		if q.bytesAcked >= q.flow.Size {
			q.complete()
			return true
		}
	case bth.NACK():
		// Go-back-N: resume from the receiver's cursor.
		q.bytesSent = q.bytesAcked
	default:
		q.log.Error("ack with neither ACK nor NACK set", "flow", q.flow.ID)
		return false
	}

	if bth.CNP() && q.cc == CCMlx {
		q.decreaseRate()
	}
	return false
}

// complete stamps the end time, reports the FCT and stops the rate timers.
func (q *QueuePair) complete() {
	if q.flow.EndTime == 0 {
		q.flow.EndTime = int64(q.sched.Now())
		if q.fct != nil {
			q.fct(q.flow)
		}
	}
	q.CancelTimers()
}

// CancelTimers invalidates any pending MLX rate-control events.
func (q *QueuePair) CancelTimers() {
	q.alphaGen++
	q.increaseGen++
}

// recordTelemetry retains the echoed INT stack for inspection. The HPCC
// rate update from these records is intentionally left open; see DESIGN.md.
func (q *QueuePair) recordTelemetry(hpcc header.HPCC) {
	q.telemetry = append(q.telemetry[:0], hpcc.Records...)
	q.log.Debug("hpcc telemetry", "flow", q.flow.ID, "hops", len(hpcc.Records))
}

// decreaseRate is the DCQCN response to a CNP (or a timeout under MLX):
// a multiplicative decrease by alpha/2, rate-limited to one cut per
// holdoff interval, followed by an alpha update and a fresh recovery cycle.
func (q *QueuePair) decreaseRate() {
	q.mlxCnpObserved = true
	now := q.sched.Now()
	if now-q.prevCnpTime > cnpHoldoff {
		q.prevCnpTime = now
		q.mlxTargetRate = q.currentRate
		decreased := sim.Bitrate(float64(q.currentRate) * (1 - q.mlxAlpha/2))
		q.currentRate = sim.MaxBitrate(minRate, decreased)
	}
	q.updateAlpha()
	q.mlxTimeStage = 0
	q.armIncrease()
}

// updateAlpha runs the alpha EWMA and re-arms itself every alphaInterval.
func (q *QueuePair) updateAlpha() {
	q.alphaGen++
	if q.mlxCnpObserved {
		q.mlxAlpha = (1-mlxG)*q.mlxAlpha + mlxG
	} else {
		q.mlxAlpha = (1 - mlxG) * q.mlxAlpha
	}
	q.mlxCnpObserved = false
	gen := q.alphaGen
	q.sched.Schedule(alphaInterval, func() {
		if gen == q.alphaGen {
			q.updateAlpha()
		}
	})
}

// armIncrease schedules the next additive-increase step, invalidating any
// previously armed one.
func (q *QueuePair) armIncrease() {
	q.increaseGen++
	gen := q.increaseGen
	q.sched.Schedule(increaseInterval, func() {
		if gen == q.increaseGen {
			q.increaseRate()
		}
	})
}

// increaseRate recovers toward (and then beyond) the target rate.
func (q *QueuePair) increaseRate() {
	if q.mlxTimeStage > 0 {
		q.mlxTargetRate = sim.MinBitrate(q.maxRate, q.mlxTargetRate+rateIncrement)
	}
	q.currentRate = (q.mlxTargetRate + q.currentRate) / 2
	q.mlxTimeStage++
	q.armIncrease()
}
