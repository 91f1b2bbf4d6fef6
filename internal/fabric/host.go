package fabric

import (
	"container/heap"
	"log/slog"
	"math/rand"

	"github.com/dantte-lp/fabsim/internal/header"
	"github.com/dantte-lp/fabsim/internal/rdma"
	"github.com/dantte-lp/fabsim/internal/sim"
)

// Host is an end host with one NIC. It owns the RDMA queue pairs of the
// flows it sources, the per-flow receive cursors of the flows it sinks, and
// the two time-ordered queues driving paced transmission and retransmission.
type Host struct {
	fab *Fabric
	id  uint32 // server index
	dev *Device
	log *slog.Logger

	flows         map[uint32]*rdma.QueuePair
	sendCompleted map[uint32]*rdma.QueuePair
	rxCursor      map[uint32]uint32

	sendQ timeQueue
	rtxQ  timeQueue

	sendEv *sim.Event
	rtxEv  *sim.Event

	// rng draws ACK source ports, seeded by the server index so runs are
	// reproducible.
	rng *rand.Rand
}

func newHost(f *Fabric, serverID uint32) *Host {
	return &Host{
		fab:           f,
		id:            serverID,
		log:           f.log.With("host", serverID),
		flows:         make(map[uint32]*rdma.QueuePair),
		sendCompleted: make(map[uint32]*rdma.QueuePair),
		rxCursor:      make(map[uint32]uint32),
		rng:           rand.New(rand.NewSource(int64(serverID) + 1)),
	}
}

// ID returns the server index.
func (h *Host) ID() uint32 { return h.id }

// NIC returns the host's device.
func (h *Host) NIC() *Device { return h.dev }

// RxCursor returns the receive cursor for the given flow.
func (h *Host) RxCursor(flowID uint32) uint32 { return h.rxCursor[flowID] }

// QueuePair returns the live queue pair for the given flow, or nil.
func (h *Host) QueuePair(flowID uint32) *rdma.QueuePair { return h.flows[flowID] }

// attach implements node.
func (h *Host) attach(d *Device) {
	if h.dev != nil {
		panic("fabric: host already has a NIC")
	}
	d.host = h
	h.dev = d
}

// SetFlow admits a flow on this host. A duplicate flow id is logged and
// discarded.
func (h *Host) SetFlow(flow rdma.FlowInfo, opts ...rdma.Option) {
	if _, ok := h.flows[flow.ID]; ok {
		h.log.Error("flow already exists", "flow", flow.ID)
		return
	}
	qp := rdma.NewQueuePair(flow, h.dev.rate, h.fab.cfg.CC, h.fab.cfg.PFC,
		h.fab.sched, h.log, h.writeFCT, opts...)
	h.flows[flow.ID] = qp
	h.sendQ.push(qp.NextSendTime(), flow.ID)
	h.checkSendQueue()
}

// writeFCT forwards the completed flow to the fabric sink and metrics.
func (h *Host) writeFCT(flow rdma.FlowInfo) {
	if h.fab.metrics != nil {
		h.fab.metrics.ObserveFlowCompletion(sim.Clock(flow.EndTime - flow.StartTime).Seconds())
	}
	if h.fab.fct != nil {
		h.fab.fct(flow)
	}
}

// checkSendQueue drives paced transmission: it runs whenever the NIC's TX
// machine is READY, pops due flows from the send queue, and transmits the
// first packet a queue pair produces. Draining flows move to the
// retransmit queue. On exit a single wake-up is scheduled for the next
// pacing deadline.
func (h *Host) checkSendQueue() {
	if h.sendQ.Len() == 0 || h.dev.busy || h.dev.queue.Paused(int(rdma.DataPriority)) {
		return
	}

	// The send path is only entered with an empty data queue; anything
	// here means a scheduler invariant broke. Transmit it rather than
	// lose it.
	if pkt := h.dev.queue.Dequeue(); pkt != nil {
		h.log.Error("port queue not empty when checking send queue")
		h.dev.transmitStart(pkt)
		return
	}

	now := h.fab.sched.Now()
	for h.sendQ.Len() > 0 {
		at, id := h.sendQ.peek()
		if now < at {
			break
		}
		h.sendQ.pop()

		qp, ok := h.flows[id]
		if !ok {
			continue
		}

		pkt := qp.GenerateNextPacket()

		if qp.SendCompleted() {
			// Drain state: stop pacing, wait on the retransmit timer.
			h.sendCompleted[id] = qp
			h.rtxQ.push(qp.Timeout(), id)
			top, _ := h.rtxQ.peek()
			delay := top - now
			if delay > 1 {
				delay = 1
			}
			h.fab.sched.Cancel(h.rtxEv)
			h.rtxEv = h.fab.sched.Schedule(delay, h.checkRetransmitQueue)
		} else {
			h.sendQ.push(qp.NextSendTime(), id)
		}

		if pkt != nil {
			h.dev.Send(pkt, header.EtherTypeIPv4)
			return
		}
	}

	h.fab.sched.Cancel(h.sendEv)
	h.sendEv = nil
	if h.sendQ.Len() > 0 {
		at, _ := h.sendQ.peek()
		h.sendEv = h.fab.sched.At(at, h.checkSendQueue)
	}
}

// checkRetransmitQueue fires expired retransmission deadlines. Entries are
// tombstones: an entry whose stored deadline no longer matches the queue
// pair's current one is stale and skipped, so no flow retransmits twice for
// the same timeout.
func (h *Host) checkRetransmitQueue() {
	now := h.fab.sched.Now()
	for h.rtxQ.Len() > 0 {
		at, id := h.rtxQ.peek()
		if now < at {
			break
		}
		h.rtxQ.pop()

		qp, ok := h.sendCompleted[id]
		if !ok {
			continue
		}
		if qp.Timeout() != at {
			continue
		}

		qp.TimeoutReset()
		if h.fab.metrics != nil {
			h.fab.metrics.IncRetransmitTimeout()
		}
		h.sendQ.push(qp.NextSendTime(), id)
		delete(h.sendCompleted, id)
	}

	h.fab.sched.Cancel(h.rtxEv)
	h.rtxEv = nil
	if h.rtxQ.Len() > 0 {
		at, _ := h.rtxQ.peek()
		h.rtxEv = h.fab.sched.At(at, h.checkRetransmitQueue)
	}

	// Re-queued flows need the pacer awake.
	h.checkSendQueue()
}

// receiveData handles a data, ACK or NACK packet arriving at the host.
func (h *Host) receiveData(pkt *header.Packet, dev *Device) {
	var ip header.IPv4
	n, err := header.UnmarshalIPv4(pkt.Data(), &ip)
	if err != nil {
		h.log.Warn("short ipv4 packet", "error", err)
		return
	}
	pkt.Strip(n)

	var udp header.UDP
	if n, err = header.UnmarshalUDP(pkt.Data(), &udp); err != nil {
		h.log.Warn("short udp packet", "error", err)
		return
	}
	pkt.Strip(n)

	var hpcc header.HPCC
	if h.fab.cfg.CC == rdma.CCHpcc {
		if n, err = header.UnmarshalHPCC(pkt.Data(), &hpcc); err != nil {
			h.log.Warn("bad telemetry stack", "error", err)
			return
		}
		pkt.Strip(n)
	}

	var bth header.BTH
	if n, err = header.UnmarshalBTH(pkt.Data(), &bth); err != nil {
		h.log.Warn("short transport header", "error", err)
		return
	}
	pkt.Strip(n)

	if bth.ACK() || bth.NACK() {
		h.handleACK(bth, hpcc)
		return
	}

	// Data packet: advance the receive cursor and reply. The cursor is
	// monotone; an exact duplicate re-acks the current cursor.
	cursor := h.rxCursor[bth.ID]
	if bth.Seq <= cursor+bth.Size {
		if bth.Seq > cursor {
			cursor = bth.Seq
			h.rxCursor[bth.ID] = cursor
		}
		h.sendACK(ip, hpcc, bth.ID, cursor, true, ip.ECN == header.ECNCE)
	} else {
		// Gap: ask the sender to resume from the cursor.
		h.sendACK(ip, hpcc, bth.ID, cursor, false, true)
	}
}

// handleACK routes an ACK or NACK to its queue pair and maintains the drain
// bookkeeping: a terminal flow is removed, and a draining flow that needs a
// retransmit (NACK rewound its cursor) rejoins the send queue.
func (h *Host) handleACK(bth header.BTH, hpcc header.HPCC) {
	qp, ok := h.flows[bth.ID]
	if !ok {
		h.log.Warn("ack for unknown flow", "flow", bth.ID)
		return
	}
	if qp.ProcessACK(bth, hpcc) {
		delete(h.flows, bth.ID)
		delete(h.sendCompleted, bth.ID)
	} else if drained, ok := h.sendCompleted[bth.ID]; ok && !drained.SendCompleted() {
		h.sendQ.push(drained.NextSendTime(), bth.ID)
		delete(h.sendCompleted, bth.ID)
	}
	h.checkSendQueue()
}

// sendACK builds and transmits an ACK or NACK carrying the receive cursor.
// Under HPCC the request's telemetry stack is echoed back closed.
func (h *Host) sendACK(ip header.IPv4, hpcc header.HPCC, flowID, seq uint32, ack, cnp bool) {
	pkt := header.NewPacket(0)

	bth := header.BTH{ID: flowID, Seq: seq}
	if ack {
		bth.SetACK()
	} else {
		bth.SetNACK()
	}
	if cnp {
		bth.SetCNP()
	}
	if err := pkt.Push(bth); err != nil {
		h.log.Error("encode ack", "flow", flowID, "error", err)
		return
	}

	if h.fab.cfg.CC == rdma.CCHpcc {
		hpcc.Close()
		if err := pkt.Push(hpcc); err != nil {
			h.log.Error("encode ack telemetry", "flow", flowID, "error", err)
			return
		}
	}

	if err := pkt.Push(header.UDP{
		SrcPort: uint16(h.rng.Intn(65535)),
		DstPort: header.ROCEUDPPort,
		Length:  uint16(header.UDPLen + int(pkt.Size())),
	}); err != nil {
		h.log.Error("encode ack udp", "flow", flowID, "error", err)
		return
	}
	if err := pkt.Push(header.IPv4{
		ECN:         header.ECNECT0,
		PayloadSize: uint16(pkt.Size()),
		TTL:         64,
		Protocol:    header.ProtoUDP,
		Src:         ip.Dst,
		Dst:         ip.Src,
	}); err != nil {
		h.log.Error("encode ack ipv4", "flow", flowID, "error", err)
		return
	}
	pkt.Priority = rdma.ACKPriority

	h.dev.Send(pkt, header.EtherTypeIPv4)
}

// timeQueue is a min-heap of (time, flow id) entries with FIFO order for
// equal times. Entries are never updated in place; stale entries are left
// as tombstones and validated on pop.
type timeQueue struct {
	entries timeEntries
	seq     uint64
}

type timeEntry struct {
	at  sim.Clock
	id  uint32
	seq uint64
}

func (q *timeQueue) Len() int { return len(q.entries) }

func (q *timeQueue) push(at sim.Clock, id uint32) {
	heap.Push(&q.entries, timeEntry{at, id, q.seq})
	q.seq++
}

func (q *timeQueue) peek() (sim.Clock, uint32) {
	return q.entries[0].at, q.entries[0].id
}

func (q *timeQueue) pop() {
	heap.Pop(&q.entries)
}

type timeEntries []timeEntry

func (e timeEntries) Len() int { return len(e) }

func (e timeEntries) Less(i, j int) bool {
	if e[i].at != e[j].at {
		return e[i].at < e[j].at
	}
	return e[i].seq < e[j].seq
}

func (e timeEntries) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e *timeEntries) Push(x any) { *e = append(*e, x.(timeEntry)) }

func (e *timeEntries) Pop() any {
	o := *e
	n := len(o)
	t := o[n-1]
	*e = o[:n-1]
	return t
}
