package fabric

import (
	"github.com/dantte-lp/fabsim/internal/header"
	"github.com/dantte-lp/fabsim/internal/sim"
)

// Device is one end of a point-to-point link: it owns a port queue, a
// transmit state machine and a reference to its peer. A device belongs to
// either a host NIC or a switch port; received frames are dispatched
// accordingly.
type Device struct {
	id    DeviceID
	fab   *Fabric
	rate  sim.Bitrate
	delay sim.Clock
	ifg   sim.Clock // interframe gap

	peer  *Device
	queue *PortQueue

	// busy is the TX state: false READY, true BUSY.
	busy bool

	// txBytes counts bytes put on the wire, for in-band telemetry.
	txBytes sim.Bytes

	// bubbleRate is the last bubble code received from the peer. Hosts
	// record it; no pacing reaction is taken (the signal is experimental).
	bubbleRate uint8

	// receiveError, when set, is consulted for every arriving frame; true
	// drops it before processing. Used to model receive-side loss.
	receiveError func(*header.Packet) bool

	host *Host
	sw   *Switch
}

// ID returns the device's arena index.
func (d *Device) ID() DeviceID { return d.id }

// Rate returns the link rate.
func (d *Device) Rate() sim.Bitrate { return d.rate }

// Delay returns the link propagation delay.
func (d *Device) Delay() sim.Clock { return d.delay }

// Queue returns the device's port queue.
func (d *Device) Queue() *PortQueue { return d.queue }

// BubbleRate returns the last bubble code received on this device.
func (d *Device) BubbleRate() uint8 { return d.bubbleRate }

// TxBytes returns the cumulative bytes transmitted.
func (d *Device) TxBytes() sim.Bytes { return d.txBytes }

// Send frames the packet with PPP, enqueues it, and starts transmission if
// the device is idle. It returns false when the packet was dropped at the
// queue or could not be framed.
func (d *Device) Send(pkt *header.Packet, etherType uint16) bool {
	proto, err := header.EtherToPPP(etherType)
	if err != nil {
		d.fab.log.Error("send with unmapped protocol", "device", d.id, "ether_type", etherType)
		return false
	}
	if err := pkt.Push(header.PPP{Protocol: proto}); err != nil {
		d.fab.log.Error("frame packet", "device", d.id, "error", err)
		return false
	}
	if !d.queue.Enqueue(pkt) {
		return false
	}
	if !d.busy {
		if p := d.queue.Dequeue(); p != nil {
			d.transmitStart(p)
		} else if d.host != nil {
			d.host.checkSendQueue()
		}
	}
	return true
}

// transmitStart moves the TX machine READY -> BUSY, runs the switch egress
// pipeline if this is a switch port, and puts the packet on the channel.
// The egress pipeline may drop the packet, in which case transmission
// completes immediately.
func (d *Device) transmitStart(pkt *header.Packet) {
	if d.sw != nil {
		pkt = d.sw.egress(pkt, d)
	}
	d.busy = true
	if pkt == nil {
		d.transmitComplete()
		return
	}
	txTime := sim.TransferTime(d.rate, pkt.Size())
	d.txBytes += pkt.Size()
	d.fab.sched.Schedule(txTime+d.ifg, d.transmitComplete)
	peer := d.peer
	d.fab.sched.Schedule(txTime+d.delay, func() { peer.receive(pkt) })
}

// transmitComplete moves BUSY -> READY and either starts the next queued
// packet or, on a host, hands control back to the send scheduler.
func (d *Device) transmitComplete() {
	d.busy = false
	if p := d.queue.Dequeue(); p != nil {
		d.transmitStart(p)
		return
	}
	if d.host != nil {
		d.host.checkSendQueue()
	}
}

// SetReceiveError installs a receive-side error model. The function sees
// each arriving frame (PPP framing included) and returns true to drop it.
func (d *Device) SetReceiveError(fn func(*header.Packet) bool) {
	d.receiveError = fn
}

// receive handles a frame arriving from the channel: strip PPP, then
// dispatch on the frame type.
func (d *Device) receive(pkt *header.Packet) {
	if d.receiveError != nil && d.receiveError(pkt) {
		return
	}
	var ppp header.PPP
	n, err := header.UnmarshalPPP(pkt.Data(), &ppp)
	if err != nil {
		d.fab.log.Warn("short frame", "device", d.id, "error", err)
		return
	}
	pkt.Strip(n)

	etherType, err := header.PPPToEther(ppp.Protocol)
	if err != nil {
		d.fab.log.Warn("unknown ppp protocol", "device", d.id, "proto", ppp.Protocol)
		return
	}

	if etherType == header.EtherTypePFC {
		d.handlePFC(pkt)
		return
	}

	if d.sw != nil {
		// The ingress pipeline drops anything that is not IPv4.
		d.sw.ingress(etherType, pkt, d)
		return
	}

	switch etherType {
	case header.EtherTypeBubble:
		var b header.Bubble
		if _, err := header.UnmarshalBubble(pkt.Data(), &b); err != nil {
			d.fab.log.Warn("short bubble frame", "device", d.id, "error", err)
			return
		}
		d.bubbleRate = b.Rate
		d.fab.log.Debug("bubble rate", "device", d.id, "rate", b.Rate)
	case header.EtherTypeIPv4:
		d.host.receiveData(pkt, d)
	default:
		d.fab.log.Warn("drop frame with unhandled type", "device", d.id, "ether_type", etherType)
	}
}

// handlePFC applies a pause or resume to the signalled class, and on resume
// restarts transmission if the device is idle.
func (d *Device) handlePFC(pkt *header.Packet) {
	var pfc header.PFC
	if _, err := header.UnmarshalPFC(pkt.Data(), &pfc); err != nil {
		d.fab.log.Warn("short pfc frame", "device", d.id, "error", err)
		return
	}
	d.queue.SetPause(int(pfc.QueueIndex), pfc.Pause())

	if !pfc.Pause() && !d.busy {
		if p := d.queue.Dequeue(); p != nil {
			d.transmitStart(p)
		} else if d.host != nil {
			d.host.checkSendQueue()
		}
	}
}
