package fabric

import (
	"log/slog"
	"math/rand"

	"github.com/dantte-lp/fabsim/internal/header"
	"github.com/dantte-lp/fabsim/internal/rdma"
	"github.com/dantte-lp/fabsim/internal/sim"
)

const (
	// reservedSize is the per-ingress guaranteed buffer.
	reservedSize sim.Bytes = 10_000

	// resumeOffset is the hysteresis gap below the shared threshold
	// required before a paused ingress resumes.
	resumeOffset sim.Bytes = 10_000

	// bufferPerGbps sizes each port's buffer share from its link rate.
	bufferPerGbps sim.Bytes = 5_000

	// headroomRTTs sizes per-port headroom as a multiple of the link BDP,
	// absorbing the packets in flight between PAUSE emission and the
	// sender actually stopping.
	headroomRTTs = 3

	// ECN thresholds as fractions of the per-port buffer share, and the
	// top marking probability at kmax.
	kminFraction = 0.1
	kmaxFraction = 0.4
	ecnMaxProb   = 0.2

	// bubbleInterval rate-limits bubble updates per ingress port.
	bubbleInterval = 10 * sim.Microsecond

	// bubbleTargetFraction is the ingress occupancy the bubble controller
	// steers toward.
	bubbleTargetFraction = 0.1

	// pfcClass is the traffic class named in emitted PFC frames.
	pfcClass = 2

	// bubblePriority queues bubble frames on the reserved control class.
	bubblePriority = bubbleClass
)

// Switch is a switch node: a routing table, the shared-buffer accounting
// state, and the PFC/ECN/bubble policy around its port queues.
type Switch struct {
	fab  *Fabric
	id   uint32
	seed uint32
	log  *slog.Logger

	route map[uint32][]DeviceID
	devs  []*Device

	// Pool totals. sharedThreshold derives from these; it may transiently
	// go negative under heavy concurrent ingress and is kept signed.
	bufferTotal   sim.Bytes
	sharedTotal   sim.Bytes
	usedShared    sim.Bytes
	reservedTotal sim.Bytes
	hdrmTotal     sim.Bytes

	hdrmBuffer  map[DeviceID]sim.Bytes
	usedHdrm    map[DeviceID]sim.Bytes
	usedIngress map[DeviceID]sim.Bytes
	usedEgress  map[DeviceID]sim.Bytes

	kmin map[DeviceID]sim.Bytes
	kmax map[DeviceID]sim.Bytes

	pause      map[DeviceID]bool
	bubbleRate map[DeviceID]uint8
	bubbleTime map[DeviceID]sim.Clock
	prevBuffer map[DeviceID]sim.Bytes

	drops    uint64
	ecnCount uint64

	// rng drives the probabilistic ECN decision, seeded by the switch id
	// for deterministic runs.
	rng *rand.Rand
}

func newSwitch(f *Fabric, id, ecmpSeed uint32) *Switch {
	return &Switch{
		fab:         f,
		id:          id,
		seed:        ecmpSeed,
		log:         f.log.With("switch", id),
		route:       make(map[uint32][]DeviceID),
		hdrmBuffer:  make(map[DeviceID]sim.Bytes),
		usedHdrm:    make(map[DeviceID]sim.Bytes),
		usedIngress: make(map[DeviceID]sim.Bytes),
		usedEgress:  make(map[DeviceID]sim.Bytes),
		kmin:        make(map[DeviceID]sim.Bytes),
		kmax:        make(map[DeviceID]sim.Bytes),
		pause:       make(map[DeviceID]bool),
		bubbleRate:  make(map[DeviceID]uint8),
		bubbleTime:  make(map[DeviceID]sim.Clock),
		prevBuffer:  make(map[DeviceID]sim.Bytes),
		rng:         rand.New(rand.NewSource(int64(id))),
	}
}

// ID returns the switch id.
func (s *Switch) ID() uint32 { return s.id }

// Drops returns the admission drop count.
func (s *Switch) Drops() uint64 { return s.drops }

// EcnMarks returns the ECN mark count.
func (s *Switch) EcnMarks() uint64 { return s.ecnCount }

// Device returns the switch-local device with the given ordinal.
func (s *Switch) Device(i int) *Device { return s.devs[i] }

// NumDevices returns the number of attached devices.
func (s *Switch) NumDevices() int { return len(s.devs) }

// attach implements node: it registers the device and carves its buffer
// shares. Headroom is sized from the link BDP; the rest of the port share
// splits into the per-port reserve and the switch-wide shared pool.
func (s *Switch) attach(d *Device) {
	d.sw = s
	s.devs = append(s.devs, d)

	hdrm := sim.Bytes(float64(d.rate) * d.delay.Seconds() / 8 * headroomRTTs)
	share := sim.Bytes(float64(d.rate) / float64(sim.Gbps) * float64(bufferPerGbps))

	s.hdrmBuffer[d.id] = hdrm
	s.bufferTotal += share
	s.hdrmTotal += hdrm
	s.reservedTotal += reservedSize
	s.sharedTotal += share - reservedSize - hdrm
	if share-reservedSize-hdrm < 0 {
		s.log.Warn("negative shared buffer share", "device", d.id)
	}

	s.kmin[d.id] = sim.Bytes(kminFraction * float64(share))
	s.kmax[d.id] = sim.Bytes(kmaxFraction * float64(share))
}

// AddRoute appends a next-hop device for the destination server. Multiple
// entries form an ECMP group.
func (s *Switch) AddRoute(dst uint32, dev DeviceID) {
	s.route[dst] = append(s.route[dst], dev)
}

// sharedThreshold is the remaining shared allowance across the switch.
func (s *Switch) sharedThreshold(DeviceID) sim.Bytes {
	return s.bufferTotal - s.reservedTotal - s.hdrmTotal - s.usedShared
}

// sharedUsed is the ingress occupancy above the per-port reserve.
func (s *Switch) sharedUsed(dev DeviceID) sim.Bytes {
	if u := s.usedIngress[dev]; u > reservedSize {
		return u - reservedSize
	}
	return 0
}

// ingress runs the ingress pipeline on a packet arriving from device in:
// admission, TTL, ECMP route selection, buffer accounting, PFC/bubble
// checks, ECN marking, and hand-off to the egress device.
func (s *Switch) ingress(etherType uint16, pkt *header.Packet, in *Device) {
	if etherType != header.EtherTypeIPv4 {
		s.log.Warn("drop non-ipv4 packet", "device", in.id, "ether_type", etherType)
		return
	}

	size := pkt.Size()

	// Admission: a packet must fit in the ingress headroom or the shared
	// pool. Under a lossless configuration a refusal is a correctness
	// alarm, not an expected event.
	if size+s.usedHdrm[in.id] > s.hdrmBuffer[in.id] &&
		size+s.sharedUsed(in.id) > s.sharedThreshold(in.id) {
		s.drops++
		if s.fab.metrics != nil {
			s.fab.metrics.IncAdmissionDrop(s.id)
		}
		if s.fab.cfg.PFC != rdma.PFCOff {
			s.log.Error("admission drop under lossless mode", "device", in.id)
		}
		if s.drops%10_000 == 0 {
			s.log.Warn("admission drops", "count", s.drops)
		}
		return
	}

	var ip header.IPv4
	n, err := header.UnmarshalIPv4(pkt.Data(), &ip)
	if err != nil {
		s.log.Warn("short ipv4 packet", "device", in.id, "error", err)
		return
	}
	pkt.Strip(n)

	var udp header.UDP
	if n, err = header.UnmarshalUDP(pkt.Data(), &udp); err != nil {
		s.log.Warn("short udp packet", "device", in.id, "error", err)
		return
	}
	pkt.Strip(n)

	if ip.TTL == 0 {
		s.log.Warn("ttl exceeded", "device", in.id)
		return
	}
	ip.TTL--

	hops := s.route[ip.Dst]
	if len(hops) == 0 {
		s.log.Error("no route to destination", "dst", ip.Dst)
		return
	}
	var hash uint32
	if len(hops) > 1 {
		id := header.FlowV4{SrcIP: ip.Src, DstIP: ip.Dst, SrcPort: udp.SrcPort, DstPort: udp.DstPort}
		hash = id.Hash(s.seed)
	}
	eg := s.fab.device(hops[hash%uint32(len(hops))])
	if eg == nil || eg.sw != s {
		s.log.Error("route to foreign device", "dst", ip.Dst)
		return
	}

	// Accounting: charge the egress pool, then place the ingress bytes in
	// reserve, shared, or headroom, in that order of preference.
	s.usedEgress[eg.id] += size

	newIngress := s.usedIngress[in.id] + size
	if newIngress <= reservedSize {
		s.usedIngress[in.id] = newIngress
	} else if newIngress-reservedSize > s.sharedThreshold(in.id) {
		s.usedHdrm[in.id] += size
	} else {
		s.usedIngress[in.id] = newIngress
		toShared := newIngress - reservedSize
		if toShared > size {
			toShared = size
		}
		s.usedShared += toShared
	}

	pkt.Tag = &header.SwitchTag{Size: size, Ingress: uint32(in.id)}

	if s.shouldPause(in.id) {
		s.sendPFC(in, true)
	}
	if s.fab.cfg.PFC == rdma.PFCBubble {
		s.checkBubble(in)
	}

	if s.shouldECN(eg.id) {
		s.ecnCount++
		if s.fab.metrics != nil {
			s.fab.metrics.IncEcnMark(s.id)
		}
		ip.ECN = header.ECNCE
	}

	if err := pkt.Push(udp); err != nil {
		s.log.Error("re-encode udp", "error", err)
		return
	}
	if err := pkt.Push(ip); err != nil {
		s.log.Error("re-encode ipv4", "error", err)
		return
	}

	if !eg.Send(pkt, header.EtherTypeIPv4) {
		s.log.Error("egress send failed", "device", eg.id)
	}
}

// egress runs the egress pipeline as the packet leaves the switch: return
// the tagged bytes to their pools, resume a paused ingress when its debt is
// cleared, and under HPCC append this hop's telemetry record.
func (s *Switch) egress(pkt *header.Packet, dev *Device) *header.Packet {
	var ppp header.PPP
	if _, err := header.UnmarshalPPP(pkt.Data(), &ppp); err != nil {
		s.log.Error("short frame at egress", "device", dev.id, "error", err)
		return pkt
	}
	if etherType, err := header.PPPToEther(ppp.Protocol); err != nil || etherType != header.EtherTypeIPv4 {
		return pkt
	}
	pkt.Strip(header.PPPLen)

	tag := pkt.Tag
	if tag == nil {
		s.log.Error("data packet without buffer tag", "device", dev.id)
		pkt.Push(ppp)
		return pkt
	}
	pkt.Tag = nil
	in := DeviceID(tag.Ingress)
	size := tag.Size

	s.usedEgress[dev.id] -= size
	if s.usedEgress[dev.id] < 0 {
		s.log.Error("negative egress pool", "device", dev.id, "bytes", s.usedEgress[dev.id])
	}

	// Headroom drains first; the remainder comes out of shared+reserve.
	fromHdrm := size
	if h := s.usedHdrm[in]; h < fromHdrm {
		fromHdrm = h
	}
	s.usedHdrm[in] -= fromHdrm
	if s.usedHdrm[in] < 0 {
		s.log.Error("negative headroom pool", "device", in, "bytes", s.usedHdrm[in])
	}

	remain := size - fromHdrm
	fromShared := remain
	if su := s.sharedUsed(in); su < fromShared {
		fromShared = su
	}
	s.usedShared -= fromShared
	if s.usedShared < 0 {
		s.log.Error("negative shared pool", "bytes", s.usedShared)
	}

	s.usedIngress[in] -= remain
	if s.usedIngress[in] < 0 {
		s.log.Error("negative ingress pool", "device", in, "bytes", s.usedIngress[in])
	}

	if s.fab.cfg.CC == rdma.CCHpcc {
		s.appendTelemetry(pkt, dev)
	}

	if err := pkt.Push(ppp); err != nil {
		s.log.Error("re-frame at egress", "error", err)
		return nil
	}

	if inDev := s.fab.device(in); inDev != nil {
		if s.shouldResume(in) {
			s.sendPFC(inDev, false)
		}
		if s.fab.cfg.PFC == rdma.PFCBubble {
			s.checkBubble(inDev)
		}
	}

	return pkt
}

// appendTelemetry adds this hop's INT record to an open telemetry stack.
// The packet arrives here without PPP framing.
func (s *Switch) appendTelemetry(pkt *header.Packet, dev *Device) {
	var ip header.IPv4
	n, err := header.UnmarshalIPv4(pkt.Data(), &ip)
	if err != nil {
		return
	}
	pkt.Strip(n)

	var udp header.UDP
	if n, err = header.UnmarshalUDP(pkt.Data(), &udp); err != nil {
		pkt.Push(ip)
		return
	}
	pkt.Strip(n)

	var hpcc header.HPCC
	if n, err = header.UnmarshalHPCC(pkt.Data(), &hpcc); err != nil {
		pkt.Push(udp)
		pkt.Push(ip)
		return
	}
	pkt.Strip(n)

	if hpcc.Open() {
		rec := header.NewInt(dev.rate, s.fab.sched.Now(), dev.txBytes, dev.queue.Bytes())
		if err := hpcc.Push(rec); err != nil {
			s.log.Warn("telemetry append", "device", dev.id, "error", err)
		}
	}

	pkt.Push(hpcc)
	udp.Length = uint16(header.UDPLen + int(pkt.Size()))
	pkt.Push(udp)
	ip.PayloadSize = uint16(pkt.Size())
	pkt.Push(ip)
}

// shouldPause decides whether ingress admission pressure requires pausing
// the upstream sender, and latches the pause.
func (s *Switch) shouldPause(in DeviceID) bool {
	if s.fab.cfg.PFC != rdma.PFCPause || s.pause[in] {
		return false
	}
	if s.usedHdrm[in] > 0 || s.sharedUsed(in) >= s.sharedThreshold(in) {
		s.pause[in] = true
		return true
	}
	return false
}

// shouldResume decides whether a paused ingress has cleared its headroom
// debt and dropped far enough below the shared threshold, and clears the
// pause.
func (s *Switch) shouldResume(in DeviceID) bool {
	if !s.pause[in] {
		return false
	}
	su := s.sharedUsed(in)
	if s.usedHdrm[in] == 0 && (su == 0 || su+resumeOffset <= s.sharedThreshold(in)) {
		s.pause[in] = false
		return true
	}
	return false
}

// sendPFC emits a PAUSE or RESUME frame for the data class on the given
// device.
func (s *Switch) sendPFC(dev *Device, pause bool) {
	pkt := header.NewPacket(0)
	pfc := header.PFC{QueueIndex: pfcClass}
	if pause {
		pfc.Time = 1
	}
	if err := pkt.Push(pfc); err != nil {
		s.log.Error("encode pfc", "error", err)
		return
	}
	if !dev.Send(pkt, header.EtherTypePFC) {
		s.log.Error("pfc frame dropped", "device", dev.id)
		return
	}
	if s.fab.metrics != nil {
		if pause {
			s.fab.metrics.IncPFCPause(s.id, uint32(dev.id))
		} else {
			s.fab.metrics.IncPFCResume(s.id, uint32(dev.id))
		}
	}
}

// shouldECN implements the RED-style marking decision against the egress
// pool occupancy.
func (s *Switch) shouldECN(eg DeviceID) bool {
	used := s.usedEgress[eg]
	if used < s.kmin[eg] {
		return false
	}
	if used > s.kmax[eg] {
		return true
	}
	prob := ecnMaxProb * float64(used-s.kmin[eg]) / float64(s.kmax[eg]-s.kmin[eg])
	return s.rng.Float64() < prob
}

// checkBubble recomputes the ingress port's bubble rate code and emits a
// bubble frame upstream when it changes. Codes: 8 while the port is in
// headroom or over the shared threshold, 0 when idle, otherwise a drain
// rate derived from the occupancy slope and distance to target, updated at
// most once per bubbleInterval.
func (s *Switch) checkBubble(in *Device) {
	now := s.fab.sched.Now()
	su := s.sharedUsed(in.id)
	thresh := s.sharedThreshold(in.id)

	var code uint8
	switch {
	case s.usedHdrm[in.id] > 0 || su >= thresh:
		code = header.BubbleRateMax
	case su == 0:
		code = 0
	case now-s.bubbleTime[in.id] < bubbleInterval:
		return
	default:
		total := float64(in.rate)/float64(sim.Gbps)*float64(bufferPerGbps) -
			float64(s.hdrmBuffer[in.id])
		target := bubbleTargetFraction * total
		used := float64(s.usedIngress[in.id])
		rate := (used-float64(s.prevBuffer[in.id]))*8/bubbleInterval.Seconds() +
			(used-target)*8/(10*bubbleInterval).Seconds()
		ratio := rate * 8 / float64(in.rate)
		switch {
		case ratio > 7:
			code = 7
		case ratio < 0:
			code = 0
		default:
			code = uint8(ratio)
		}
	}

	s.prevBuffer[in.id] = s.usedIngress[in.id]
	s.bubbleTime[in.id] = now

	if code == s.bubbleRate[in.id] {
		return
	}
	s.bubbleRate[in.id] = code

	pkt := header.NewPacket(0)
	if err := pkt.Push(header.Bubble{Rate: code}); err != nil {
		s.log.Error("encode bubble", "error", err)
		return
	}
	pkt.Priority = bubblePriority
	if !in.Send(pkt, header.EtherTypeBubble) {
		s.log.Warn("bubble frame dropped", "device", in.id)
		return
	}
	if s.fab.metrics != nil {
		s.fab.metrics.IncBubbleUpdate(s.id, uint32(in.id))
	}
}

// CheckAccounting verifies the pool invariants: no counter negative, and
// every admitted byte sits in exactly one ingress-side slot and one egress
// slot (byte conservation across the cut).
func (s *Switch) CheckAccounting() error {
	var ingressSide, egressSide sim.Bytes
	for _, d := range s.devs {
		if s.usedHdrm[d.id] < 0 || s.usedIngress[d.id] < 0 || s.usedEgress[d.id] < 0 {
			return &AccountingError{Switch: s.id, Device: uint32(d.id)}
		}
		ingressSide += s.usedIngress[d.id] + s.usedHdrm[d.id]
		egressSide += s.usedEgress[d.id]
	}
	if s.usedShared < 0 || ingressSide != egressSide {
		return &AccountingError{Switch: s.id, Ingress: ingressSide, Egress: egressSide}
	}
	return nil
}

// Drained reports whether all pools are empty and no ingress is paused.
func (s *Switch) Drained() bool {
	if s.usedShared != 0 {
		return false
	}
	for _, d := range s.devs {
		if s.usedHdrm[d.id] != 0 || s.usedIngress[d.id] != 0 || s.usedEgress[d.id] != 0 {
			return false
		}
		if s.pause[d.id] {
			return false
		}
	}
	return true
}

// AccountingError reports a shared-buffer invariant violation.
type AccountingError struct {
	Switch  uint32
	Device  uint32
	Ingress sim.Bytes
	Egress  sim.Bytes
}

func (e *AccountingError) Error() string {
	return "switch buffer accounting invariant violated"
}
