package fabric_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/fabsim/internal/fabric"
	"github.com/dantte-lp/fabsim/internal/header"
	"github.com/dantte-lp/fabsim/internal/metrics"
	"github.com/dantte-lp/fabsim/internal/rdma"
	"github.com/dantte-lp/fabsim/internal/sim"
	"github.com/dantte-lp/fabsim/internal/topo"
)

// startTime is when the test flows are admitted, matching the default
// trace clock.
const startTime = 2 * sim.Second

// testbed wires a small fat-tree with a metrics registry and an FCT sink.
type testbed struct {
	sched     *sim.Scheduler
	fab       *fabric.Fabric
	tree      *topo.Tree
	reg       *prometheus.Registry
	completed []rdma.FlowInfo
}

func newTestbed(t *testing.T, cc, pfc uint32, params topo.Params) *testbed {
	t.Helper()

	tb := &testbed{
		sched: sim.NewScheduler(),
		reg:   prometheus.NewRegistry(),
	}
	collector := metrics.NewCollector(tb.reg)
	tb.fab = fabric.New(tb.sched, fabric.Config{CC: cc, PFC: pfc},
		slog.New(slog.NewTextHandler(io.Discard, nil)), collector)

	tree, err := topo.BuildFatTree(tb.fab, params)
	if err != nil {
		t.Fatalf("build fat-tree: %v", err)
	}
	tb.tree = tree

	tb.fab.SetFCTSink(func(f rdma.FlowInfo) {
		tb.completed = append(tb.completed, f)
	})
	return tb
}

// smallTree is the 16-server single-block tree used by the end-to-end
// scenarios.
func smallTree() topo.Params {
	return topo.Params{
		K:          4,
		NumBlock:   1,
		Ratio:      1,
		ServerRate: 100 * sim.Gbps,
		FabricRate: 400 * sim.Gbps,
		LinkDelay:  1 * sim.Microsecond,
	}
}

// admit schedules a flow on its source at startTime.
func (tb *testbed) admit(id, src, dst, size uint32) {
	flow := rdma.FlowInfo{ID: id, Src: src, Dst: dst, Size: size, StartTime: int64(startTime)}
	host := tb.fab.Host(src)
	tb.sched.At(startTime, func() { host.SetFlow(flow) })
}

// run drives the simulation for the given window past startTime and then
// checks the accounting invariants on every switch.
func (tb *testbed) run(t *testing.T, window sim.Clock) {
	t.Helper()
	tb.sched.Run(startTime + window)
	for _, sw := range tb.fab.Switches() {
		if err := sw.CheckAccounting(); err != nil {
			t.Errorf("switch %d: %v", sw.ID(), err)
		}
	}
}

// counterTotal sums a counter family across all label sets.
func (tb *testbed) counterTotal(t *testing.T, name string) float64 {
	t.Helper()
	families, err := tb.reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

func (tb *testbed) totalDrops() uint64 {
	var n uint64
	for _, sw := range tb.fab.Switches() {
		n += sw.Drops()
	}
	return n
}

func (tb *testbed) fct(id uint32) int64 {
	for _, f := range tb.completed {
		if f.ID == id {
			return f.EndTime - f.StartTime
		}
	}
	return -1
}

// TestSingleFlowUncongested sends one 1 MB flow across the tree with no
// congestion control and no flow control: it must complete in roughly the
// serialization time plus the round-trip link traversals.
func TestSingleFlowUncongested(t *testing.T) {
	t.Parallel()

	tb := newTestbed(t, rdma.CCNone, rdma.PFCOff, smallTree())
	tb.admit(1, 0, 15, 1_000_000)
	tb.run(t, 100*sim.Millisecond)

	if len(tb.completed) != 1 {
		t.Fatalf("completed %d flows, want 1", len(tb.completed))
	}
	dur := tb.fct(1)
	if dur < 87_400 || dur > 96_600 {
		t.Errorf("FCT = %d ns, want about 92us within 5%%", dur)
	}
	if n := tb.totalDrops(); n != 0 {
		t.Errorf("drops = %d on an uncongested path", n)
	}
	if got := tb.fab.Host(15).RxCursor(1); got != 1_000_000 {
		t.Errorf("receiver cursor = %d, want flow size", got)
	}
	if !tb.fab.Drained() {
		t.Error("fabric not drained at quiesce")
	}
}

// TestTwoFlowsShareEgress collides two equal flows on one egress port under
// PFC: both must complete losslessly with similar completion times.
func TestTwoFlowsShareEgress(t *testing.T) {
	t.Parallel()

	tb := newTestbed(t, rdma.CCNone, rdma.PFCPause, smallTree())
	tb.admit(1, 0, 15, 100_000)
	tb.admit(2, 1, 15, 100_000)
	tb.run(t, 100*sim.Millisecond)

	if len(tb.completed) != 2 {
		t.Fatalf("completed %d flows, want 2", len(tb.completed))
	}
	if n := tb.totalDrops(); n != 0 {
		t.Errorf("drops = %d under PFC", n)
	}

	d1, d2 := tb.fct(1), tb.fct(2)
	hi, lo := d1, d2
	if lo > hi {
		hi, lo = lo, hi
	}
	if float64(hi) > 1.10*float64(lo) {
		t.Errorf("FCTs diverge: %d vs %d ns (want within 10%%)", d1, d2)
	}
	if !tb.fab.Drained() {
		t.Error("fabric not drained at quiesce")
	}
}

// TestIncastTriggersPFC drives a six-source incast deep enough to exhaust
// the destination ToR's shared pool: PAUSE frames must be emitted and the
// fabric must stay lossless.
func TestIncastTriggersPFC(t *testing.T) {
	t.Parallel()

	tb := newTestbed(t, rdma.CCNone, rdma.PFCPause, smallTree())
	sources := []uint32{0, 1, 2, 4, 5, 8}
	for i, src := range sources {
		tb.admit(uint32(i+1), src, 15, 4_000_000)
	}
	tb.run(t, 200*sim.Millisecond)

	if len(tb.completed) != len(sources) {
		t.Fatalf("completed %d flows, want %d", len(tb.completed), len(sources))
	}
	if n := tb.totalDrops(); n != 0 {
		t.Errorf("drops = %d under PFC incast", n)
	}
	if pauses := tb.counterTotal(t, "fabsim_fabric_pfc_pause_frames_total"); pauses < 1 {
		t.Error("no PAUSE frames under sustained incast")
	}
	if !tb.fab.Drained() {
		t.Error("fabric not drained at quiesce")
	}
}

// TestLossTriggersNACKRecovery drops one data packet at the receiver NIC:
// the receiver's NACK rewinds the sender and the flow still completes.
func TestLossTriggersNACKRecovery(t *testing.T) {
	t.Parallel()

	tb := newTestbed(t, rdma.CCNone, rdma.PFCOff, smallTree())

	dropped := false
	tb.fab.Host(15).NIC().SetReceiveError(func(pkt *header.Packet) bool {
		if dropped {
			return false
		}
		seq, ok := dataSeq(pkt)
		if ok && seq >= 50_000 && seq <= 51_400 {
			dropped = true
			return true
		}
		return false
	})

	tb.admit(1, 0, 15, 1_000_000)
	tb.run(t, 100*sim.Millisecond)

	if !dropped {
		t.Fatal("loss injection never matched")
	}
	if len(tb.completed) != 1 {
		t.Fatalf("completed %d flows, want 1", len(tb.completed))
	}
	if got := tb.fab.Host(15).RxCursor(1); got != 1_000_000 {
		t.Errorf("receiver cursor = %d, want flow size", got)
	}
	if !tb.fab.Drained() {
		t.Error("fabric not drained at quiesce")
	}
}

// dataSeq decodes the BTH sequence of a framed data packet without HPCC.
func dataSeq(pkt *header.Packet) (uint32, bool) {
	buf := pkt.Data()
	off := header.PPPLen + header.IPv4Len + header.UDPLen
	if len(buf) < off+header.BTHLen {
		return 0, false
	}
	var ppp header.PPP
	if _, err := header.UnmarshalPPP(buf, &ppp); err != nil || ppp.Protocol != header.PPPProtoIPv4 {
		return 0, false
	}
	var bth header.BTH
	if _, err := header.UnmarshalBTH(buf[off:], &bth); err != nil {
		return 0, false
	}
	if bth.ACK() || bth.NACK() {
		return 0, false
	}
	return bth.Seq, true
}

// TestHpccTelemetryPath runs a flow under HPCC and snapshots the telemetry
// the sender received: one record per switch on the path, carrying the
// egress link rates.
func TestHpccTelemetryPath(t *testing.T) {
	t.Parallel()

	tb := newTestbed(t, rdma.CCHpcc, rdma.PFCPause, smallTree())
	tb.admit(1, 0, 15, 200_000)

	var records []header.Int
	tb.sched.At(startTime+20*sim.Microsecond, func() {
		if qp := tb.fab.Host(0).QueuePair(1); qp != nil {
			records = append(records[:0], qp.Telemetry()...)
		}
	})

	tb.run(t, 100*sim.Millisecond)

	if len(tb.completed) != 1 {
		t.Fatalf("completed %d flows, want 1", len(tb.completed))
	}
	// Single-block path: ToR, aggregation, ToR.
	if len(records) != 3 {
		t.Fatalf("telemetry records = %d, want 3 (one per switch hop)", len(records))
	}
	for i, rec := range records[:2] {
		if rec.Rate() != 400*sim.Gbps {
			t.Errorf("hop %d rate = %v, want 400Gbps", i, rec.Rate())
		}
	}
	if records[2].Rate() != 100*sim.Gbps {
		t.Errorf("last hop rate = %v, want 100Gbps (edge link)", records[2].Rate())
	}
}

// TestBubbleBackpressure runs a same-rack incast under bubble mode: the
// sources' NICs must observe bubble rate codes while the ToR ingress
// builds up, and the codes must return to zero once the rack drains.
func TestBubbleBackpressure(t *testing.T) {
	t.Parallel()

	tb := newTestbed(t, rdma.CCNone, rdma.PFCBubble, smallTree())

	// Three same-rack sources into one edge port: the per-ingress
	// occupancy climbs well past the reserve while total load stays far
	// below the shared pool, so the run is congested but loss-free.
	sources := []uint32{1, 2, 3}
	for i, src := range sources {
		tb.admit(uint32(i+1), src, 0, 500_000)
	}
	tb.run(t, 100*sim.Millisecond)

	if len(tb.completed) != len(sources) {
		t.Fatalf("completed %d flows, want %d", len(tb.completed), len(sources))
	}
	if n := tb.totalDrops(); n != 0 {
		t.Errorf("drops = %d, want 0 (load fits the shared pool)", n)
	}
	if updates := tb.counterTotal(t, "fabsim_fabric_bubble_updates_total"); updates < 2 {
		t.Errorf("bubble updates = %v, want at least a rise and a fall", updates)
	}
	for _, src := range sources {
		if rate := tb.fab.Host(src).NIC().BubbleRate(); rate != 0 {
			t.Errorf("host %d bubble rate = %d after drain, want 0", src, rate)
		}
	}
	if !tb.fab.Drained() {
		t.Error("fabric not drained at quiesce")
	}
}

// TestEcmpSpreadsSourcePorts sends many small flows between the same pair
// of racks and checks that more than one aggregation path carried traffic.
func TestEcmpSpreadsSourcePorts(t *testing.T) {
	t.Parallel()

	tb := newTestbed(t, rdma.CCNone, rdma.PFCOff, smallTree())
	for i := uint32(0); i < 16; i++ {
		tb.admit(i+1, 0, 15, 20_000)
	}
	tb.run(t, 100*sim.Millisecond)

	if len(tb.completed) != 16 {
		t.Fatalf("completed %d flows, want 16", len(tb.completed))
	}

	// Count aggregation switches that forwarded anything.
	carried := 0
	for _, agg := range tb.tree.Aggs {
		var bytes sim.Bytes
		for i := 0; i < agg.NumDevices(); i++ {
			bytes += agg.Device(i).TxBytes()
		}
		if bytes > 0 {
			carried++
		}
	}
	if carried < 2 {
		t.Errorf("traffic used %d aggregation switches, want ECMP spread over several", carried)
	}
}
