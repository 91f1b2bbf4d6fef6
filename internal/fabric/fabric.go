// Package fabric implements the simulated datacenter fabric: point-to-point
// devices with multi-priority port queues, host NICs running the RDMA send
// path, and switches running the shared-buffer ingress/egress pipelines with
// PFC, ECN and bubble backpressure.
package fabric

import (
	"log/slog"

	"github.com/dantte-lp/fabsim/internal/metrics"
	"github.com/dantte-lp/fabsim/internal/rdma"
	"github.com/dantte-lp/fabsim/internal/sim"
)

// DeviceID indexes a device in the fabric arena. Devices live for the
// whole simulation, so a DeviceID stored in a route table or a buffer tag
// never dangles.
type DeviceID uint32

// Config carries the fabric-wide mode switches.
type Config struct {
	// CC selects congestion control: 0 none, 1 MLX/DCQCN, 2 HPCC.
	CC uint32

	// PFC selects flow control: 0 off, 1 PFC pause/resume, 2 bubble.
	PFC uint32
}

// Fabric is the arena owning every device, host and switch of one
// simulation. All components share its scheduler, logger and metrics.
type Fabric struct {
	sched   *sim.Scheduler
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector

	devices  []*Device
	hosts    map[uint32]*Host
	switches []*Switch

	fct rdma.FCTFunc
}

// New returns an empty fabric. The collector may be nil to disable metrics.
func New(sched *sim.Scheduler, cfg Config, log *slog.Logger, collector *metrics.Collector) *Fabric {
	return &Fabric{
		sched:   sched,
		cfg:     cfg,
		log:     log,
		metrics: collector,
		hosts:   make(map[uint32]*Host),
	}
}

// Scheduler returns the fabric's event scheduler.
func (f *Fabric) Scheduler() *sim.Scheduler { return f.sched }

// SetFCTSink installs the callback invoked once per completed flow.
func (f *Fabric) SetFCTSink(fn rdma.FCTFunc) { f.fct = fn }

// Host returns the host with the given server index, or nil.
func (f *Fabric) Host(serverID uint32) *Host { return f.hosts[serverID] }

// Hosts returns all hosts keyed by server index.
func (f *Fabric) Hosts() map[uint32]*Host { return f.hosts }

// Switches returns all switches in creation order.
func (f *Fabric) Switches() []*Switch { return f.switches }

// AddHost creates the end host with the given server index.
func (f *Fabric) AddHost(serverID uint32) *Host {
	h := newHost(f, serverID)
	f.hosts[serverID] = h
	return h
}

// AddSwitch creates a switch with the given id and ECMP hash seed.
func (f *Fabric) AddSwitch(id, ecmpSeed uint32) *Switch {
	s := newSwitch(f, id, ecmpSeed)
	f.switches = append(f.switches, s)
	return s
}

// node is either a Host or a Switch; Connect attaches one device to each
// endpoint.
type node interface {
	attach(d *Device)
}

// Connect links two nodes with a full-duplex channel of the given rate and
// propagation delay, creating one device on each side.
func (f *Fabric) Connect(a, b node, rate sim.Bitrate, delay sim.Clock) (da, db *Device) {
	da = f.newDevice(rate, delay)
	db = f.newDevice(rate, delay)
	da.peer = db
	db.peer = da
	a.attach(da)
	b.attach(db)
	return da, db
}

func (f *Fabric) newDevice(rate sim.Bitrate, delay sim.Clock) *Device {
	d := &Device{
		id:    DeviceID(len(f.devices)),
		fab:   f,
		rate:  rate,
		delay: delay,
		queue: NewPortQueue(),
	}
	f.devices = append(f.devices, d)
	return d
}

// device returns the device with the given id, or nil.
func (f *Fabric) device(id DeviceID) *Device {
	if int(id) >= len(f.devices) {
		return nil
	}
	return f.devices[id]
}

// Drained reports whether every switch has returned all buffered bytes and
// cleared every pause, and every host has no live flows. Checked at quiesce.
func (f *Fabric) Drained() bool {
	for _, s := range f.switches {
		if !s.Drained() {
			return false
		}
	}
	for _, h := range f.hosts {
		if len(h.flows) > 0 {
			return false
		}
	}
	return true
}
