// Package topo builds the K-ary fat-tree and installs its routes. Route
// entries are fabric device ids, so the switches consume them directly
// without per-hop lookups.
package topo

import (
	"fmt"

	"github.com/dantte-lp/fabsim/internal/fabric"
	"github.com/dantte-lp/fabsim/internal/sim"
)

// ECMP hash seeds per switch tier. Distinct seeds decorrelate the hash
// decisions a flow sees along its path.
const (
	torSeed  = 1
	aggSeed  = 2
	coreSeed = 3
)

// Switch id bases per tier.
const (
	torIDBase  = 2000
	aggIDBase  = 3000
	coreIDBase = 4000
)

// Params describes the fat-tree to build.
type Params struct {
	// K is the tree arity: K ToR and K aggregation switches per block,
	// K*K cores.
	K uint32

	// NumBlock is the number of blocks (pods).
	NumBlock uint32

	// Ratio is the number of servers per ToR port, so each rack holds
	// K*Ratio servers.
	Ratio uint32

	// ServerRate and FabricRate are the host-ToR and switch-switch link
	// rates; LinkDelay is the propagation delay of every link.
	ServerRate sim.Bitrate
	FabricRate sim.Bitrate
	LinkDelay  sim.Clock
}

// DefaultParams returns the reference fat-tree: K=4, 5 blocks, 4 servers
// per rack port, 100G edge and 400G fabric links with 1 microsecond delay.
func DefaultParams() Params {
	return Params{
		K:          4,
		NumBlock:   5,
		Ratio:      4,
		ServerRate: 100 * sim.Gbps,
		FabricRate: 400 * sim.Gbps,
		LinkDelay:  1 * sim.Microsecond,
	}
}

// NumServers returns the number of servers the tree hosts.
func (p Params) NumServers() uint32 {
	return p.K * p.K * p.NumBlock * p.Ratio
}

// Validate checks the tree parameters.
func (p Params) Validate() error {
	if p.K == 0 || p.NumBlock == 0 || p.Ratio == 0 {
		return fmt.Errorf("fat-tree dimensions must be positive: K=%d blocks=%d ratio=%d",
			p.K, p.NumBlock, p.Ratio)
	}
	if p.ServerRate <= 0 || p.FabricRate <= 0 {
		return fmt.Errorf("link rates must be positive")
	}
	return nil
}

// Tree holds the built topology.
type Tree struct {
	Params  Params
	Servers []*fabric.Host
	Tors    []*fabric.Switch
	Aggs    []*fabric.Switch
	Cores   []*fabric.Switch
}

// BuildFatTree creates the servers, switches and links of the fat-tree in
// the given fabric and installs all routes.
func BuildFatTree(f *fabric.Fabric, p Params) (*Tree, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	numServer := p.NumServers()
	serversPerRack := p.K * p.Ratio
	numTors := p.K * p.NumBlock
	numAggs := p.K * p.NumBlock
	numCores := p.K * p.K

	t := &Tree{
		Params:  p,
		Servers: make([]*fabric.Host, numServer),
		Tors:    make([]*fabric.Switch, numTors),
		Aggs:    make([]*fabric.Switch, numAggs),
		Cores:   make([]*fabric.Switch, numCores),
	}

	for i := uint32(0); i < numServer; i++ {
		t.Servers[i] = f.AddHost(i)
	}
	for i := uint32(0); i < numTors; i++ {
		t.Tors[i] = f.AddSwitch(torIDBase+i, torSeed)
	}
	for i := uint32(0); i < numAggs; i++ {
		t.Aggs[i] = f.AddSwitch(aggIDBase+i, aggSeed)
	}
	for i := uint32(0); i < numCores; i++ {
		t.Cores[i] = f.AddSwitch(coreIDBase+i, coreSeed)
	}

	// Edge links. Each ToR's first serversPerRack devices face its rack.
	for torID := uint32(0); torID < numTors; torID++ {
		for j := uint32(0); j < serversPerRack; j++ {
			serverID := torID*serversPerRack + j
			f.Connect(t.Servers[serverID], t.Tors[torID], p.ServerRate, p.LinkDelay)
		}
	}

	// ToR-aggregation links within each block. For a ToR, aggregation
	// uplinks occupy device ordinals serversPerRack..serversPerRack+K-1;
	// for an aggregation switch, ToR downlinks occupy ordinals 0..K-1.
	for block := uint32(0); block < p.NumBlock; block++ {
		for j := uint32(0); j < p.K; j++ {
			for k := uint32(0); k < p.K; k++ {
				tor := t.Tors[block*p.K+j]
				agg := t.Aggs[block*p.K+k]
				f.Connect(tor, agg, p.FabricRate, p.LinkDelay)
			}
		}
	}

	// Aggregation-core links. Aggregation switch j of each block reaches
	// cores j*K..j*K+K-1 on ordinals K..2K-1; core j*K+k sees one link per
	// block, on ordinal = block.
	for block := uint32(0); block < p.NumBlock; block++ {
		for j := uint32(0); j < p.K; j++ {
			for k := uint32(0); k < p.K; k++ {
				agg := t.Aggs[block*p.K+j]
				core := t.Cores[j*p.K+k]
				f.Connect(agg, core, p.FabricRate, p.LinkDelay)
			}
		}
	}

	t.installRoutes()
	return t, nil
}

// installRoutes fills every switch's destination-server route table.
func (t *Tree) installRoutes() {
	p := t.Params
	serversPerRack := p.K * p.Ratio
	numServer := p.NumServers()

	for _, core := range t.Cores {
		for serverID := uint32(0); serverID < numServer; serverID++ {
			block := serverID / p.K / p.K / p.Ratio
			core.AddRoute(serverID, core.Device(int(block)).ID())
		}
	}

	for aggID, agg := range t.Aggs {
		for serverID := uint32(0); serverID < numServer; serverID++ {
			block := serverID / p.K / p.K / p.Ratio
			if block != uint32(aggID)/p.K {
				for core := uint32(0); core < p.K; core++ {
					agg.AddRoute(serverID, agg.Device(int(p.K+core)).ID())
				}
			} else {
				tor := (serverID / serversPerRack) % p.K
				agg.AddRoute(serverID, agg.Device(int(tor)).ID())
			}
		}
	}

	for torID, tor := range t.Tors {
		for serverID := uint32(0); serverID < numServer; serverID++ {
			rack := serverID / serversPerRack
			if rack != uint32(torID) {
				for agg := uint32(0); agg < p.K; agg++ {
					tor.AddRoute(serverID, tor.Device(int(serversPerRack+agg)).ID())
				}
			} else {
				tor.AddRoute(serverID, tor.Device(int(serverID%serversPerRack)).ID())
			}
		}
	}
}
