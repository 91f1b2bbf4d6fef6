// Package rdma implements the per-flow sender state machine: byte cursors,
// pacing, go-back-N retransmission and MLX-style (DCQCN) rate control.
package rdma

// FlowInfo describes a single flow. Src and Dst are server indices; they
// double as the IPv4 addresses on the wire. EndTime is zero until the flow
// completes.
type FlowInfo struct {
	ID        uint32
	Src       uint32
	Dst       uint32
	Size      uint32
	StartTime int64
	EndTime   int64
}

// FCTFunc receives the completed flow, with EndTime set, exactly once.
type FCTFunc func(FlowInfo)

// Congestion-control versions.
const (
	CCNone uint32 = 0
	CCMlx  uint32 = 1
	CCHpcc uint32 = 2
)

// PFC modes.
const (
	PFCOff    uint32 = 0
	PFCPause  uint32 = 1
	PFCBubble uint32 = 2
)
