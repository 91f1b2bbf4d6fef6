// Package trace handles the simulation's external files: the flow trace
// driving admission and the FCT log written on completion.
package trace

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dantte-lp/fabsim/internal/fabric"
	"github.com/dantte-lp/fabsim/internal/rdma"
	"github.com/dantte-lp/fabsim/internal/sim"
)

// ErrUnknownServer indicates a trace line naming a server outside the
// topology.
var ErrUnknownServer = errors.New("trace references unknown server")

// ScheduleFlows reads the whitespace-separated trace (src dst size
// startTime per line) and schedules each flow's admission on its source
// NIC at its start time. Flow ids are assigned monotonically from 1 in
// file order. It returns the number of flows scheduled.
func ScheduleFlows(f *fabric.Fabric, r io.Reader, log *slog.Logger) (int, error) {
	var id uint32
	for {
		var src, dst, size uint32
		var start int64
		_, err := fmt.Fscan(r, &src, &dst, &size, &start)
		if err == io.EOF {
			return int(id), nil
		}
		if err != nil {
			return int(id), fmt.Errorf("parse trace line %d: %w", id+1, err)
		}

		host := f.Host(src)
		if host == nil {
			return int(id), fmt.Errorf("%w: %d", ErrUnknownServer, src)
		}
		if f.Host(dst) == nil {
			return int(id), fmt.Errorf("%w: %d", ErrUnknownServer, dst)
		}

		id++
		flow := rdma.FlowInfo{
			ID:        id,
			Src:       src,
			Dst:       dst,
			Size:      size,
			StartTime: start,
		}
		f.Scheduler().At(sim.Clock(start), func() {
			log.Debug("admit flow", "flow", flow.ID, "src", flow.Src,
				"dst", flow.Dst, "size", flow.Size)
			host.SetFlow(flow)
		})
	}
}
