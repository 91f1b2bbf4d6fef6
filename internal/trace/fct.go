package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/dantte-lp/fabsim/internal/rdma"
)

// FCTRecord is one flow-completion line: all fields integral, times in
// nanoseconds.
type FCTRecord struct {
	ID        uint32 `csv:"id"`
	Src       uint32 `csv:"src"`
	Dst       uint32 `csv:"dst"`
	Size      uint32 `csv:"size"`
	StartTime int64  `csv:"startTime"`
	EndTime   int64  `csv:"endTime"`
	Duration  int64  `csv:"duration"`
}

// Recorder collects FCT records as flows complete and writes the log when
// the run ends. Its Record method is the fabric's FCT sink.
type Recorder struct {
	records []FCTRecord
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends the completed flow. It satisfies rdma.FCTFunc.
func (r *Recorder) Record(flow rdma.FlowInfo) {
	r.records = append(r.records, FCTRecord{
		ID:        flow.ID,
		Src:       flow.Src,
		Dst:       flow.Dst,
		Size:      flow.Size,
		StartTime: flow.StartTime,
		EndTime:   flow.EndTime,
		Duration:  flow.EndTime - flow.StartTime,
	})
}

// Records returns the collected records in completion order.
func (r *Recorder) Records() []FCTRecord {
	return r.records
}

// Write emits the log as headerless CSV, one line per completed flow.
func (r *Recorder) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := gocsv.MarshalCSVWithoutHeaders(&r.records, gocsv.NewSafeCSVWriter(cw)); err != nil {
		return fmt.Errorf("marshal fct log: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes the log to the given path.
func (r *Recorder) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create fct log: %w", err)
	}
	if err := r.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
