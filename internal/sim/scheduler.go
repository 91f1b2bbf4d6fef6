// Package sim provides the discrete-event scheduler and the unit types
// (Clock, Bytes, Bitrate) shared by every simulation component.
//
// The scheduler is single-threaded and cooperative: callbacks run to
// completion before the next event fires, and events scheduled for the same
// instant fire in the order they were scheduled (stable FIFO tie-break).
package sim

import (
	"container/heap"
)

// Event is a scheduled callback. The zero Event is not valid; Events are
// created by Schedule and At.
type Event struct {
	at        Clock
	seq       uint64
	fn        func()
	cancelled bool
	index     int
}

// At returns the simulation time the event fires at.
func (e *Event) At() Clock {
	return e.at
}

// Scheduler is a discrete-event scheduler over virtual time.
type Scheduler struct {
	now    Clock
	events eventHeap
	seq    uint64
}

// NewScheduler returns a Scheduler with the clock at zero.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Now returns the current simulation time.
func (s *Scheduler) Now() Clock {
	return s.now
}

// Schedule runs fn after the given delay. A negative delay is treated as
// zero. The returned Event may be passed to Cancel.
func (s *Scheduler) Schedule(delay Clock, fn func()) *Event {
	if delay < 0 {
		delay = 0
	}
	return s.At(s.now+delay, fn)
}

// At runs fn at the given absolute time, which must not be in the past.
func (s *Scheduler) At(at Clock, fn func()) *Event {
	if at < s.now {
		at = s.now
	}
	e := &Event{at: at, seq: s.seq, fn: fn}
	s.seq++
	heap.Push(&s.events, e)
	return e
}

// Cancel marks the event so it will not fire. Cancelling a nil or already
// fired event is a no-op; the tombstone is discarded when it reaches the
// top of the heap.
func (s *Scheduler) Cancel(e *Event) {
	if e == nil {
		return
	}
	e.cancelled = true
}

// Step fires the next pending event. It returns false when no events remain.
func (s *Scheduler) Step() bool {
	for s.events.Len() > 0 {
		e := heap.Pop(&s.events).(*Event)
		if e.cancelled {
			continue
		}
		s.now = e.at
		e.fn()
		return true
	}
	return false
}

// Run fires events in order until the queue is empty or the next event lies
// beyond the given horizon. The clock never advances past until.
func (s *Scheduler) Run(until Clock) {
	for s.events.Len() > 0 {
		top := s.events[0]
		if top.cancelled {
			heap.Pop(&s.events)
			continue
		}
		if top.at > until {
			return
		}
		heap.Pop(&s.events)
		s.now = top.at
		top.fn()
	}
}

// Pending returns the number of live events in the queue.
func (s *Scheduler) Pending() int {
	n := 0
	for _, e := range s.events {
		if !e.cancelled {
			n++
		}
	}
	return n
}

// eventHeap orders events by (time, sequence) so that equal-time events
// fire in scheduling order.
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	o := *h
	n := len(o)
	e := o[n-1]
	o[n-1] = nil
	*h = o[:n-1]
	return e
}
