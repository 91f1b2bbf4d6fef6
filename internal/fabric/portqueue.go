package fabric

import (
	"fmt"

	"github.com/dantte-lp/fabsim/internal/header"
	"github.com/dantte-lp/fabsim/internal/sim"
)

// NumClasses is the number of priority classes per port.
const NumClasses = 4

// classCapacity bounds each class FIFO; beyond it the drop-tail policy
// applies.
const classCapacity = 16 * sim.Mebibyte

const (
	// bubbleClass is reserved for bubble control traffic.
	bubbleClass = 1

	// bubbleClassMaxPackets caps the bubble class so stale rate codes do
	// not queue behind each other.
	bubbleClassMaxPackets = 2
)

// PortQueue is a per-device egress queue with NumClasses strict-priority
// FIFOs and a per-class pause flag. Dequeue scans classes from zero upward
// and skips paused classes, so PFC can pause a lossless class without
// stalling control traffic.
type PortQueue struct {
	classes [NumClasses]fifo
	paused  [NumClasses]bool
}

type fifo struct {
	pkts  []*header.Packet
	bytes sim.Bytes
}

// NewPortQueue returns an empty PortQueue.
func NewPortQueue() *PortQueue {
	return &PortQueue{}
}

// Enqueue places the packet on the class selected by its priority. It
// returns false when the packet is dropped: the bubble class is at its
// packet cap, or the class byte bound is exceeded. An out-of-range
// priority is a configuration error and panics.
func (q *PortQueue) Enqueue(pkt *header.Packet) bool {
	prio := int(pkt.Priority)
	if prio < 0 || prio >= NumClasses {
		panic(fmt.Sprintf("portqueue: invalid priority %d", prio))
	}
	if prio == bubbleClass && len(q.classes[prio].pkts) >= bubbleClassMaxPackets {
		return false
	}
	c := &q.classes[prio]
	if c.bytes+pkt.Size() > classCapacity {
		return false
	}
	c.pkts = append(c.pkts, pkt)
	c.bytes += pkt.Size()
	return true
}

// Dequeue returns the head of the first non-paused, non-empty class, or nil.
func (q *PortQueue) Dequeue() *header.Packet {
	for i := 0; i < NumClasses; i++ {
		if q.paused[i] {
			continue
		}
		c := &q.classes[i]
		if len(c.pkts) == 0 {
			continue
		}
		pkt := c.pkts[0]
		c.pkts[0] = nil
		c.pkts = c.pkts[1:]
		c.bytes -= pkt.Size()
		return pkt
	}
	return nil
}

// SetPause sets the pause flag for the given class.
func (q *PortQueue) SetPause(class int, paused bool) {
	if class < 0 || class >= NumClasses {
		panic(fmt.Sprintf("portqueue: invalid class %d", class))
	}
	q.paused[class] = paused
}

// Paused reports whether the given class is paused.
func (q *PortQueue) Paused(class int) bool {
	if class < 0 || class >= NumClasses {
		panic(fmt.Sprintf("portqueue: invalid class %d", class))
	}
	return q.paused[class]
}

// ClassBytes returns the queued bytes in the given class.
func (q *PortQueue) ClassBytes(class int) sim.Bytes {
	if class < 0 || class >= NumClasses {
		panic(fmt.Sprintf("portqueue: invalid class %d", class))
	}
	return q.classes[class].bytes
}

// Bytes returns the queued bytes across all classes.
func (q *PortQueue) Bytes() sim.Bytes {
	var total sim.Bytes
	for i := range q.classes {
		total += q.classes[i].bytes
	}
	return total
}

// Empty reports whether every class is empty.
func (q *PortQueue) Empty() bool {
	for i := range q.classes {
		if len(q.classes[i].pkts) > 0 {
			return false
		}
	}
	return true
}
