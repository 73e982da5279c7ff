package core

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrQueueFull = errors.New("queue full")

type queueSlot struct {
	seq atomic.Uint64
	pkt QueuedPacket
}

// Queue is a bounded lock-free MPMC ring of datagrams with a drop-new policy.
// Positions are free-running; only the mask is applied when indexing slots.
// Each slot carries a sequence number telling producers and consumers whose turn it is.
type Queue struct {
	head atomic.Uint64 // next enqueue position
	_    [56]byte
	tail atomic.Uint64 // next dequeue position
	_    [56]byte

	mask    uint64
	slots   []queueSlot
	notify  chan struct{}
	dropped atomic.Uint64
}

// NewQueue rounds capacity up to a power of two.
func NewQueue(capacity int) *Queue {
	size := uint64(1)
	for size < uint64(max(capacity, 1)) {
		size <<= 1
	}
	q := &Queue{
		mask:   size - 1,
		slots:  make([]queueSlot, size),
		notify: make(chan struct{}, 1),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Enqueue never blocks. When the ring is full the packet is rejected with
// ErrQueueFull and the drop counter is incremented.
func (q *Queue) Enqueue(p QueuedPacket) error {
	pos := q.head.Load()
	var slot *queueSlot
claim:
	for {
		slot = &q.slots[pos&q.mask]
		seq := slot.seq.Load()
		switch diff := int64(seq - pos); {
		case diff == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				break claim
			}
			pos = q.head.Load()
		case diff < 0:
			q.dropped.Add(1)
			return ErrQueueFull
		default:
			pos = q.head.Load()
		}
	}
	slot.pkt = p
	slot.seq.Store(pos + 1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TryDequeue is the non-blocking poll.
func (q *Queue) TryDequeue() (QueuedPacket, bool) {
	pos := q.tail.Load()
	var slot *queueSlot
claim:
	for {
		slot = &q.slots[pos&q.mask]
		seq := slot.seq.Load()
		switch diff := int64(seq - (pos + 1)); {
		case diff == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				break claim
			}
			pos = q.tail.Load()
		case diff < 0:
			return QueuedPacket{}, false
		default:
			pos = q.tail.Load()
		}
	}
	p := slot.pkt
	slot.pkt = QueuedPacket{}
	slot.seq.Store(pos + q.mask + 1)
	return p, true
}

// Dequeue waits until a packet is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (QueuedPacket, error) {
	for {
		if p, ok := q.TryDequeue(); ok {
			return p, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return QueuedPacket{}, ctx.Err()
		}
	}
}

// Len is approximate under concurrent use.
func (q *Queue) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	if head < tail {
		return 0
	}
	return int(head - tail)
}

func (q *Queue) Cap() int { return len(q.slots) }

// Dropped returns the number of packets rejected because the ring was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
