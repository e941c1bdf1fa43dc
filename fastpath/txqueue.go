package fastpath

import (
	"sync"
	"sync/atomic"
)

// TxQueue is a dedicated fast-path transmit queue.
//
// The queue is shared between XDP_TX from its own receive queue and
// frames redirected to this device by other sources. Submission is
// serialized by an internal mutex; frames are never partially queued.
type TxQueue struct {
	index uint32

	mu       sync.Mutex
	ring     []*Frame
	head     uint32 // next frame to complete
	tail     uint32 // next free slot
	doorbell func(q *TxQueue)

	submitted atomic.Uint64
	rejected  atomic.Uint64
	kicks     atomic.Uint64
}

func newTxQueue(index, size uint32, doorbell func(q *TxQueue)) *TxQueue {
	return &TxQueue{
		index:    index,
		ring:     make([]*Frame, size),
		doorbell: doorbell,
	}
}

// Index returns the hardware index of the queue.
func (q *TxQueue) Index() uint32 { return q.index }

// Len returns the number of frames waiting for completion.
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// xmitLocked enqueues f. Returns ErrTxQueueFull leaving ownership of f
// with the caller. q.mu must be held.
func (q *TxQueue) xmitLocked(f *Frame) error {
	if q.tail-q.head >= uint32(len(q.ring)) {
		q.rejected.Add(1)
		return ErrTxQueueFull
	}
	q.ring[q.tail%uint32(len(q.ring))] = f
	q.tail++
	q.submitted.Add(1)
	return nil
}

// kickLocked rings the doorbell. q.mu must be held.
func (q *TxQueue) kickLocked() {
	q.kicks.Add(1)
	if q.doorbell != nil {
		q.doorbell(q)
	}
}

// Submit enqueues a single frame and rings the doorbell.
// On ErrTxQueueFull the caller still owns f.
func (q *TxQueue) Submit(f *Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.xmitLocked(f); err != nil {
		return err
	}
	q.kickLocked()
	return nil
}

// Complete takes up to max frames in submission order, passes each to
// fn (may be nil) and returns its memory to the source.
// It is the transmit completion path of the device.
func (q *TxQueue) Complete(max int, fn func(f *Frame)) int {
	q.mu.Lock()
	var done []*Frame
	for len(done) < max && q.head != q.tail {
		i := q.head % uint32(len(q.ring))
		done = append(done, q.ring[i])
		q.ring[i] = nil
		q.head++
	}
	q.mu.Unlock()

	for _, f := range done {
		if fn != nil {
			fn(f)
		}
		f.Return()
	}
	return len(done)
}

// drain returns every queued frame to its source without transmitting.
func (q *TxQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for q.head != q.tail {
		i := q.head % uint32(len(q.ring))
		q.ring[i].Return()
		q.ring[i] = nil
		q.head++
		n++
	}
	return n
}

// TxStats are the submission counters of a TxQueue.
type TxStats struct {
	Submitted uint64
	Rejected  uint64
	Kicks     uint64
}

func (q *TxQueue) Stats() TxStats {
	return TxStats{
		Submitted: q.submitted.Load(),
		Rejected:  q.rejected.Load(),
		Kicks:     q.kicks.Load(),
	}
}
