package fastpath

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ZeroCopyPool is an externally owned buffer pool shared with a
// user-space consumer. Buffers allocated from it must be returned to it
// instead of being freed.
type ZeroCopyPool interface {
	BufferOwner
	// Alloc takes an empty buffer from the pool.
	Alloc() (*Buff, bool)
	// Wakeup notifies the consumer that the queue has pending work.
	Wakeup(flags WakeupFlags) error
	// Close destroys the pool.
	Close() error
}

// ZeroCopyEnabled reports whether any active queue uses a zero-copy pool.
func (d *Device) ZeroCopyEnabled() bool {
	n := d.IOQueues()
	for _, rq := range d.rx[:n] {
		if rq.HasZeroCopy() {
			return true
		}
	}
	return false
}

// AttachPool backs receive queue qid with pool. Posted driver buffers
// are released and replaced with pool buffers.
func (d *Device) AttachPool(qid uint32, pool ZeroCopyPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rq, err := d.RxQueue(qid)
	if err != nil {
		return err
	}
	if !rq.pool.CompareAndSwap(nil, &poolRef{pool: pool}) {
		return fmt.Errorf("queue %d: %w", qid, ErrPoolAttached)
	}
	released := rq.drainBuffers()
	posted := rq.Refill()

	d.log.WithFields(logrus.Fields{
		"queue":    qid,
		"released": released,
		"posted":   posted,
	}).Info("zero-copy pool attached")
	return nil
}

// DetachPool stops using the zero-copy pool of queue qid and returns it.
// Outstanding transmit frames and receive buffers of the queue are
// returned to their sources before the pool is handed back.
// The caller is responsible for closing the pool.
func (d *Device) DetachPool(ctx context.Context, qid uint32) (ZeroCopyPool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rq, err := d.RxQueue(qid)
	if err != nil {
		return nil, err
	}
	ref := rq.pool.Swap(nil)
	if ref == nil {
		return nil, nil
	}
	if err := d.Quiesce(ctx); err != nil {
		rq.pool.Store(ref)
		return nil, fmt.Errorf("waiting for pollers: %w", err)
	}

	var frames int
	if txq := rq.TxQueue(); txq != nil {
		frames = txq.drain()
	}
	bufs := rq.drainBuffers()
	rq.Refill()

	d.log.WithFields(logrus.Fields{
		"queue":          qid,
		"drained_frames": frames,
		"drained_bufs":   bufs,
	}).Info("zero-copy pool detached")
	return ref.pool, nil
}
