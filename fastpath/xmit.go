package fastpath

import "fmt"

// XmitFlags modify Xmit.
type XmitFlags uint32

const (
	// XmitFlush rings the doorbell after the batch was queued.
	XmitFlush XmitFlags = 1 << 0
)

// Xmit queues externally sourced frames on a fast-path transmit queue.
// It is the entry point used when this device is a redirect target.
// The queue is selected as hint modulo the number of fast-path queues;
// callers pass their own queue index to spread load. Frames are queued
// in order until the queue is full. Xmit returns the number accepted;
// the caller keeps ownership of the rest.
func (d *Device) Xmit(hint uint32, frames []*Frame, flags XmitFlags) (int, error) {
	if flags&^XmitFlush != 0 {
		return 0, fmt.Errorf("%w: 0x%x", ErrInvalidFlags, uint32(flags))
	}
	if !d.HasProgram() {
		return 0, ErrNotRunning
	}
	_, count := d.FastPathRange()
	if count == 0 {
		return 0, ErrNotRunning
	}
	q := d.rx[hint%count].TxQueue()
	if q == nil {
		return 0, ErrNotRunning
	}

	// The queue is shared with XDP_TX of its receive queue.
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	for _, f := range frames {
		if q.xmitLocked(f) != nil {
			break
		}
		sent++
	}
	if flags&XmitFlush != 0 {
		q.kickLocked()
	}
	return sent, nil
}

// WakeupFlags tell a zero-copy consumer which direction has work.
type WakeupFlags uint32

const (
	WakeupRx WakeupFlags = 1 << 0
	WakeupTx WakeupFlags = 1 << 1

	wakeupAll = WakeupRx | WakeupTx
)

// Wakeup notifies the zero-copy consumer of queue qid that work is
// pending and kicks the queue's poller. It is a no-op for queues without
// a zero-copy pool.
func (d *Device) Wakeup(qid uint32, flags WakeupFlags) error {
	if !d.HasProgram() {
		return ErrNotRunning
	}
	if flags&^wakeupAll != 0 {
		return fmt.Errorf("%w: 0x%x", ErrInvalidFlags, uint32(flags))
	}
	if qid >= d.IOQueues() {
		return fmt.Errorf("%w: %d >= %d", ErrQueueOutOfRange, qid, d.IOQueues())
	}
	rq := d.rx[qid]
	pool := rq.zcPool()
	if pool == nil {
		return nil
	}
	if err := pool.Wakeup(flags); err != nil {
		return fmt.Errorf("waking queue %d: %w", qid, err)
	}
	rq.Kick()
	return nil
}
