package fastpath

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// quiescePollInterval is how often Quiesce rechecks busy pollers.
const quiescePollInterval = 50 * time.Microsecond

// Setup creates n dedicated fast-path transmit queues, one per receive
// queue in [0, n), at transmit indices [n, 2n). n becomes the active I/O
// queue count. Setup fails with ErrMTUTooLarge or ErrInsufficientQueues
// without allocating anything if the device is not eligible.
func (d *Device) Setup(n uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setupLocked(n)
}

func (d *Device) setupLocked(n uint32) error {
	if d.tx != nil {
		return ErrAlreadySetUp
	}
	if n == 0 || n > uint32(len(d.rx)) {
		return fmt.Errorf("%w: %d (device has %d rx queues)",
			ErrInvalidQueueCount, n, len(d.rx))
	}
	e := CheckEligibility(d.MTU(), n, d.conf.MaxQueues, d.conf.Limits)
	if err := e.Err(); err != nil {
		return fmt.Errorf("setting up %d fast-path queues: %w", n, err)
	}

	first := n
	tx := make([]*TxQueue, n)
	for i := range tx {
		tx[i] = newTxQueue(first+uint32(i), d.conf.TxRingSize, d.conf.Doorbell)
		d.rx[i].txq.Store(tx[i])
	}
	d.tx = tx
	d.ioQueues.Store(n)
	d.txRange.Store(uint64(first)<<32 | uint64(n))

	d.log.WithFields(logrus.Fields{
		"first":  first,
		"queues": n,
	}).Info("fast-path tx queues created")
	return nil
}

// ExchangeProgramInRange atomically replaces the program cached by the
// receive queues [first, first+count). A nil prog detaches.
// Pollers running during the exchange finish with the program they
// loaded; callers must Quiesce before retiring the previous program.
func (d *Device) ExchangeProgramInRange(prog *Program, first, count uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exchangeLocked(prog, first, count)
}

func (d *Device) exchangeLocked(prog *Program, first, count uint32) error {
	if uint64(first)+uint64(count) > uint64(len(d.rx)) {
		return fmt.Errorf("%w: [%d, %d) exceeds %d rx queues",
			ErrQueueOutOfRange, first, uint64(first)+uint64(count), len(d.rx))
	}
	for _, rq := range d.rx[first : first+count] {
		rq.prog.Store(prog)
	}

	name := "<none>"
	if prog != nil {
		name = prog.Name()
	}
	d.log.WithFields(logrus.Fields{
		"program": name,
		"first":   first,
		"count":   count,
	}).Debug("program exchanged")
	return nil
}

// Quiesce waits until every poller that was inside Poll when Quiesce
// started has returned. After Quiesce no poller uses a program that was
// detached before the call.
func (d *Device) Quiesce(ctx context.Context) error {
	snap := make([]uint64, len(d.rx))
	for i, rq := range d.rx {
		snap[i] = rq.gen.Load()
	}

	var ticker *time.Ticker
	for i, rq := range d.rx {
		if snap[i]&1 == 0 {
			continue // idle at snapshot
		}
		for rq.gen.Load() == snap[i] {
			if ticker == nil {
				ticker = time.NewTicker(quiescePollInterval)
				defer ticker.Stop()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

// Teardown disables the fast path. It detaches the program from all
// fast-path queues, waits for the pollers and releases the dedicated
// transmit queues, then closes the program. Frames still queued are
// returned to their source. Receive queues backed by a zero-copy pool
// return all outstanding buffers to the pool first.
func (d *Device) Teardown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detachLocked(ctx)
}

func (d *Device) detachLocked(ctx context.Context) error {
	old := d.prog.Swap(nil)
	if err := d.teardownLocked(ctx); err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	d.log.WithField("program", old.Name()).Info("program detached")
	return old.Close()
}

func (d *Device) teardownLocked(ctx context.Context) error {
	if d.tx == nil {
		return nil
	}
	if err := d.exchangeLocked(nil, 0, uint32(len(d.tx))); err != nil {
		return err
	}
	if err := d.Quiesce(ctx); err != nil {
		return fmt.Errorf("waiting for pollers: %w", err)
	}

	var frames, bufs int
	for i, txq := range d.tx {
		rq := d.rx[i]
		frames += txq.drain()
		if rq.HasZeroCopy() {
			bufs += rq.drainBuffers()
			rq.Refill()
		}
		rq.txq.Store(nil)
	}
	d.log.WithFields(logrus.Fields{
		"queues":         len(d.tx),
		"drained_frames": frames,
		"drained_bufs":   bufs,
	}).Info("fast-path tx queues released")

	d.tx = nil
	d.txRange.Store(0)
	return nil
}

// SetProgram attaches prog to all active I/O queues, setting up the
// fast-path queues first if needed. Attaching to a running fast path
// swaps the program. A nil prog detaches it and tears the queues down.
// The previous program is closed once all pollers have quiesced.
func (d *Device) SetProgram(ctx context.Context, prog *Program) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prog == nil {
		return d.detachLocked(ctx)
	}
	old := d.prog.Load()

	if e := d.Eligibility(); e != Allowed {
		return fmt.Errorf("attaching %q: %w", prog.Name(), e.Err())
	}
	if d.tx == nil {
		if err := d.setupLocked(d.IOQueues()); err != nil {
			return err
		}
	}
	d.prog.Store(prog)
	if err := d.exchangeLocked(prog, 0, uint32(len(d.tx))); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{
		"program": prog.Name(),
		"queues":  len(d.tx),
	}).Info("program attached")

	if old == nil || old == prog {
		return nil
	}
	if err := d.Quiesce(ctx); err != nil {
		return fmt.Errorf("retiring %q: %w", old.Name(), err)
	}
	return old.Close()
}

// SetMTU changes the device MTU. While a program is attached the MTU
// may not exceed MaxMTU.
func (d *Device) SetMTU(mtu uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.HasProgram() && mtu > d.MaxMTU() {
		return fmt.Errorf("%w: %d > %d", ErrMTUTooLarge, mtu, d.MaxMTU())
	}
	d.mtu.Store(mtu)
	return nil
}

// SetIOQueues changes the active I/O queue count. If the fast-path
// queues are set up they are rebuilt for the new count and an attached
// program is reattached to all of them.
func (d *Device) SetIOQueues(ctx context.Context, n uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n == 0 || n > uint32(len(d.rx)) {
		return fmt.Errorf("%w: %d (device has %d rx queues)",
			ErrInvalidQueueCount, n, len(d.rx))
	}
	if d.tx == nil {
		d.ioQueues.Store(n)
		return nil
	}
	if !LegalQueueCount(n, d.conf.MaxQueues) {
		return fmt.Errorf("%w: %d queues with %d hardware queues",
			ErrInsufficientQueues, n, d.conf.MaxQueues)
	}
	if err := d.teardownLocked(ctx); err != nil {
		return err
	}
	prog := d.prog.Load()
	errSetup := d.setupLocked(n)
	if errSetup == nil && prog != nil {
		errSetup = d.exchangeLocked(prog, 0, n)
	}
	if errSetup != nil && prog != nil {
		d.prog.Store(nil)
		return errors.Join(errSetup, prog.Close())
	}
	return errSetup
}
