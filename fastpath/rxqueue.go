package fastpath

import "sync/atomic"

// ExceptionHandler observes aborted and invalid verdicts.
// It runs on the poller and must not block.
type ExceptionHandler func(queue uint32, prog *Program, v Verdict)

// Redirector hands a packet to another consumer.
// On success it owns b. On error ownership stays with the caller.
type Redirector interface {
	Redirect(b *Buff, prog *Program) error
}

type poolRef struct{ pool ZeroCopyPool }

// RxQueue is one hardware receive context.
type RxQueue struct {
	dev   *Device
	index uint32

	prog  atomic.Pointer[Program]
	txq   atomic.Pointer[TxQueue]
	pool  atomic.Pointer[poolRef]
	stats Stats

	// posted holds empty buffers handed to the device for receive,
	// completed holds filled buffers waiting for the poller.
	posted    chan *Buff
	completed chan *Buff

	// gen is odd while Poll or Execute is running.
	gen  atomic.Uint64
	wake chan struct{}
}

func newRxQueue(dev *Device, index, ringSize uint32) *RxQueue {
	return &RxQueue{
		dev:       dev,
		index:     index,
		posted:    make(chan *Buff, ringSize),
		completed: make(chan *Buff, ringSize),
		wake:      make(chan struct{}, 1),
	}
}

func (rq *RxQueue) Index() uint32 { return rq.index }

// Stats returns the verdict counters of the queue.
func (rq *RxQueue) Stats() *Stats { return &rq.stats }

// HasProgram reports whether a program is attached to the queue.
func (rq *RxQueue) HasProgram() bool { return rq.prog.Load() != nil }

// Program returns the attached program or nil.
func (rq *RxQueue) Program() *Program { return rq.prog.Load() }

// TxQueue returns the fast-path transmit queue or nil when the fast path
// is not set up.
func (rq *RxQueue) TxQueue() *TxQueue { return rq.txq.Load() }

// HasZeroCopy reports whether the queue is backed by a zero-copy pool.
func (rq *RxQueue) HasZeroCopy() bool { return rq.zcPool() != nil }

func (rq *RxQueue) zcPool() ZeroCopyPool {
	if r := rq.pool.Load(); r != nil {
		return r.pool
	}
	return nil
}

// Execute runs the attached program on b and carries out its verdict.
// Exactly one counter is incremented. On ActionPass the caller keeps b,
// otherwise b is consumed. Without an attached program Execute returns
// ActionPass and counts nothing.
//
// Execute must not be called concurrently with Poll or Execute for the
// same queue.
func (rq *RxQueue) Execute(b *Buff) Action {
	rq.gen.Add(1)
	defer rq.gen.Add(1)

	prog := rq.prog.Load()
	if prog == nil {
		return ActionPass
	}
	return rq.execute(prog, b)
}

func (rq *RxQueue) execute(prog *Program, b *Buff) Action {
	v := prog.Run(b)

	switch v {
	case VerdictTx:
		f, err := rq.dev.conv.ConvertToFrame(b)
		if err != nil {
			rq.exception(prog, v)
			rq.stats.inc(CounterAborted)
			b.Release()
			return ActionDrop
		}
		txq := rq.txq.Load()
		if txq == nil || txq.Submit(f) != nil {
			f.Return()
		}
		rq.stats.inc(CounterTx)
		return ActionTx

	case VerdictRedirect:
		if err := rq.dev.redirect.Redirect(b, prog); err != nil {
			rq.exception(prog, v)
			rq.stats.inc(CounterAborted)
			b.Release()
			return ActionDrop
		}
		rq.stats.inc(CounterRedirect)
		return ActionRedirect

	case VerdictAborted:
		rq.exception(prog, v)
		rq.stats.inc(CounterAborted)
		b.Release()
		return ActionDrop

	case VerdictDrop:
		rq.stats.inc(CounterDrop)
		b.Release()
		return ActionDrop

	case VerdictPass:
		rq.stats.inc(CounterPass)
		return ActionPass
	}

	// Unknown verdicts are never forwarded.
	rq.exception(prog, v)
	rq.stats.inc(CounterInvalid)
	b.Release()
	return ActionDrop
}

func (rq *RxQueue) exception(prog *Program, v Verdict) {
	if h := rq.dev.onException; h != nil {
		h(rq.index, prog, v)
	}
}

// Poll processes up to budget received packets in arrival order and
// returns the number processed. Packets passed by the program, or all
// packets when no program is attached, go to deliver which then owns
// them. A nil deliver releases them.
//
// Poll must not be called concurrently for the same queue.
func (rq *RxQueue) Poll(budget int, deliver func(b *Buff)) int {
	rq.gen.Add(1)
	defer rq.gen.Add(1)

	work := 0
	for work < budget {
		var b *Buff
		select {
		case b = <-rq.completed:
		default:
		}
		if b == nil {
			break
		}
		work++

		if prog := rq.prog.Load(); prog != nil {
			if rq.execute(prog, b) != ActionPass {
				continue
			}
		}
		if deliver != nil {
			deliver(b)
		} else {
			b.Release()
		}
	}

	rq.Refill()
	return work
}

// Receive copies pkt into the next posted buffer and queues it for the
// poller. It is the device side of the receive ring and returns false
// when no buffer is posted or pkt does not fit the buffer.
func (rq *RxQueue) Receive(pkt []byte) bool {
	var b *Buff
	select {
	case b = <-rq.posted:
	default:
		return false
	}
	if b.Fill(pkt) < len(pkt) {
		b.Release()
		return false
	}
	b.Queue = rq.index
	select {
	case rq.completed <- b:
		return true
	default:
		b.Release()
		return false
	}
}

// ReceiveBuff queues a buffer the device already filled, as zero-copy
// receive does. On false the caller still owns b.
func (rq *RxQueue) ReceiveBuff(b *Buff) bool {
	b.Queue = rq.index
	select {
	case rq.completed <- b:
		return true
	default:
		return false
	}
}

// Refill posts empty buffers until the ring is full or the buffer
// source runs dry. Buffers come from the zero-copy pool if one is
// attached and from the device page allocator otherwise.
func (rq *RxQueue) Refill() int {
	n := 0
	for len(rq.posted) < cap(rq.posted) {
		var b *Buff
		if pool := rq.zcPool(); pool != nil {
			var ok bool
			if b, ok = pool.Alloc(); !ok {
				break
			}
		} else {
			b = rq.dev.alloc.Alloc()
		}
		select {
		case rq.posted <- b:
			n++
		default:
			b.Release()
			return n
		}
	}
	return n
}

// drainBuffers releases every posted and received buffer.
func (rq *RxQueue) drainBuffers() int {
	n := 0
	for {
		select {
		case b := <-rq.posted:
			b.Release()
		case b := <-rq.completed:
			b.Release()
		default:
			return n
		}
		n++
	}
}

// Kick wakes the queue's poller.
func (rq *RxQueue) Kick() {
	select {
	case rq.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel signaled by Kick.
func (rq *RxQueue) Wake() <-chan struct{} { return rq.wake }

// Pending returns the number of received packets waiting for Poll.
func (rq *RxQueue) Pending() int { return len(rq.completed) }

// Posted returns the number of empty buffers posted for receive.
func (rq *RxQueue) Posted() int { return len(rq.posted) }
