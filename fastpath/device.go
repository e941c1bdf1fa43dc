package fastpath

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMTU        = 1500
	DefaultRxRingSize = 1024
	DefaultTxRingSize = 1024
)

var ErrNoQueues = errors.New("MaxQueues must be > 0")

// Config describes a device and its fast-path collaborators.
type Config struct {
	// Name identifies the device in logs and metrics.
	Name string
	// MaxQueues is the total number of hardware queues.
	MaxQueues uint32
	// IOQueues is the number of configured receive queues.
	// Defaults to half of MaxQueues so the fast path fits.
	IOQueues uint32
	// MTU is the current device MTU.
	MTU uint32
	// Limits describes the receive buffers.
	Limits FrameLimits
	// RxRingSize is the number of buffers posted per receive queue.
	RxRingSize uint32
	// TxRingSize is the capacity of each fast-path transmit queue.
	TxRingSize uint32

	// Converter turns buffers into frames for XDP_TX.
	Converter FrameConverter
	// Redirector carries out XDP_REDIRECT. Redirects fail without one.
	Redirector Redirector
	// Doorbell is called under the queue lock when frames were submitted
	// to a fast-path transmit queue.
	Doorbell func(q *TxQueue)
	// OnException observes aborted and invalid verdicts.
	OnException ExceptionHandler

	Logger logrus.FieldLogger
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.MaxQueues == 0 {
		return ErrNoQueues
	}
	if c.IOQueues == 0 {
		c.IOQueues = max(c.MaxQueues/2, 1)
	}
	if c.IOQueues > c.MaxQueues {
		return fmt.Errorf("IOQueues (%d) must be <= MaxQueues (%d)", c.IOQueues, c.MaxQueues)
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.Limits == (FrameLimits{}) {
		c.Limits = DefaultFrameLimits()
	}
	if c.Limits.Headroom >= c.Limits.FrameSize {
		return fmt.Errorf("headroom (%d) must be < frame size (%d)",
			c.Limits.Headroom, c.Limits.FrameSize)
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.Converter == nil {
		c.Converter = DefaultConverter{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return nil
}

type noRedirect struct{}

func (noRedirect) Redirect(*Buff, *Program) error { return ErrNoRedirectTarget }

// Device is the fast-path state of one network device.
//
// Fields read by pollers (program, queue range, MTU, active queue count)
// are atomics. Control operations (SetProgram, Setup, Teardown, pool
// attach/detach) are serialized by an internal mutex.
type Device struct {
	name  string
	log   logrus.FieldLogger
	conf  Config
	alloc *PageAllocator

	conv        FrameConverter
	redirect    Redirector
	onException ExceptionHandler

	mtu      atomic.Uint32
	prog     atomic.Pointer[Program]
	txRange  atomic.Uint64 // first<<32 | count
	ioQueues atomic.Uint32

	rx []*RxQueue

	mu sync.Mutex
	tx []*TxQueue
}

// New creates a device with conf.IOQueues receive queues and posts
// receive buffers on each of them. The fast path starts disabled.
func New(conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	d := &Device{
		name:        conf.Name,
		log:         conf.Logger.WithField("device", conf.Name),
		conf:        conf,
		alloc:       NewPageAllocator(conf.Limits),
		conv:        conf.Converter,
		redirect:    conf.Redirector,
		onException: conf.OnException,
	}
	if d.redirect == nil {
		d.redirect = noRedirect{}
	}
	d.mtu.Store(conf.MTU)
	d.ioQueues.Store(conf.IOQueues)

	d.rx = make([]*RxQueue, conf.IOQueues)
	for i := range d.rx {
		d.rx[i] = newRxQueue(d, uint32(i), conf.RxRingSize)
		d.rx[i].Refill()
	}

	d.log.WithFields(logrus.Fields{
		"max_queues": conf.MaxQueues,
		"io_queues":  conf.IOQueues,
		"mtu":        conf.MTU,
		"max_mtu":    conf.Limits.MaxMTU(),
	}).Debug("device created")
	return d, nil
}

func (d *Device) Name() string { return d.name }

// MaxQueues returns the total number of hardware queues.
func (d *Device) MaxQueues() uint32 { return d.conf.MaxQueues }

// IOQueues returns the number of active I/O queues.
func (d *Device) IOQueues() uint32 { return d.ioQueues.Load() }

// Limits returns the receive buffer limits.
func (d *Device) Limits() FrameLimits { return d.conf.Limits }

// MaxMTU returns the largest MTU the fast path admits.
func (d *Device) MaxMTU() uint32 { return d.conf.Limits.MaxMTU() }

func (d *Device) MTU() uint32 { return d.mtu.Load() }

// Program returns the attached program or nil.
func (d *Device) Program() *Program { return d.prog.Load() }

// HasProgram reports whether the fast path is enabled.
func (d *Device) HasProgram() bool { return d.prog.Load() != nil }

// Eligibility checks the current MTU and I/O queue count.
func (d *Device) Eligibility() Eligibility {
	return CheckEligibility(d.MTU(), d.IOQueues(), d.conf.MaxQueues, d.conf.Limits)
}

// RxQueue returns receive queue i.
func (d *Device) RxQueue(i uint32) (*RxQueue, error) {
	if i >= uint32(len(d.rx)) {
		return nil, fmt.Errorf("%w: rx %d", ErrQueueOutOfRange, i)
	}
	return d.rx[i], nil
}

// RxQueues returns all configured receive queues.
func (d *Device) RxQueues() []*RxQueue { return d.rx }

// FastPathRange returns the first index and the number of dedicated
// fast-path transmit queues. count is 0 while the fast path is not set up.
func (d *Device) FastPathRange() (first, count uint32) {
	r := d.txRange.Load()
	return uint32(r >> 32), uint32(r)
}

// IsFastPathIndex reports whether transmit queue index i is one of the
// dedicated fast-path queues.
func (d *Device) IsFastPathIndex(i uint32) bool {
	first, count := d.FastPathRange()
	return i >= first && uint64(i) < uint64(first)+uint64(count)
}

// TxQueue returns the fast-path transmit queue with hardware index i.
func (d *Device) TxQueue(i uint32) (*TxQueue, bool) {
	if !d.IsFastPathIndex(i) {
		return nil, false
	}
	first, _ := d.FastPathRange()
	if q := d.rx[i-first].TxQueue(); q != nil && q.Index() == i {
		return q, true
	}
	return nil, false
}

// Counters sums the verdict counters of all receive queues.
func (d *Device) Counters() CounterValues {
	var v CounterValues
	for _, rq := range d.rx {
		v = v.Add(rq.stats.Snapshot())
	}
	return v
}
