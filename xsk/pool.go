//go:build linux

// Package xsk backs fast-path receive queues with AF_XDP UMEM.
//
// Pool owns one AF_XDP socket bound to a NIC queue together with its
// UMEM, fill, completion and RX rings, and implements
// fastpath.ZeroCopyPool. Interface attaches the XDP program that
// redirects a NIC's queues into registered pools.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - FQ ring: UMEM addresses handed to the kernel for receive.
//   - RX ring: filled UMEM frames delivered to userspace.
//   - CQ ring: transmitted UMEM frames returned by the kernel.
package xsk

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

var (
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= 2 * RingSize")
	ErrNotPowerOfTwo     = errors.New("must be a power of two")
	ErrFrameSizeTooSmall = errors.New("FrameSize must be >= 2048")
	ErrPoolClosed        = errors.New("pool closed")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 4096
	DefaultRingSize  = 2048

	// xdpPacketHeadroom is reserved by the kernel in front of every frame.
	xdpPacketHeadroom = 256
)

type PoolConfig struct {
	// Interface is the NIC name.
	Interface string
	// QueueID identifies the NIC queue to bind to.
	QueueID uint32
	// NumFrames is the number of UMEM frames.
	NumFrames uint32
	// FrameSize is the size of each UMEM frame in bytes.
	FrameSize uint32
	// Headroom is reserved per frame in addition to the kernel's headroom.
	Headroom uint32
	// RingSize sets the fill, completion and RX ring sizes.
	RingSize uint32
	// PreferZerocopy requests XDP_ZEROCOPY and falls back to XDP_COPY.
	PreferZerocopy bool
}

func isPowerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func (c *PoolConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RingSize == 0 {
		c.RingSize = DefaultRingSize
	}
	if c.FrameSize < 2048 {
		return ErrFrameSizeTooSmall
	}
	if !isPowerOfTwo(c.FrameSize) {
		return fmt.Errorf("FrameSize %d: %w", c.FrameSize, ErrNotPowerOfTwo)
	}
	if !isPowerOfTwo(c.RingSize) {
		return fmt.Errorf("RingSize %d: %w", c.RingSize, ErrNotPowerOfTwo)
	}
	if c.NumFrames < 2*c.RingSize {
		return ErrNumFramesTooSmall
	}
	if c.Headroom+xdpPacketHeadroom >= c.FrameSize {
		return fmt.Errorf("Headroom %d leaves no room in a %d byte frame", c.Headroom, c.FrameSize)
	}
	return nil
}

// Pool is an AF_XDP UMEM bound to one NIC queue.
// It is safe for concurrent use.
type Pool struct {
	conf       PoolConfig
	isZerocopy bool

	mu      sync.Mutex
	fd      int
	umem    []byte
	regions [][]byte
	fill    *ring[uint64]
	comp    *ring[uint64]
	rx      *ring[desc]
	free    []uint64
}

var _ fastpath.ZeroCopyPool = (*Pool)(nil)

// Open creates the AF_XDP socket, registers UMEM, maps the rings and binds
// to conf.Interface:conf.QueueID. All frames start out in the free list.
func Open(conf PoolConfig) (*Pool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	iface, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	p := &Pool{conf: conf, fd: fd}
	if err := p.setup(iface.Index); err != nil {
		return nil, errors.Join(err, p.Close())
	}
	return p, nil
}

func (p *Pool) setup(ifindex int) error {
	conf := p.conf

	umem, err := unix.Mmap(-1, 0, int(conf.NumFrames)*int(conf.FrameSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap UMEM: %w", err)
	}
	p.umem = umem

	reg := umemReg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: conf.FrameSize,
		Headroom:  conf.Headroom,
	}
	if err := setsockopt(p.fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}
	for _, opt := range []struct {
		name string
		opt  int
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING},
		{"XDP_RX_RING", unix.XDP_RX_RING},
	} {
		if err := setRingSize(p.fd, opt.opt, conf.RingSize); err != nil {
			return fmt.Errorf("setsockopt %s: %w", opt.name, err)
		}
	}

	var offs mmapOffsets
	if err := getsockopt(p.fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	fillRegion, err := mapRing[uint64](p.fd, offs.Fr, conf.RingSize, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fmt.Errorf("mmap FQ ring: %w", err)
	}
	p.regions = append(p.regions, fillRegion)
	compRegion, err := mapRing[uint64](p.fd, offs.Cr, conf.RingSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return fmt.Errorf("mmap CQ ring: %w", err)
	}
	p.regions = append(p.regions, compRegion)
	rxRegion, err := mapRing[desc](p.fd, offs.Rx, conf.RingSize, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return fmt.Errorf("mmap RX ring: %w", err)
	}
	p.regions = append(p.regions, rxRegion)

	if p.fill, err = newRing[uint64](fillRegion, offs.Fr, conf.RingSize); err != nil {
		return fmt.Errorf("making FQ ring: %w", err)
	}
	if p.comp, err = newRing[uint64](compRegion, offs.Cr, conf.RingSize); err != nil {
		return fmt.Errorf("making CQ ring: %w", err)
	}
	if p.rx, err = newRing[desc](rxRegion, offs.Rx, conf.RingSize); err != nil {
		return fmt.Errorf("making RX ring: %w", err)
	}

	p.free = make([]uint64, conf.NumFrames)
	for i := range p.free {
		p.free[i] = uint64(i) * uint64(conf.FrameSize)
	}

	sa := &sockaddrXDP{
		Family:  unix.AF_XDP,
		Ifindex: uint32(ifindex),
		QueueID: conf.QueueID,
		Flags:   unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP,
	}
	if conf.PreferZerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = bind(p.fd, sa)
	if conf.PreferZerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// The queue does not support zero-copy, fall back to copy mode.
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		err = bind(p.fd, sa)
	} else if err == nil {
		p.isZerocopy = conf.PreferZerocopy
	}
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	return nil
}

// FD returns the socket file descriptor.
func (p *Pool) FD() int { return p.fd }

// QueueID returns the NIC queue the pool is bound to.
func (p *Pool) QueueID() uint32 { return p.conf.QueueID }

// IsZerocopy reports whether the socket runs in zero-copy mode.
// It may be false even if PreferZerocopy was set because the queue fell
// back to XDP_COPY.
func (p *Pool) IsZerocopy() bool { return p.isZerocopy }

// Free returns the number of frames in the free list.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) frameBase(addr uint64) uint64 {
	return addr &^ uint64(p.conf.FrameSize-1)
}

func (p *Pool) buff(base uint64) *fastpath.Buff {
	chunk := p.umem[base : base+uint64(p.conf.FrameSize)]
	return fastpath.NewBuff(chunk, int(xdpPacketHeadroom+p.conf.Headroom), base, p)
}

// Alloc implements fastpath.ZeroCopyPool.
func (p *Pool) Alloc() (*fastpath.Buff, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.umem == nil || len(p.free) == 0 {
		return nil, false
	}
	addr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return p.buff(addr), true
}

// Return implements fastpath.BufferOwner.
func (p *Pool) Return(b *fastpath.Buff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.umem == nil {
		return
	}
	p.free = append(p.free, p.frameBase(b.Addr))
}

// FillKernel moves up to max free frames into the fill ring so the kernel
// can receive into them, and returns the number moved.
func (p *Pool) FillKernel(max uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.umem == nil {
		return 0
	}
	n := p.fill.producible(min(max, uint32(len(p.free))))
	for i := range n {
		p.fill.set(i, p.free[len(p.free)-1-int(i)])
	}
	p.free = p.free[:len(p.free)-int(n)]
	p.fill.submit(n)
	return n
}

// Reclaim moves up to max frames from the completion ring to the free list.
func (p *Pool) Reclaim(max uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.umem == nil {
		return 0
	}
	n := p.comp.consumable(max)
	for i := range n {
		p.free = append(p.free, p.frameBase(p.comp.peek(i)))
	}
	p.comp.release(n)
	return n
}

// Receive takes up to max frames from the RX ring and queues them on rq
// without copying. Frames rq cannot take go back to the free list.
func (p *Pool) Receive(rq *fastpath.RxQueue, max uint32) uint32 {
	p.mu.Lock()
	if p.umem == nil {
		p.mu.Unlock()
		return 0
	}
	n := p.rx.consumable(max)
	bufs := make([]*fastpath.Buff, n)
	for i := range n {
		d := p.rx.peek(i)
		base := p.frameBase(d.Addr)
		b := p.buff(base)
		b.Headroom = int(d.Addr - base)
		b.Data = p.umem[d.Addr : d.Addr+uint64(d.Len) : base+uint64(p.conf.FrameSize)]
		bufs[i] = b
	}
	p.rx.release(n)
	p.mu.Unlock()

	var queued uint32
	for _, b := range bufs {
		if rq.ReceiveBuff(b) {
			queued++
			continue
		}
		p.Return(b)
	}
	return queued
}

// Wakeup implements fastpath.ZeroCopyPool. It kicks the kernel the way
// XDP_USE_NEED_WAKEUP expects: a zero-length send for TX and a
// non-blocking receive for RX.
func (p *Pool) Wakeup(flags fastpath.WakeupFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.umem == nil {
		return ErrPoolClosed
	}
	if flags&fastpath.WakeupTx != 0 {
		if err := unix.Sendto(p.fd, nil, unix.MSG_DONTWAIT, nil); !isBackpressure(err) {
			return fmt.Errorf("tx wakeup: %w", err)
		}
	}
	if flags&fastpath.WakeupRx != 0 {
		if _, _, err := unix.Recvfrom(p.fd, nil, unix.MSG_DONTWAIT); !isBackpressure(err) {
			return fmt.Errorf("rx wakeup: %w", err)
		}
	}
	return nil
}

// isBackpressure reports whether err is nil or a non-fatal kick result.
func isBackpressure(err error) bool {
	return err == nil ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EBUSY) ||
		errors.Is(err, unix.ENOBUFS)
}

// Close releases the socket, the rings and UMEM.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.fd != 0 {
		if err := unix.Close(p.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		p.fd = 0
	}
	for _, r := range p.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, fmt.Errorf("unmapping ring: %w", err))
		}
	}
	p.regions = nil
	p.fill, p.comp, p.rx = nil, nil, nil
	if p.umem != nil {
		if err := unix.Munmap(p.umem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping UMEM: %w", err))
		}
		p.umem = nil
	}
	p.free = nil
	return errors.Join(errs...)
}
