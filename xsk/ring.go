//go:build linux

package xsk

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var ErrRegionIsEmpty = errors.New("ring region is empty")

// Kernel ABI, see linux/if_xdp.h.

type sockaddrXDP struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

type ringOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

type mmapOffsets struct {
	Rx ringOffset
	Tx ringOffset
	Fr ringOffset
	Cr ringOffset
}

type umemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

type desc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

// ring is a single-producer single-consumer ring shared with the kernel.
// Cached cursors keep atomic traffic on the shared indices low.
// Entries are UMEM addresses for the fill and completion rings and
// descriptors for the RX ring.
type ring[T any] struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	entries    []T
}

func newRing[T any](region []byte, off ringOffset, size uint32) (*ring[T], error) {
	if len(region) == 0 {
		return nil, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])
	r := &ring[T]{
		mask:    size - 1,
		size:    size,
		prod:    (*uint32)(unsafe.Add(base, off.Producer)),
		cons:    (*uint32)(unsafe.Add(base, off.Consumer)),
		entries: unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	return r, nil
}

// consumable returns how many entries, at most max, can be consumed.
func (r *ring[T]) consumable(max uint32) uint32 {
	avail := r.cachedProd - r.cachedCons
	if avail == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		avail = r.cachedProd - r.cachedCons
	}
	return min(avail, max)
}

func (r *ring[T]) peek(i uint32) T { return r.entries[(r.cachedCons+i)&r.mask] }

// release hands n consumed entries back to the producer.
func (r *ring[T]) release(n uint32) {
	if n == 0 {
		return
	}
	r.cachedCons += n
	atomic.StoreUint32(r.cons, r.cachedCons)
}

// producible returns how many entries, at most max, can be produced.
func (r *ring[T]) producible(max uint32) uint32 {
	free := r.cachedCons + r.size - r.cachedProd
	if free < max {
		r.cachedCons = atomic.LoadUint32(r.cons)
		free = r.cachedCons + r.size - r.cachedProd
	}
	return min(free, max)
}

func (r *ring[T]) set(i uint32, v T) { r.entries[(r.cachedProd+i)&r.mask] = v }

// submit publishes n produced entries to the consumer.
func (r *ring[T]) submit(n uint32) {
	if n == 0 {
		return
	}
	r.cachedProd += n
	atomic.StoreUint32(r.prod, r.cachedProd)
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen)
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func bind(fd int, sa *sockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if e != 0 {
		return e
	}
	return nil
}

func setRingSize(fd, opt int, size uint32) error {
	return setsockopt(fd, unix.SOL_XDP, opt, unsafe.Pointer(&size), unsafe.Sizeof(size))
}

// mapRing maps the ring at pgoff holding size entries of T.
func mapRing[T any](fd int, off ringOffset, size uint32, pgoff int64) ([]byte, error) {
	var zero T
	length := int(off.Desc) + int(size)*int(unsafe.Sizeof(zero))
	return unix.Mmap(fd, pgoff, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}
