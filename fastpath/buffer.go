package fastpath

import (
	"fmt"
	"sync"
)

// BufferOwner takes back buffers once the fast path is done with them.
// Driver-owned memory goes back to the PageAllocator,
// pool-backed memory goes back to its ZeroCopyPool.
type BufferOwner interface {
	Return(b *Buff)
}

// Buff is a received packet buffer.
type Buff struct {
	// Data is the packet. It is a window into the underlying chunk
	// starting Headroom bytes after the chunk start.
	Data []byte
	// Headroom is the number of free bytes in front of Data.
	Headroom int
	// Addr is the chunk address inside its pool, 0 for driver memory.
	Addr uint64
	// Queue is the receive queue the packet arrived on.
	Queue uint32

	chunk       []byte
	owner       BufferOwner
	redirectKey uint32
	redirectSet bool
}

// NewBuff returns an empty buffer backed by chunk.
// owner may be nil for memory left to the garbage collector.
func NewBuff(chunk []byte, headroom int, addr uint64, owner BufferOwner) *Buff {
	headroom = min(max(headroom, 0), len(chunk))
	return &Buff{
		Data:     chunk[headroom:headroom],
		Headroom: headroom,
		Addr:     addr,
		chunk:    chunk,
		owner:    owner,
	}
}

// Fill copies pkt behind the headroom and returns the number of bytes
// copied, which is less than len(pkt) if the chunk is too small.
func (b *Buff) Fill(pkt []byte) int {
	n := copy(b.chunk[b.Headroom:], pkt)
	b.Data = b.chunk[b.Headroom : b.Headroom+n]
	b.redirectSet = false
	return n
}

// Redirect records the redirect map key and returns VerdictRedirect.
// Programs call it the way eBPF programs call bpf_redirect_map.
func (b *Buff) Redirect(key uint32) Verdict {
	b.redirectKey, b.redirectSet = key, true
	return VerdictRedirect
}

// RedirectTarget returns the key recorded by Redirect.
func (b *Buff) RedirectTarget() (key uint32, ok bool) {
	return b.redirectKey, b.redirectSet
}

// Owner returns the buffer's owner, nil for unowned memory.
func (b *Buff) Owner() BufferOwner { return b.owner }

// Release hands the buffer back to its owner.
func (b *Buff) Release() {
	if b.owner != nil {
		b.owner.Return(b)
	}
}

func (b *Buff) reset() {
	b.Data = b.chunk[b.Headroom:b.Headroom]
	b.Queue = 0
	b.redirectKey, b.redirectSet = 0, false
}

// Frame is a buffer converted for direct submission to a transmit queue.
type Frame struct {
	Data []byte
	Addr uint64

	buf *Buff
}

// NewFrame returns a frame transmitting b.Data.
// Returning the frame releases b.
func NewFrame(b *Buff) *Frame {
	return &Frame{Data: b.Data, Addr: b.Addr, buf: b}
}

// Return releases the frame's memory to its source.
func (f *Frame) Return() {
	if f.buf != nil {
		f.buf.Release()
		f.buf = nil
	}
}

// FrameConverter turns a received buffer into a transmittable frame.
type FrameConverter interface {
	ConvertToFrame(b *Buff) (*Frame, error)
}

// ConverterFunc adapts a function to FrameConverter.
type ConverterFunc func(b *Buff) (*Frame, error)

func (f ConverterFunc) ConvertToFrame(b *Buff) (*Frame, error) { return f(b) }

// FrameMetaSize is the headroom a frame needs for its metadata
// (sizeof(struct xdp_frame)).
const FrameMetaSize = 40

// DefaultConverter converts in place. It fails for empty buffers and for
// buffers whose headroom cannot hold the frame metadata.
type DefaultConverter struct{}

func (DefaultConverter) ConvertToFrame(b *Buff) (*Frame, error) {
	if len(b.Data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrConvertFrame)
	}
	if b.Headroom < FrameMetaSize {
		return nil, fmt.Errorf("%w: headroom %d < %d", ErrConvertFrame, b.Headroom, FrameMetaSize)
	}
	return NewFrame(b), nil
}

// PageAllocator hands out driver-owned receive buffers.
// It is safe for concurrent use.
type PageAllocator struct {
	frameSize int
	headroom  int
	bufs      sync.Pool
}

// NewPageAllocator returns an allocator of l.FrameSize chunks with
// l.Headroom bytes reserved in front of the packet.
func NewPageAllocator(l FrameLimits) *PageAllocator {
	a := &PageAllocator{
		frameSize: int(l.FrameSize),
		headroom:  int(l.Headroom),
	}
	a.bufs.New = func() any {
		return NewBuff(make([]byte, a.frameSize), a.headroom, 0, a)
	}
	return a
}

// Alloc returns an empty buffer.
func (a *PageAllocator) Alloc() *Buff { return a.bufs.Get().(*Buff) }

// Return implements BufferOwner.
func (a *PageAllocator) Return(b *Buff) {
	b.reset()
	a.bufs.Put(b)
}
