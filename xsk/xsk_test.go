//go:build linux

package xsk

import (
	"os"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

func TestPoolConfigDefaults(t *testing.T) {
	c := PoolConfig{Interface: "lo"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, uint32(DefaultNumFrames), c.NumFrames)
	assert.Equal(t, uint32(DefaultFrameSize), c.FrameSize)
	assert.Equal(t, uint32(DefaultRingSize), c.RingSize)
}

func TestPoolConfigValidation(t *testing.T) {
	for _, tt := range []struct {
		name string
		conf PoolConfig
		err  error
	}{
		{"frame_too_small", PoolConfig{FrameSize: 1024}, ErrFrameSizeTooSmall},
		{"frame_not_pow2", PoolConfig{FrameSize: 3000}, ErrNotPowerOfTwo},
		{"ring_not_pow2", PoolConfig{RingSize: 1000}, ErrNotPowerOfTwo},
		{"too_few_frames", PoolConfig{NumFrames: 1024, RingSize: 1024}, ErrNumFramesTooSmall},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.conf.ValidateAndSetDefaults(), tt.err)
		})
	}
	c := PoolConfig{FrameSize: 2048, Headroom: 2048}
	assert.Error(t, c.ValidateAndSetDefaults())
}

func fakeRing[T any](t *testing.T, size uint32) (*ring[T], *uint32, *uint32) {
	t.Helper()
	var zero T
	region := make([]byte, 128+int(size)*int(unsafe.Sizeof(zero)))
	off := ringOffset{Producer: 0, Consumer: 64, Desc: 128}
	r, err := newRing[T](region, off, size)
	require.NoError(t, err)
	return r, (*uint32)(unsafe.Pointer(&region[0])), (*uint32)(unsafe.Pointer(&region[64]))
}

func TestRingProducer(t *testing.T) {
	r, prod, cons := fakeRing[uint64](t, 4)

	n := r.producible(10)
	require.Equal(t, uint32(4), n)
	for i := range n {
		r.set(i, uint64(i)*4096)
	}
	r.submit(n)
	assert.Equal(t, uint32(4), atomic.LoadUint32(prod))
	assert.Equal(t, uint32(0), r.producible(1), "ring full")

	atomic.StoreUint32(cons, 2) // kernel consumed two entries
	assert.Equal(t, uint32(2), r.producible(10))
	r.set(0, 1<<20)
	r.submit(1)
	assert.Equal(t, uint64(1<<20), r.entries[4&r.mask], "wraps around")
}

func TestRingConsumer(t *testing.T) {
	r, prod, cons := fakeRing[desc](t, 8)
	assert.Equal(t, uint32(0), r.consumable(8))

	for i := range uint32(3) {
		r.entries[i] = desc{Addr: uint64(i) * 4096, Len: 60 + i}
	}
	atomic.StoreUint32(prod, 3)

	n := r.consumable(2)
	require.Equal(t, uint32(2), n)
	assert.Equal(t, uint32(61), r.peek(1).Len)
	r.release(n)
	assert.Equal(t, uint32(2), atomic.LoadUint32(cons))

	assert.Equal(t, uint32(1), r.consumable(8))
	assert.Equal(t, uint64(2*4096), r.peek(0).Addr)
}

func TestRingEmptyRegion(t *testing.T) {
	_, err := newRing[uint64](nil, ringOffset{}, 4)
	assert.ErrorIs(t, err, ErrRegionIsEmpty)
}

func TestPoolOnLoopback(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root")
	}
	p, err := Open(PoolConfig{
		Interface: "lo",
		NumFrames: 64,
		RingSize:  32,
	})
	if err != nil {
		t.Skipf("AF_XDP unavailable: %v", err)
	}
	defer func() { require.NoError(t, p.Close()) }()

	assert.Equal(t, 64, p.Free())
	b, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, 63, p.Free())
	assert.Equal(t, xdpPacketHeadroom, b.Headroom)
	b.Release()
	assert.Equal(t, 64, p.Free())

	assert.Equal(t, uint32(32), p.FillKernel(64))
	assert.Equal(t, 32, p.Free())

	// Not registered in an XSKMap yet, only the syscalls are exercised.
	_ = p.Wakeup(fastpath.WakeupRx | fastpath.WakeupTx)
}
