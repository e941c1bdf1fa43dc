package fastpath

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupQueueCount(t *testing.T) {
	newDev := func() *Device {
		return newTestDevice(t, func(c *Config) { c.MaxQueues, c.IOQueues = 8, 8 })
	}

	d := newDev()
	require.NoError(t, d.Setup(3))
	first, count := d.FastPathRange()
	assert.Equal(t, uint32(3), first)
	assert.Equal(t, uint32(3), count)
	assert.Equal(t, uint32(3), d.IOQueues())
	for i, rq := range d.RxQueues() {
		if i < 3 {
			require.NotNil(t, rq.TxQueue())
			assert.Equal(t, uint32(3+i), rq.TxQueue().Index())
		} else {
			assert.Nil(t, rq.TxQueue())
		}
	}
	assert.ErrorIs(t, d.Setup(3), ErrAlreadySetUp)

	d = newDev()
	err := d.Setup(5)
	assert.ErrorIs(t, err, ErrInsufficientQueues)
	_, count = d.FastPathRange()
	assert.Zero(t, count)
	for _, rq := range d.RxQueues() {
		assert.Nil(t, rq.TxQueue(), "no allocation on failure")
	}

	assert.ErrorIs(t, newDev().Setup(0), ErrInvalidQueueCount)
	assert.ErrorIs(t, newDev().Setup(9), ErrInvalidQueueCount)
}

func TestSetupMTUTooLarge(t *testing.T) {
	d := newTestDevice(t, func(c *Config) { c.MTU = 9000 })
	assert.ErrorIs(t, d.Setup(2), ErrMTUTooLarge)
	assert.ErrorIs(t, d.SetProgram(t.Context(), constProgram(VerdictPass)), ErrMTUTooLarge)
	assert.False(t, d.HasProgram())
}

func TestSetupMTUCheckedBeforeQueues(t *testing.T) {
	d := newTestDevice(t, func(c *Config) { c.MTU, c.IOQueues = 9000, 8 })
	assert.ErrorIs(t, d.Setup(8), ErrMTUTooLarge)
}

func TestIsFastPathIndex(t *testing.T) {
	d := newTestDevice(t, nil)
	for i := range uint32(8) {
		assert.False(t, d.IsFastPathIndex(i), "disabled")
	}

	require.NoError(t, d.Setup(2))
	for i, want := range []bool{false, false, true, true, false, false, false, false} {
		assert.Equal(t, want, d.IsFastPathIndex(uint32(i)), "index %d", i)
	}
	q, ok := d.TxQueue(3)
	require.True(t, ok)
	assert.Same(t, d.RxQueues()[1].TxQueue(), q)
	_, ok = d.TxQueue(4)
	assert.False(t, ok)

	require.NoError(t, d.Teardown(t.Context()))
	assert.False(t, d.IsFastPathIndex(2))
}

func TestExchangeProgramInRange(t *testing.T) {
	d := newTestDevice(t, nil)
	prog := constProgram(VerdictDrop)

	require.NoError(t, d.ExchangeProgramInRange(prog, 1, 2))
	got := []bool{}
	for _, rq := range d.RxQueues() {
		got = append(got, rq.HasProgram())
	}
	assert.Equal(t, []bool{false, true, true, false}, got)

	assert.ErrorIs(t, d.ExchangeProgramInRange(prog, 3, 2), ErrQueueOutOfRange)
	assert.False(t, d.RxQueues()[3].HasProgram(), "no partial update")

	require.NoError(t, d.ExchangeProgramInRange(nil, 0, 4))
	for _, rq := range d.RxQueues() {
		assert.Nil(t, rq.Program())
	}
}

func TestAttachThenDetach(t *testing.T) {
	d := newTestDevice(t, nil)
	var closed atomic.Int32
	prog := NewClosableProgram("drop", func(*Buff) Verdict { return VerdictDrop },
		func() error { closed.Add(1); return nil })

	require.NoError(t, d.SetProgram(t.Context(), prog))
	assert.True(t, d.HasProgram())
	for _, rq := range d.RxQueues() {
		assert.Same(t, prog, rq.Program())
		assert.NotNil(t, rq.TxQueue())
	}

	require.NoError(t, d.SetProgram(t.Context(), nil))
	assert.False(t, d.HasProgram())
	assert.Equal(t, int32(1), closed.Load())
	for _, rq := range d.RxQueues() {
		assert.Nil(t, rq.Program())
		assert.Nil(t, rq.TxQueue())
	}

	rq := d.RxQueues()[0]
	require.True(t, rq.Receive(testPacket))
	passed := 0
	rq.Poll(DefaultBudget, func(b *Buff) { passed++; b.Release() })
	assert.Equal(t, 1, passed, "dispatch after detach never sees the program")
	assert.Equal(t, uint64(0), rq.Stats().Load(CounterDrop))
}

func TestSetProgramSwapRetiresOld(t *testing.T) {
	d := newTestDevice(t, nil)
	var oldClosed atomic.Bool
	old := NewClosableProgram("old", func(*Buff) Verdict { return VerdictPass },
		func() error { oldClosed.Store(true); return nil })
	next := constProgram(VerdictDrop)

	require.NoError(t, d.SetProgram(t.Context(), old))
	txq := d.RxQueues()[0].TxQueue()
	require.NoError(t, d.SetProgram(t.Context(), next))

	assert.True(t, oldClosed.Load())
	assert.Same(t, next, d.Program())
	assert.Same(t, txq, d.RxQueues()[0].TxQueue(), "queues kept across swap")

	// Same program again is a no-op.
	require.NoError(t, d.SetProgram(t.Context(), next))
}

func TestQuiesceWaitsForPoller(t *testing.T) {
	d := newTestDevice(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var closed atomic.Bool
	var inProgAfterClose atomic.Bool

	slow := NewClosableProgram("slow", func(*Buff) Verdict {
		close(entered)
		<-release
		if closed.Load() {
			inProgAfterClose.Store(true)
		}
		return VerdictDrop
	}, func() error { closed.Store(true); return nil })

	require.NoError(t, d.SetProgram(t.Context(), slow))
	rq := d.RxQueues()[0]
	require.True(t, rq.Receive(testPacket))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rq.Poll(1, nil)
	}()
	<-entered

	detached := make(chan error, 1)
	go func() { detached <- d.SetProgram(context.Background(), nil) }()

	select {
	case <-detached:
		t.Fatal("detach returned while a poller was still running the program")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-detached)
	wg.Wait()

	assert.True(t, closed.Load())
	assert.False(t, inProgAfterClose.Load())
	assert.Equal(t, uint64(1), rq.Stats().Load(CounterDrop))
}

func TestQuiesceContextCanceled(t *testing.T) {
	d := newTestDevice(t, nil)
	d.RxQueues()[0].gen.Add(1) // pretend a poller is inside Poll
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Quiesce(ctx), context.DeadlineExceeded)
}

func TestTeardownDrainsFrames(t *testing.T) {
	d := newTestDevice(t, nil)
	require.NoError(t, d.SetProgram(t.Context(), constProgram(VerdictTx)))
	rq := d.RxQueues()[0]

	var owner countingOwner
	for range 3 {
		rq.Execute(ownedBuff(&owner, testPacket))
	}
	require.Equal(t, 3, rq.TxQueue().Len())

	require.NoError(t, d.Teardown(t.Context()))
	assert.Equal(t, int64(3), owner.returned.Load())
	assert.Nil(t, rq.TxQueue())
	assert.Nil(t, rq.Program())
	require.NoError(t, d.Teardown(t.Context()), "idempotent")
}

func TestTeardownReturnsPoolBuffers(t *testing.T) {
	d := newTestDevice(t, nil)
	pool := newFakePool(16)
	require.NoError(t, d.AttachPool(0, pool))
	assert.True(t, d.ZeroCopyEnabled())

	rq := d.RxQueues()[0]
	require.Equal(t, 8, rq.Posted())
	require.Equal(t, 8, pool.available())

	require.NoError(t, d.SetProgram(t.Context(), constProgram(VerdictTx)))
	require.True(t, rq.Receive(testPacket))
	require.True(t, rq.Receive(testPacket))
	rq.Poll(1, nil) // one frame queued for tx, one still pending
	require.Equal(t, 1, rq.TxQueue().Len())

	require.NoError(t, d.SetProgram(t.Context(), nil))
	assert.Nil(t, rq.TxQueue())
	// Everything went back to the pool; the ring is then refilled from it.
	assert.Equal(t, 16, pool.available()+rq.Posted())
	assert.Equal(t, 8, rq.Posted())
}

func TestSetMTU(t *testing.T) {
	d := newTestDevice(t, nil)
	require.NoError(t, d.SetMTU(9000), "no program attached")
	assert.Equal(t, uint32(9000), d.MTU())
	assert.Equal(t, MTUTooLarge, d.Eligibility())

	require.NoError(t, d.SetMTU(1500))
	require.NoError(t, d.SetProgram(t.Context(), constProgram(VerdictPass)))
	assert.ErrorIs(t, d.SetMTU(d.MaxMTU()+1), ErrMTUTooLarge)
	require.NoError(t, d.SetMTU(d.MaxMTU()))
}

func TestSetIOQueues(t *testing.T) {
	d := newTestDevice(t, func(c *Config) { c.MaxQueues, c.IOQueues = 8, 6 })
	assert.Equal(t, InsufficientQueues, d.Eligibility())
	require.NoError(t, d.SetIOQueues(t.Context(), 2))
	require.NoError(t, d.SetProgram(t.Context(), constProgram(VerdictPass)))
	_, count := d.FastPathRange()
	assert.Equal(t, uint32(2), count)

	assert.ErrorIs(t, d.SetIOQueues(t.Context(), 5), ErrInsufficientQueues)

	require.NoError(t, d.SetIOQueues(t.Context(), 4))
	first, count := d.FastPathRange()
	assert.Equal(t, uint32(4), first)
	assert.Equal(t, uint32(4), count)
	for i, rq := range d.RxQueues() {
		assert.Equal(t, i < 4, rq.HasProgram(), "queue %d", i)
	}
}

func TestTeardownRetiresProgram(t *testing.T) {
	d := newTestDevice(t, nil)
	var closed atomic.Int32
	prog := NewClosableProgram("pass", func(*Buff) Verdict { return VerdictPass },
		func() error { closed.Add(1); return nil })
	require.NoError(t, d.SetProgram(t.Context(), prog))

	require.NoError(t, d.Teardown(t.Context()))
	assert.False(t, d.HasProgram())
	assert.Nil(t, d.Program())
	assert.Equal(t, int32(1), closed.Load())
	_, count := d.FastPathRange()
	assert.Zero(t, count)
	assert.ErrorIs(t, d.Wakeup(0, WakeupRx), ErrNotRunning)
	require.NoError(t, d.SetMTU(9000), "no cap once the fast path is off")

	require.NoError(t, d.Teardown(t.Context()))
	assert.Equal(t, int32(1), closed.Load(), "closed once")
}

func TestSetIOQueuesRebuildsSetUpQueues(t *testing.T) {
	d := newTestDevice(t, nil)
	require.NoError(t, d.Setup(2))
	require.NoError(t, d.SetIOQueues(t.Context(), 4))

	first, count := d.FastPathRange()
	assert.Equal(t, uint32(4), first)
	assert.Equal(t, uint32(4), count)

	require.NoError(t, d.SetProgram(t.Context(), constProgram(VerdictPass)))
	for i, rq := range d.RxQueues() {
		assert.True(t, rq.HasProgram(), "queue %d", i)
		require.NotNil(t, rq.TxQueue(), "queue %d", i)
		assert.Equal(t, uint32(4+i), rq.TxQueue().Index())
	}

	assert.ErrorIs(t, d.SetIOQueues(t.Context(), 5), ErrInsufficientQueues)
	assert.Equal(t, uint32(4), d.IOQueues())
}

func TestQuiesceWaitsForExecute(t *testing.T) {
	d := newTestDevice(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var closed atomic.Bool
	var inProgAfterClose atomic.Bool

	slow := NewClosableProgram("slow", func(*Buff) Verdict {
		close(entered)
		<-release
		if closed.Load() {
			inProgAfterClose.Store(true)
		}
		return VerdictDrop
	}, func() error { closed.Store(true); return nil })
	require.NoError(t, d.SetProgram(t.Context(), slow))
	rq := d.RxQueues()[0]

	done := make(chan Action, 1)
	go func() { done <- rq.Execute(ownedBuff(nil, testPacket)) }()
	<-entered

	swapped := make(chan error, 1)
	go func() { swapped <- d.SetProgram(context.Background(), constProgram(VerdictPass)) }()

	select {
	case <-swapped:
		t.Fatal("swap returned while Execute was still running the old program")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-swapped)
	assert.Equal(t, ActionDrop, <-done)

	assert.True(t, closed.Load())
	assert.False(t, inProgAfterClose.Load())
	assert.Equal(t, uint64(1), rq.Stats().Load(CounterDrop))
}
