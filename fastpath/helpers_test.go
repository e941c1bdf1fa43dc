package fastpath

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDevice(t *testing.T, mutate func(c *Config)) *Device {
	t.Helper()
	conf := Config{
		Name:       "test0",
		MaxQueues:  8,
		IOQueues:   4,
		RxRingSize: 8,
		TxRingSize: 4,
		Logger:     quietLogger(),
	}
	if mutate != nil {
		mutate(&conf)
	}
	d, err := New(conf)
	require.NoError(t, err)
	return d
}

func constProgram(v Verdict) *Program {
	return NewProgram(v.String(), func(*Buff) Verdict { return v })
}

// countingOwner counts returned buffers.
type countingOwner struct{ returned atomic.Int64 }

func (o *countingOwner) Return(*Buff) { o.returned.Add(1) }

func ownedBuff(o BufferOwner, pkt []byte) *Buff {
	b := NewBuff(make([]byte, 2048), 256, 0, o)
	b.Fill(pkt)
	return b
}

var testPacket = []byte{
	0x02, 0, 0, 0, 0, 1, 0x02, 0, 0, 0, 0, 2, 0x08, 0x00,
	0x45, 0, 0, 20, 0, 0, 0, 0, 64, 17, 0, 0, 10, 0, 1, 1, 10, 0, 2, 1,
}

// fakePool is an in-memory ZeroCopyPool.
type fakePool struct {
	mu       sync.Mutex
	free     []*Buff
	returned int
	wakeups  []WakeupFlags
	wakeErr  error
	closed   bool
}

func newFakePool(n int) *fakePool {
	p := &fakePool{}
	for i := range n {
		p.free = append(p.free, NewBuff(make([]byte, 2048), 256, uint64(i)*2048, p))
	}
	return p
}

func (p *fakePool) Alloc() (*Buff, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return b, true
}

func (p *fakePool) Return(b *Buff) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b.reset()
	p.free = append(p.free, b)
	p.returned++
}

func (p *fakePool) Wakeup(flags WakeupFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeups = append(p.wakeups, flags)
	return p.wakeErr
}

func (p *fakePool) Close() error {
	p.closed = true
	return nil
}

func (p *fakePool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *fakePool) returnedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.returned
}
