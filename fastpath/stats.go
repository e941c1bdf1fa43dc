package fastpath

import "sync/atomic"

// Counter identifies one per-queue verdict counter.
type Counter int

const (
	CounterPass Counter = iota
	CounterTx
	CounterRedirect
	CounterDrop
	CounterAborted
	CounterInvalid

	NumCounters = int(CounterInvalid) + 1
)

func (c Counter) String() string {
	switch c {
	case CounterPass:
		return "xdp_pass"
	case CounterTx:
		return "xdp_tx"
	case CounterRedirect:
		return "xdp_redirect"
	case CounterDrop:
		return "xdp_drop"
	case CounterAborted:
		return "xdp_aborted"
	case CounterInvalid:
		return "xdp_invalid"
	}
	return ""
}

// Counters returns all counters in display order.
func Counters() []Counter {
	return []Counter{
		CounterPass, CounterTx, CounterRedirect,
		CounterDrop, CounterAborted, CounterInvalid,
	}
}

// Stats holds the verdict counters of one receive queue.
// Only the queue's poller writes; readers may load concurrently.
type Stats struct {
	c [NumCounters]atomic.Uint64
}

func (s *Stats) inc(c Counter) { s.c[c].Add(1) }

// Load returns the current value of c.
func (s *Stats) Load(c Counter) uint64 { return s.c[c].Load() }

// Snapshot returns all counter values.
func (s *Stats) Snapshot() CounterValues {
	var v CounterValues
	for i := range s.c {
		v[i] = s.c[i].Load()
	}
	return v
}

// CounterValues is a point-in-time copy of Stats indexed by Counter.
type CounterValues [NumCounters]uint64

// Total returns the number of dispatched packets.
func (v CounterValues) Total() uint64 {
	var t uint64
	for _, n := range v {
		t += n
	}
	return t
}

// Drops returns the number of genuine XDP_DROP verdicts.
func (v CounterValues) Drops() uint64 { return v[CounterDrop] }

// Add returns v + o.
func (v CounterValues) Add(o CounterValues) CounterValues {
	for i := range v {
		v[i] += o[i]
	}
	return v
}

// Sub returns v - o.
func (v CounterValues) Sub(o CounterValues) CounterValues {
	for i := range v {
		v[i] -= o[i]
	}
	return v
}
