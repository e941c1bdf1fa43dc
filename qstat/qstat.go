// Package qstat takes snapshots of per-queue fast-path counters and
// prints the difference between two of them.
package qstat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

// QueueStats are the counters of one receive queue and its fast-path
// transmit queue.
type QueueStats struct {
	Counters fastpath.CounterValues
	Tx       fastpath.TxStats
	// TxDepth is the number of frames waiting for completion.
	// It is a gauge and is not subtracted by Since.
	TxDepth  int
	ZeroCopy bool
}

// DeviceStats are the counters of one device.
type DeviceStats struct {
	MTU      uint32
	MaxMTU   uint32
	FastPath bool
	Queues   []QueueStats
}

// Total sums the verdict counters of all queues.
func (s DeviceStats) Total() fastpath.CounterValues {
	var v fastpath.CounterValues
	for _, q := range s.Queues {
		v = v.Add(q.Counters)
	}
	return v
}

// TxTotal sums the transmit counters of all queues.
func (s DeviceStats) TxTotal() fastpath.TxStats {
	var t fastpath.TxStats
	for _, q := range s.Queues {
		t.Submitted += q.Tx.Submitted
		t.Rejected += q.Tx.Rejected
		t.Kicks += q.Tx.Kicks
	}
	return t
}

// Multi-device stats keyed by device name.
type Stats map[string]DeviceStats

// Snapshot reads the counters of all devices.
func Snapshot(devs ...*fastpath.Device) Stats {
	s := make(Stats, len(devs))
	for _, d := range devs {
		ds := DeviceStats{
			MTU:      d.MTU(),
			MaxMTU:   d.MaxMTU(),
			FastPath: d.HasProgram(),
		}
		for _, rq := range d.RxQueues() {
			qs := QueueStats{
				Counters: rq.Stats().Snapshot(),
				ZeroCopy: rq.HasZeroCopy(),
			}
			if txq := rq.TxQueue(); txq != nil {
				qs.Tx = txq.Stats()
				qs.TxDepth = txq.Len()
			}
			ds.Queues = append(ds.Queues, qs)
		}
		s[d.Name()] = ds
	}
	return s
}

// Since computes s(now) - old. TX counters restart from zero when the
// fast path is rebuilt, in which case the current values are kept.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for name, now := range s {
		prev := old[name]
		diff := now
		diff.Queues = make([]QueueStats, len(now.Queues))
		for i, q := range now.Queues {
			d := q
			if i < len(prev.Queues) {
				p := prev.Queues[i]
				d.Counters = q.Counters.Sub(p.Counters)
				if q.Tx.Submitted >= p.Tx.Submitted {
					d.Tx = fastpath.TxStats{
						Submitted: q.Tx.Submitted - p.Tx.Submitted,
						Rejected:  q.Tx.Rejected - p.Tx.Rejected,
						Kicks:     q.Tx.Kicks - p.Tx.Kicks,
					}
				}
			}
			diff.Queues[i] = d
		}
		out[name] = diff
	}
	return out
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		ds := s[name]
		if alias, ok := aliases[name]; ok {
			fmt.Fprintf(w, "%s (%s):", name, alias)
		} else {
			fmt.Fprintf(w, "%s :", name)
		}
		mode := "off"
		if ds.FastPath {
			mode = "on"
		}
		fmt.Fprintf(w, " fast-path %s, mtu %d/%d\n", mode, ds.MTU, ds.MaxMTU)

		total := ds.Total()
		for _, c := range fastpath.Counters() {
			if total[c] == 0 {
				continue
			}
			fmt.Fprintf(w, "  %-13s %s\n", c, humanize.Comma(int64(total[c])))
		}
		tx := ds.TxTotal()
		if _, err := fmt.Fprintf(w, "  %-13s %s submitted, %s rejected, %s kicks\n", "tx_queue",
			humanize.Comma(int64(tx.Submitted)),
			humanize.Comma(int64(tx.Rejected)),
			humanize.Comma(int64(tx.Kicks)),
		); err != nil {
			return err
		}
	}
	return nil
}
