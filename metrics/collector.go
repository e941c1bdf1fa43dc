// Package metrics exports fast-path counters to Prometheus.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/xdp-fastpath-go/fastpath"
	"github.com/romshark/xdp-fastpath-go/qstat"
)

// Collector implements prometheus.Collector, snapshotting device
// counters on each scrape.
type Collector struct {
	mu   sync.Mutex
	devs []*fastpath.Device

	verdictsTotal *prometheus.Desc
	txFramesTotal *prometheus.Desc
	txQueueDepth  *prometheus.Desc
	zeroCopy      *prometheus.Desc
	enabled       *prometheus.Desc
	eligible      *prometheus.Desc
	mtu           *prometheus.Desc
	maxMTU        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(devs ...*fastpath.Device) *Collector {
	return &Collector{
		devs: devs,

		verdictsTotal: prometheus.NewDesc(
			"xdp_fastpath_verdicts_total",
			"Program verdicts per receive queue.",
			[]string{"device", "queue", "verdict"}, nil,
		),
		txFramesTotal: prometheus.NewDesc(
			"xdp_fastpath_tx_frames_total",
			"Frames offered to fast-path transmit queues.",
			[]string{"device", "queue", "result"}, nil,
		),
		txQueueDepth: prometheus.NewDesc(
			"xdp_fastpath_tx_queue_depth",
			"Frames waiting for transmit completion.",
			[]string{"device", "queue"}, nil,
		),
		zeroCopy: prometheus.NewDesc(
			"xdp_fastpath_zero_copy",
			"Whether the receive queue is backed by a zero-copy pool.",
			[]string{"device", "queue"}, nil,
		),
		enabled: prometheus.NewDesc(
			"xdp_fastpath_enabled",
			"Whether a program is attached to the device.",
			[]string{"device"}, nil,
		),
		eligible: prometheus.NewDesc(
			"xdp_fastpath_eligible",
			"Whether the device configuration allows the fast path.",
			[]string{"device", "reason"}, nil,
		),
		mtu: prometheus.NewDesc(
			"xdp_fastpath_mtu_bytes",
			"Current device MTU.",
			[]string{"device"}, nil,
		),
		maxMTU: prometheus.NewDesc(
			"xdp_fastpath_max_mtu_bytes",
			"Largest MTU the fast path supports with the device frame limits.",
			[]string{"device"}, nil,
		),
	}
}

// Add starts exporting dev.
func (c *Collector) Add(dev *fastpath.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devs = append(c.devs, dev)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.verdictsTotal
	ch <- c.txFramesTotal
	ch <- c.txQueueDepth
	ch <- c.zeroCopy
	ch <- c.enabled
	ch <- c.eligible
	ch <- c.mtu
	ch <- c.maxMTU
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	devs := append([]*fastpath.Device(nil), c.devs...)
	c.mu.Unlock()

	stats := qstat.Snapshot(devs...)
	for _, d := range devs {
		name := d.Name()
		ds := stats[name]

		ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue,
			boolValue(ds.FastPath), name)
		e := d.Eligibility()
		ch <- prometheus.MustNewConstMetric(c.eligible, prometheus.GaugeValue,
			boolValue(e == fastpath.Allowed), name, e.String())
		ch <- prometheus.MustNewConstMetric(c.mtu, prometheus.GaugeValue,
			float64(ds.MTU), name)
		ch <- prometheus.MustNewConstMetric(c.maxMTU, prometheus.GaugeValue,
			float64(ds.MaxMTU), name)

		for i, q := range ds.Queues {
			queue := strconv.Itoa(i)
			c.collectQueue(ch, name, queue, q)
		}
	}
}

func (c *Collector) collectQueue(ch chan<- prometheus.Metric, dev, queue string, q qstat.QueueStats) {
	for _, ctr := range fastpath.Counters() {
		ch <- prometheus.MustNewConstMetric(c.verdictsTotal, prometheus.CounterValue,
			float64(q.Counters[ctr]), dev, queue, ctr.String())
	}
	ch <- prometheus.MustNewConstMetric(c.txFramesTotal, prometheus.CounterValue,
		float64(q.Tx.Submitted), dev, queue, "submitted")
	ch <- prometheus.MustNewConstMetric(c.txFramesTotal, prometheus.CounterValue,
		float64(q.Tx.Rejected), dev, queue, "rejected")
	ch <- prometheus.MustNewConstMetric(c.txQueueDepth, prometheus.GaugeValue,
		float64(q.TxDepth), dev, queue)
	ch <- prometheus.MustNewConstMetric(c.zeroCopy, prometheus.GaugeValue,
		boolValue(q.ZeroCopy), dev, queue)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
