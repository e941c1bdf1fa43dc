package qstat_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xdp-fastpath-go/fastpath"
	"github.com/romshark/xdp-fastpath-go/qstat"
)

var pkt = make([]byte, 64)

func newDevice(t *testing.T, v fastpath.Verdict) *fastpath.Device {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	d, err := fastpath.New(fastpath.Config{
		Name:       "test0",
		MaxQueues:  4,
		IOQueues:   2,
		RxRingSize: 8,
		TxRingSize: 4,
		Logger:     log,
	})
	require.NoError(t, err)
	prog := fastpath.NewProgram("const", func(*fastpath.Buff) fastpath.Verdict { return v })
	require.NoError(t, d.SetProgram(context.Background(), prog))
	t.Cleanup(func() { _ = d.SetProgram(context.Background(), nil) })
	return d
}

func receive(t *testing.T, d *fastpath.Device, queue uint32, n int) {
	t.Helper()
	rq, err := d.RxQueue(queue)
	require.NoError(t, err)
	for range n {
		require.True(t, rq.Receive(pkt))
	}
	require.Equal(t, n, rq.Poll(64, nil))
}

func TestSnapshot(t *testing.T) {
	d := newDevice(t, fastpath.VerdictTx)
	receive(t, d, 0, 3)

	s := qstat.Snapshot(d)
	require.Contains(t, s, "test0")
	ds := s["test0"]
	assert.True(t, ds.FastPath)
	assert.Equal(t, uint32(fastpath.DefaultMTU), ds.MTU)
	assert.Equal(t, d.MaxMTU(), ds.MaxMTU)
	require.Len(t, ds.Queues, 2)

	q0 := ds.Queues[0]
	assert.Equal(t, uint64(3), q0.Counters[fastpath.CounterTx])
	assert.Equal(t, uint64(3), q0.Tx.Submitted)
	assert.Equal(t, 3, q0.TxDepth)
	assert.Equal(t, uint64(3), ds.Total().Total())
	assert.Equal(t, uint64(3), ds.TxTotal().Kicks)
}

func TestSince(t *testing.T) {
	d := newDevice(t, fastpath.VerdictTx)
	receive(t, d, 1, 2)
	before := qstat.Snapshot(d)

	txq := d.RxQueues()[1].TxQueue()
	require.Equal(t, 2, txq.Complete(8, nil))
	receive(t, d, 1, 6)

	diff := qstat.Snapshot(d).Since(before)["test0"]
	q1 := diff.Queues[1]
	assert.Equal(t, uint64(6), q1.Counters[fastpath.CounterTx])
	assert.Equal(t, uint64(4), q1.Tx.Submitted)
	assert.Equal(t, uint64(2), q1.Tx.Rejected, "ring holds four frames")
	assert.Equal(t, 4, q1.TxDepth)
	assert.Zero(t, diff.Queues[0].Counters.Total())
}

func TestSinceAfterRebuild(t *testing.T) {
	d := newDevice(t, fastpath.VerdictTx)
	receive(t, d, 0, 3)
	before := qstat.Snapshot(d)

	require.NoError(t, d.SetIOQueues(context.Background(), 2))
	receive(t, d, 0, 1)

	q0 := qstat.Snapshot(d).Since(before)["test0"].Queues[0]
	assert.Equal(t, uint64(1), q0.Counters[fastpath.CounterTx])
	assert.Equal(t, uint64(1), q0.Tx.Submitted)
}

func TestPrint(t *testing.T) {
	d := newDevice(t, fastpath.VerdictDrop)
	receive(t, d, 0, 5)

	var buf bytes.Buffer
	require.NoError(t, qstat.Print(&buf, qstat.Snapshot(d), map[string]string{"test0": "wan"}))
	out := buf.String()
	assert.Contains(t, out, "test0 (wan): fast-path on")
	assert.Contains(t, out, "xdp_drop")
	assert.NotContains(t, out, "xdp_pass")
	assert.Contains(t, out, "tx_queue")
}
