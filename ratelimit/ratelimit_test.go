package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabled(t *testing.T) {
	l := New(0)
	require.Nil(t, l)
	assert.NoError(t, l.Wait(context.Background(), 1_000_000))
	assert.Zero(t, l.Sent())
}

func TestCheckEvery(t *testing.T) {
	assert.Equal(t, uint64(32), New(100).checkEvery)
	assert.Equal(t, uint64(500), New(50_000).checkEvery)
	assert.Equal(t, uint64(1024), New(10_000_000).checkEvery)
}

func TestWaitPaces(t *testing.T) {
	l := New(1000) // 1ms per packet, clock checked every 32 packets
	start := time.Now()
	for range 100 {
		require.NoError(t, l.Wait(context.Background(), 1))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, uint64(100), l.Sent())
}

func TestWaitBehindSchedule(t *testing.T) {
	l := New(1000)
	l.now = func() time.Time { return l.start.Add(time.Hour) }
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 64))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitCanceled(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := l.Wait(ctx, 32)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
