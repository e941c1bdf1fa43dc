// Package ratelimit paces packet generation to a packets-per-second rate.
package ratelimit

import (
	"context"
	"time"
)

// Limiter paces to pps packets per second on average.
// A nil Limiter never waits. Not safe for concurrent use.
type Limiter struct {
	interval   time.Duration
	sent       uint64
	start      time.Time
	checkEvery uint64
	timer      *time.Timer
	now        func() time.Time
}

// New creates a limiter for pps packets per second.
// If pps == 0, pacing is disabled and New returns nil.
func New(pps uint64) *Limiter {
	if pps == 0 {
		return nil
	}
	return &Limiter{
		interval: time.Second / time.Duration(pps),
		start:    time.Now(),
		// Look at the clock about every 10ms worth of packets,
		// between every 32 and every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
		now:        time.Now,
	}
}

// Sent returns the number of packets accounted so far.
func (l *Limiter) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}

// Wait accounts n packets and blocks until they are due or ctx is done.
// A sender that fell behind is not allowed a burst beyond the schedule.
func (l *Limiter) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}
	before := l.sent / l.checkEvery
	l.sent += n
	if l.sent/l.checkEvery == before {
		return nil
	}

	due := l.start.Add(time.Duration(l.sent) * l.interval)
	d := due.Sub(l.now())
	if d <= 0 {
		return ctx.Err()
	}
	if l.timer == nil {
		l.timer = time.NewTimer(d)
	} else {
		l.timer.Reset(d)
	}
	select {
	case <-ctx.Done():
		l.timer.Stop()
		return ctx.Err()
	case <-l.timer.C:
		return nil
	}
}
