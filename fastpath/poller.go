package fastpath

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// DefaultBudget is the number of packets a poller processes per Poll.
const DefaultBudget = 64

// PollerConfig controls Run.
type PollerConfig struct {
	// Budget is the per-Poll work budget.
	Budget int
	// Idle bounds how long a poller sleeps when its queue is empty.
	// It is cut short by RxQueue.Kick.
	Idle time.Duration
	// Deliver receives passed packets. It is called concurrently from
	// all pollers. A nil Deliver releases them.
	Deliver func(b *Buff)
	// OnPoll is called after every Poll with the work done (may be nil).
	OnPoll func(rq *RxQueue, work int)
}

// Run polls every active receive queue in its own goroutine, each locked
// to an OS thread, until ctx is canceled. It returns ctx.Err().
func (d *Device) Run(ctx context.Context, conf PollerConfig) error {
	if conf.Budget <= 0 {
		conf.Budget = DefaultBudget
	}
	if conf.Idle <= 0 {
		conf.Idle = time.Millisecond
	}

	var wg sync.WaitGroup
	for _, rq := range d.rx[:d.IOQueues()] {
		wg.Add(1)
		go func() {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			timer := time.NewTimer(conf.Idle)
			defer timer.Stop()

			for ctx.Err() == nil {
				work := rq.Poll(conf.Budget, conf.Deliver)
				if conf.OnPoll != nil {
					conf.OnPoll(rq, work)
				}
				if work > 0 {
					continue
				}
				timer.Reset(conf.Idle)
				select {
				case <-ctx.Done():
				case <-rq.Wake():
				case <-timer.C:
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}
