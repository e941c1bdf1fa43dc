//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/xdp-fastpath-go/fastpath"
	"github.com/romshark/xdp-fastpath-go/xsk"
)

const (
	nicBudget = 64
	nicIdle   = time.Millisecond
)

// nicBinding serves the receive queues of a device from AF_XDP pools
// bound to the queues of a real NIC.
type nicBinding struct {
	log   logrus.FieldLogger
	dev   *fastpath.Device
	iface *xsk.Interface
	pools []*xsk.Pool
}

func bindNIC(conf DeviceConfig, dev *fastpath.Device, log logrus.FieldLogger) (*nicBinding, error) {
	iface, err := xsk.Attach(conf.Interface, xsk.InterfaceConfig{
		MaxQueues:  dev.MaxQueues(),
		DriverMode: conf.DriverMode,
	})
	if err != nil {
		return nil, err
	}
	n := &nicBinding{
		log:   log.WithField("interface", conf.Interface),
		dev:   dev,
		iface: iface,
	}
	for q := range dev.IOQueues() {
		pool, err := xsk.Open(xsk.PoolConfig{
			Interface:      conf.Interface,
			QueueID:        q,
			PreferZerocopy: conf.PreferZerocopy,
		})
		if err != nil {
			return nil, errors.Join(err, n.Close(context.Background()))
		}
		if err := dev.AttachPool(q, pool); err != nil {
			return nil, errors.Join(err, pool.Close(), n.Close(context.Background()))
		}
		n.pools = append(n.pools, pool)
		if err := iface.Register(pool); err != nil {
			return nil, errors.Join(fmt.Errorf("registering queue %d: %w", q, err),
				n.Close(context.Background()))
		}
		n.log.WithFields(logrus.Fields{
			"queue":    q,
			"zerocopy": pool.IsZerocopy(),
		}).Info("AF_XDP pool bound")
	}
	return n, nil
}

// pump moves frames between the kernel rings and the receive queues
// until ctx is done.
func (n *nicBinding) pump(ctx context.Context) {
	for ctx.Err() == nil {
		work := uint32(0)
		for _, p := range n.pools {
			rq, err := n.dev.RxQueue(p.QueueID())
			if err != nil {
				continue
			}
			p.FillKernel(nicBudget)
			if got := p.Receive(rq, nicBudget); got > 0 {
				rq.Kick()
				work += got
			}
			p.Reclaim(nicBudget)
		}
		if work > 0 {
			continue
		}
		for _, p := range n.pools {
			var err error
			if n.dev.HasProgram() {
				err = n.dev.Wakeup(p.QueueID(), fastpath.WakeupRx)
			} else {
				err = p.Wakeup(fastpath.WakeupRx)
			}
			if err != nil && !errors.Is(err, fastpath.ErrNotRunning) {
				n.log.WithError(err).Debug("wakeup")
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(nicIdle):
		}
	}
}

// Close detaches the pools from the device and releases the NIC.
func (n *nicBinding) Close(ctx context.Context) error {
	var errs []error
	for _, p := range n.pools {
		q := p.QueueID()
		if err := n.iface.Unregister(q); err != nil {
			errs = append(errs, fmt.Errorf("unregistering queue %d: %w", q, err))
		}
		if _, err := n.dev.DetachPool(ctx, q); err != nil {
			errs = append(errs, err)
		}
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pool %d: %w", q, err))
		}
	}
	n.pools = nil
	if err := n.iface.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
