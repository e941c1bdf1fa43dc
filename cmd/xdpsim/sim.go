//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/romshark/xdp-fastpath-go/bpfprog"
	"github.com/romshark/xdp-fastpath-go/devinfo"
	"github.com/romshark/xdp-fastpath-go/fastpath"
	"github.com/romshark/xdp-fastpath-go/metrics"
	"github.com/romshark/xdp-fastpath-go/progs"
	"github.com/romshark/xdp-fastpath-go/qstat"
	"github.com/romshark/xdp-fastpath-go/ratelimit"
	"github.com/romshark/xdp-fastpath-go/traffic"
)

const (
	completeBudget = 64
	drainCheck     = 10 * time.Millisecond
	injectRetry    = 50 * time.Microsecond
	// nicRingSize bounds the buffers a NIC backed queue keeps posted,
	// the rest of the UMEM stays available to the fill ring.
	nicRingSize = 16
)

type simDevice struct {
	conf DeviceConfig
	dev  *fastpath.Device
	peer *simDevice
	nic  *nicBinding
	kick chan struct{}

	passed     atomic.Uint64
	wireDrops  atomic.Uint64
	exceptions atomic.Uint64
}

// receive puts a frame from the wire on one of the device's queues.
func (sd *simDevice) receive(queue uint32, frame []byte) {
	rq := sd.dev.RxQueues()[queue%sd.dev.IOQueues()]
	if !rq.Receive(frame) {
		sd.wireDrops.Add(1)
		return
	}
	rq.Kick()
}

// Summary is the result of a simulation run.
type Summary struct {
	Sent       uint64
	Checked    uint64
	Lost       uint64
	Reordered  uint64
	Invalid    uint64
	Passed     map[string]uint64
	WireDrops  map[string]uint64
	Exceptions map[string]uint64
	Counters   qstat.Stats
}

type simulator struct {
	log    logrus.FieldLogger
	conf   *Config
	devmap *fastpath.DevMap
	devs   []*simDevice
	byName map[string]*simDevice

	checkDev *simDevice
	checkMu  sync.Mutex
	checker  *traffic.Checker
	invalid  atomic.Uint64
	sent     atomic.Uint64
}

func newSimulator(conf *Config, log logrus.FieldLogger, lookup lookupFunc) (*simulator, error) {
	s := &simulator{
		log:    log,
		conf:   conf,
		devmap: fastpath.NewDevMap(nil),
		byName: make(map[string]*simDevice, len(conf.Devices)),
	}
	for _, d := range conf.Devices {
		fc, err := deviceConfig(d, lookup)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
		sd := &simDevice{conf: d, kick: make(chan struct{}, 1)}
		if d.Interface != "" {
			fc.RxRingSize = nicRingSize
		}
		fc.Redirector = s.devmap
		fc.Logger = log
		fc.Doorbell = func(*fastpath.TxQueue) {
			select {
			case sd.kick <- struct{}{}:
			default:
			}
		}
		fc.OnException = func(queue uint32, prog *fastpath.Program, v fastpath.Verdict) {
			sd.exceptions.Add(1)
		}
		if sd.dev, err = fastpath.New(fc); err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
		s.devmap.Set(d.Key, sd.dev)
		s.devs = append(s.devs, sd)
		s.byName[d.Name] = sd
	}
	for _, sd := range s.devs {
		if sd.conf.Peer != "" {
			sd.peer = s.byName[sd.conf.Peer]
		}
	}
	if name := conf.Traffic.Check; name != "" {
		cc, err := conf.Traffic.checkerConfig()
		if err != nil {
			return nil, err
		}
		s.checkDev = s.byName[name]
		s.checker = traffic.NewChecker(cc)
	}
	return s, nil
}

func (s *simulator) keys() map[string]uint32 {
	keys := make(map[string]uint32, len(s.devs))
	for _, sd := range s.devs {
		keys[sd.conf.Name] = sd.conf.Key
	}
	return keys
}

func (s *simulator) program(d DeviceConfig) (*fastpath.Program, error) {
	p := d.Program
	switch {
	case p.Object != "":
		return bpfprog.Load(p.Object, p.Name)
	case p.Router != nil:
		rc, err := p.Router.routerConfig(s.keys())
		if err != nil {
			return nil, err
		}
		return progs.NewRouter(d.Name+"_router", rc)
	case p.Verdict != "":
		v, err := parseVerdict(p.Verdict)
		if err != nil {
			return nil, err
		}
		if p.Kernel {
			return bpfprog.NewConstant(v)
		}
		return fastpath.NewProgram("const_"+v.String(), func(*fastpath.Buff) fastpath.Verdict {
			return v
		}), nil
	}
	return nil, nil
}

// attach binds NICs and attaches the configured programs.
func (s *simulator) attach(ctx context.Context) error {
	for _, sd := range s.devs {
		if sd.conf.Interface != "" {
			nic, err := bindNIC(sd.conf, sd.dev, s.log)
			if err != nil {
				return fmt.Errorf("device %q: %w", sd.conf.Name, err)
			}
			sd.nic = nic
		}
		prog, err := s.program(sd.conf)
		if err != nil {
			return fmt.Errorf("device %q: %w", sd.conf.Name, err)
		}
		if prog == nil {
			continue
		}
		if err := sd.dev.SetProgram(ctx, prog); err != nil {
			return errors.Join(
				fmt.Errorf("device %q: %w", sd.conf.Name, err),
				prog.Close(),
			)
		}
	}
	return nil
}

// detach removes all programs and releases NICs.
func (s *simulator) detach(ctx context.Context) error {
	var errs []error
	for _, sd := range s.devs {
		if err := sd.dev.SetProgram(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", sd.conf.Name, err))
		}
		if sd.nic != nil {
			if err := sd.nic.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("device %q: %w", sd.conf.Name, err))
			}
			sd.nic = nil
		}
	}
	return errors.Join(errs...)
}

func (s *simulator) deliver(sd *simDevice) func(b *fastpath.Buff) {
	return func(b *fastpath.Buff) {
		sd.passed.Add(1)
		if sd == s.checkDev {
			s.checkMu.Lock()
			_, err := s.checker.Check(b.Data)
			s.checkMu.Unlock()
			if err != nil {
				s.invalid.Add(1)
			}
		}
		b.Release()
	}
}

// complete finishes transmitted frames, putting them on the peer's wire.
func (s *simulator) complete(ctx context.Context, sd *simDevice) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		for _, rq := range sd.dev.RxQueues() {
			txq := rq.TxQueue()
			if txq == nil {
				continue
			}
			queue := rq.Index()
			txq.Complete(completeBudget, func(f *fastpath.Frame) {
				if sd.peer != nil {
					sd.peer.receive(queue, f.Data)
				}
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-sd.kick:
		case <-ticker.C:
		}
	}
}

// inject sends the configured traffic into its device.
func (s *simulator) inject(ctx context.Context) error {
	t := s.conf.Traffic
	if t.Count == 0 {
		return nil
	}
	gc, err := t.generatorConfig()
	if err != nil {
		return err
	}
	gen, err := traffic.NewGenerator(gc)
	if err != nil {
		return err
	}
	sd := s.byName[t.Device]
	rq, err := sd.dev.RxQueue(t.Queue)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(t.RatePPS)

	for s.sent.Load() < t.Count {
		if err := limiter.Wait(ctx, 1); err != nil {
			return err
		}
		frame, err := gen.Next()
		if err != nil {
			return err
		}
		for !rq.Receive(frame) {
			rq.Kick()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(injectRetry):
			}
		}
		rq.Kick()
		s.sent.Add(1)
	}
	return nil
}

// idle reports whether no packet is waiting anywhere.
func (s *simulator) idle() bool {
	for _, sd := range s.devs {
		for _, rq := range sd.dev.RxQueues() {
			if rq.Pending() > 0 {
				return false
			}
			if txq := rq.TxQueue(); txq != nil && txq.Len() > 0 {
				return false
			}
		}
	}
	return true
}

// waitDrained returns once the topology stayed idle for two checks.
func (s *simulator) waitDrained(ctx context.Context) {
	ticker := time.NewTicker(drainCheck)
	defer ticker.Stop()
	quiet := 0
	for quiet < 2 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.idle() {
			quiet++
		} else {
			quiet = 0
		}
	}
}

func (s *simulator) devices() []*fastpath.Device {
	devs := make([]*fastpath.Device, len(s.devs))
	for i, sd := range s.devs {
		devs[i] = sd.dev
	}
	return devs
}

func (s *simulator) report(ctx context.Context, out io.Writer) {
	if out == nil {
		return
	}
	ticker := time.NewTicker(s.conf.ReportInterval)
	defer ticker.Stop()
	aliases := make(map[string]string)
	prevNIC := make(map[string]devinfo.NICStats)
	for _, sd := range s.devs {
		if iface := sd.conf.Interface; iface != "" {
			aliases[sd.conf.Name] = iface
			prevNIC[iface], _ = devinfo.ReadNICStats(iface)
		}
	}
	prev := qstat.Snapshot(s.devices()...)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := qstat.Snapshot(s.devices()...)
		if err := qstat.Print(out, now.Since(prev), aliases); err != nil {
			s.log.WithError(err).Warn("printing stats")
		}
		prev = now

		for iface, old := range prevNIC {
			cur, err := devinfo.ReadNICStats(iface)
			if err != nil {
				s.log.WithError(err).Debug("reading NIC counters")
				continue
			}
			if old != nil {
				_ = cur.Since(old).Print(out, iface)
			}
			prevNIC[iface] = cur
		}
	}
}

// run drives the topology until ctx is done, the configured duration
// elapsed or, without a duration, all traffic was sent and drained.
func (s *simulator) run(ctx context.Context, out io.Writer) (*Summary, error) {
	if s.conf.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(s.devices()...))
		srv := metrics.NewServer(s.conf.MetricsAddr, "", reg, s.log)
		if err := srv.Start(); err != nil {
			return nil, err
		}
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				s.log.WithError(err).Warn("stopping metrics server")
			}
		}()
	}

	if err := s.attach(ctx); err != nil {
		return nil, errors.Join(err, s.detach(context.Background()))
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.conf.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.conf.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var wg sync.WaitGroup
	for _, sd := range s.devs {
		wg.Go(func() {
			_ = sd.dev.Run(runCtx, fastpath.PollerConfig{Deliver: s.deliver(sd)})
		})
		wg.Go(func() { s.complete(runCtx, sd) })
		if sd.nic != nil {
			wg.Go(func() { sd.nic.pump(runCtx) })
		}
	}
	wg.Go(func() { s.report(runCtx, out) })

	s.log.WithFields(logrus.Fields{
		"devices": len(s.devs),
		"count":   s.conf.Traffic.Count,
	}).Info("simulation started")

	injectErr := s.inject(runCtx)
	if errors.Is(injectErr, context.Canceled) || errors.Is(injectErr, context.DeadlineExceeded) {
		injectErr = nil
	}
	if s.conf.Duration == 0 {
		s.waitDrained(runCtx)
		cancel()
	}
	<-runCtx.Done()
	wg.Wait()

	sum := s.summary()
	err := errors.Join(injectErr, s.detach(context.Background()))
	s.log.WithFields(logrus.Fields{
		"sent":    sum.Sent,
		"checked": sum.Checked,
	}).Info("simulation finished")
	return sum, err
}

func (s *simulator) summary() *Summary {
	sum := &Summary{
		Sent:       s.sent.Load(),
		Invalid:    s.invalid.Load(),
		Passed:     make(map[string]uint64, len(s.devs)),
		WireDrops:  make(map[string]uint64, len(s.devs)),
		Exceptions: make(map[string]uint64, len(s.devs)),
		Counters:   qstat.Snapshot(s.devices()...),
	}
	for _, sd := range s.devs {
		sum.Passed[sd.conf.Name] = sd.passed.Load()
		sum.WireDrops[sd.conf.Name] = sd.wireDrops.Load()
		sum.Exceptions[sd.conf.Name] = sd.exceptions.Load()
	}
	if s.checker != nil {
		s.checkMu.Lock()
		sum.Checked = s.checker.Received
		sum.Lost = s.checker.Lost
		sum.Reordered = s.checker.Reordered
		s.checkMu.Unlock()
	}
	return sum
}
