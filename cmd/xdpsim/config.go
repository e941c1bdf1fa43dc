package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/xdp-fastpath-go/fastpath"
	"github.com/romshark/xdp-fastpath-go/progs"
	"github.com/romshark/xdp-fastpath-go/traffic"
)

// Topology example:
//
//	traffic -> wan0 (router) --redirect--> lan0 --wire--> sink0 (checked)
//
// Frames a device transmits are delivered to the receive queues of its
// peer. Packets a device passes to the stack are counted, and checked
// when the device is the traffic check device.

type Config struct {
	LogLevel       string        `yaml:"log-level"`
	MetricsAddr    string        `yaml:"metrics-addr"`
	Duration       time.Duration `yaml:"duration"`
	ReportInterval time.Duration `yaml:"report-interval"`

	Devices []DeviceConfig `yaml:"devices"`
	Traffic TrafficConfig  `yaml:"traffic"`
}

type DeviceConfig struct {
	Name string `yaml:"name"`
	// Key is the redirect map key of the device. Defaults to its
	// position in the device list plus one.
	Key       uint32 `yaml:"key"`
	MaxQueues uint32 `yaml:"max-queues"`
	IOQueues  uint32 `yaml:"io-queues"`
	MTU       uint32 `yaml:"mtu"`
	Headroom  uint32 `yaml:"headroom"`
	FrameSize uint32 `yaml:"frame-size"`
	RingSize  uint32 `yaml:"ring-size"`
	Peer      string `yaml:"peer"`

	// Interface binds the device to a real NIC. Queue counts and MTU are
	// read from the NIC and its queues are served by AF_XDP pools.
	Interface      string `yaml:"interface"`
	DriverMode     bool   `yaml:"driver-mode"`
	PreferZerocopy bool   `yaml:"prefer-zerocopy"`

	Program ProgramConfig `yaml:"program"`
}

type ProgramConfig struct {
	// Verdict attaches a constant program: pass, drop, tx, redirect or aborted.
	Verdict string `yaml:"verdict"`
	// Kernel runs the constant verdict as an eBPF program.
	Kernel bool `yaml:"kernel"`
	// Object and Name load an XDP program from an eBPF ELF object.
	Object string `yaml:"object"`
	Name   string `yaml:"name"`
	// Router attaches the built-in router.
	Router *RouterConfig `yaml:"router"`
}

func (p ProgramConfig) empty() bool {
	return p.Verdict == "" && p.Object == "" && p.Router == nil
}

type RouterConfig struct {
	Reflect      []string      `yaml:"reflect"`
	Routes       []RouteConfig `yaml:"routes"`
	BlockedPorts []uint16      `yaml:"blocked-ports"`
}

type RouteConfig struct {
	Prefix string `yaml:"prefix"`
	Device string `yaml:"device"`
	SrcMAC string `yaml:"src-mac"`
	DstMAC string `yaml:"dst-mac"`
}

type TrafficConfig struct {
	Device    string `yaml:"device"`
	Queue     uint32 `yaml:"queue"`
	Count     uint64 `yaml:"count"`
	RatePPS   uint64 `yaml:"rate-pps"` // 0 = unlimited
	FrameSize uint32 `yaml:"frame-size"`
	SrcMAC    string `yaml:"src-mac"`
	DstMAC    string `yaml:"dst-mac"`
	SrcIP     string `yaml:"src-ip"`
	DstIP     string `yaml:"dst-ip"`
	SrcPort   uint16 `yaml:"src-port"`
	DstPort   uint16 `yaml:"dst-port"`
	// Check validates frames passed by this device. The expected MACs
	// are the rewritten ones.
	Check       string `yaml:"check"`
	CheckSrcMAC string `yaml:"check-src-mac"`
	CheckDstMAC string `yaml:"check-dst-mac"`
}

func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return &conf, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = time.Second
	}
	if len(c.Devices) == 0 {
		return errors.New("at least one device must be configured")
	}
	names := make(map[string]bool, len(c.Devices))
	keys := make(map[uint32]string, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name must be set", i)
		}
		if names[d.Name] {
			return fmt.Errorf("device %q: duplicate name", d.Name)
		}
		names[d.Name] = true
		if d.Key == 0 {
			d.Key = uint32(i) + 1
		}
		if other, ok := keys[d.Key]; ok {
			return fmt.Errorf("device %q: key %d already used by %q", d.Name, d.Key, other)
		}
		keys[d.Key] = d.Name
		if d.Interface == "" && d.MaxQueues == 0 {
			return fmt.Errorf("device %q: max-queues or interface must be set", d.Name)
		}
		if d.RingSize == 0 {
			d.RingSize = 256
		}
		if n := countSet(d.Program.Verdict != "", d.Program.Object != "", d.Program.Router != nil); n > 1 {
			return fmt.Errorf("device %q: program must set one of verdict, object or router", d.Name)
		}
		if d.Program.Object != "" && d.Program.Name == "" {
			return fmt.Errorf("device %q: program.name must be set with program.object", d.Name)
		}
		if d.Program.Verdict != "" {
			if _, err := parseVerdict(d.Program.Verdict); err != nil {
				return fmt.Errorf("device %q: %w", d.Name, err)
			}
		}
	}
	for _, d := range c.Devices {
		if d.Peer != "" && !names[d.Peer] {
			return fmt.Errorf("device %q: unknown peer %q", d.Name, d.Peer)
		}
		if r := d.Program.Router; r != nil {
			for _, rt := range r.Routes {
				if !names[rt.Device] {
					return fmt.Errorf("device %q: route %s: unknown device %q", d.Name, rt.Prefix, rt.Device)
				}
			}
		}
	}

	t := &c.Traffic
	if t.Count == 0 && t.Device == "" {
		return nil
	}
	if !names[t.Device] {
		return fmt.Errorf("traffic.device %q is not a configured device", t.Device)
	}
	if t.Check != "" && !names[t.Check] {
		return fmt.Errorf("traffic.check %q is not a configured device", t.Check)
	}
	if t.FrameSize == 0 {
		t.FrameSize = 64
	}
	if t.SrcMAC == "" {
		t.SrcMAC = "02:00:00:00:00:01"
	}
	if t.DstMAC == "" {
		t.DstMAC = "02:00:00:00:00:02"
	}
	if t.SrcIP == "" {
		t.SrcIP = "10.0.1.1"
	}
	if t.DstIP == "" {
		t.DstIP = "10.0.2.1"
	}
	if t.SrcPort == 0 {
		t.SrcPort = 4000
	}
	if t.DstPort == 0 {
		t.DstPort = 5000
	}
	_, err := t.generatorConfig()
	return err
}

func countSet(b ...bool) (n int) {
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

func parseVerdict(s string) (fastpath.Verdict, error) {
	switch s {
	case "pass":
		return fastpath.VerdictPass, nil
	case "drop":
		return fastpath.VerdictDrop, nil
	case "tx":
		return fastpath.VerdictTx, nil
	case "redirect":
		return fastpath.VerdictRedirect, nil
	case "aborted":
		return fastpath.VerdictAborted, nil
	}
	return 0, fmt.Errorf("unknown verdict %q", s)
}

func parseMAC(field, s string) (net.HardwareAddr, error) {
	if s == "" {
		return nil, nil
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return mac, nil
}

func (t TrafficConfig) generatorConfig() (traffic.Config, error) {
	var (
		conf traffic.Config
		err  error
	)
	if conf.SrcMAC, err = parseMAC("traffic.src-mac", t.SrcMAC); err != nil {
		return conf, err
	}
	if conf.DstMAC, err = parseMAC("traffic.dst-mac", t.DstMAC); err != nil {
		return conf, err
	}
	if conf.SrcIP, err = netip.ParseAddr(t.SrcIP); err != nil {
		return conf, fmt.Errorf("invalid traffic.src-ip: %w", err)
	}
	if conf.DstIP, err = netip.ParseAddr(t.DstIP); err != nil {
		return conf, fmt.Errorf("invalid traffic.dst-ip: %w", err)
	}
	conf.SrcPort, conf.DstPort = t.SrcPort, t.DstPort
	conf.FrameSize = t.FrameSize
	return conf, nil
}

// checkerConfig is the generator config with the MACs expected after
// rewrites. Unset MACs are not checked.
func (t TrafficConfig) checkerConfig() (traffic.Config, error) {
	conf, err := t.generatorConfig()
	if err != nil {
		return conf, err
	}
	if conf.SrcMAC, err = parseMAC("traffic.check-src-mac", t.CheckSrcMAC); err != nil {
		return conf, err
	}
	if conf.DstMAC, err = parseMAC("traffic.check-dst-mac", t.CheckDstMAC); err != nil {
		return conf, err
	}
	return conf, nil
}

// routerConfig resolves device names to redirect map keys.
func (r *RouterConfig) routerConfig(keys map[string]uint32) (progs.RouterConfig, error) {
	var conf progs.RouterConfig
	for _, s := range r.Reflect {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return conf, fmt.Errorf("invalid reflect prefix: %w", err)
		}
		conf.Reflect = append(conf.Reflect, p)
	}
	for _, rc := range r.Routes {
		p, err := netip.ParsePrefix(rc.Prefix)
		if err != nil {
			return conf, fmt.Errorf("invalid route prefix: %w", err)
		}
		rt := progs.Route{Prefix: p, Target: keys[rc.Device]}
		if rt.SrcMAC, err = parseMAC("src-mac", rc.SrcMAC); err != nil {
			return conf, err
		}
		if rt.DstMAC, err = parseMAC("dst-mac", rc.DstMAC); err != nil {
			return conf, err
		}
		conf.Routes = append(conf.Routes, rt)
	}
	conf.BlockedPorts = r.BlockedPorts
	return conf, nil
}

// fastpathConfig returns the device config for a simulated device.
func (d DeviceConfig) fastpathConfig() fastpath.Config {
	conf := fastpath.Config{
		Name:       d.Name,
		MaxQueues:  d.MaxQueues,
		IOQueues:   d.IOQueues,
		MTU:        d.MTU,
		RxRingSize: d.RingSize,
		TxRingSize: d.RingSize,
	}
	if d.FrameSize != 0 || d.Headroom != 0 {
		conf.Limits = fastpath.DefaultFrameLimits()
		if d.FrameSize != 0 {
			conf.Limits.FrameSize = d.FrameSize
		}
		if d.Headroom != 0 {
			conf.Limits.Headroom = d.Headroom
		}
	}
	return conf
}
