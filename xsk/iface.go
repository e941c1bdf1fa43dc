//go:build linux

package xsk

import (
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

// InterfaceConfig controls how the redirect program is attached.
type InterfaceConfig struct {
	// MaxQueues sizes the XSK map. Defaults to 64.
	MaxQueues uint32
	// DriverMode requests native XDP, required for zero-copy.
	DriverMode bool
}

// Interface is a NIC with an XDP program attached that redirects every
// queue with a registered Pool to that pool and passes everything else.
type Interface struct {
	name  string
	index int

	xsks *ebpf.Map
	prog *ebpf.Program
	link link.Link
}

// Attach loads the redirect program and attaches it to iface.
func Attach(iface string, conf InterfaceConfig) (*Interface, error) {
	if conf.MaxQueues == 0 {
		conf.MaxQueues = 64
	}
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}

	i := &Interface{name: iface, index: netIf.Index}
	i.xsks, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: conf.MaxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	i.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xsk_redirect",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			// r2 = ctx->rx_queue_index
			asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
			asm.LoadMapPtr(asm.R1, i.xsks.FD()),
			// Fall back to XDP_PASS for queues without a socket.
			asm.Mov.Imm(asm.R3, int32(fastpath.VerdictPass)),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
		License: "Dual MIT/GPL",
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("loading redirect program: %w", err), i.Close())
	}

	opts := link.XDPOptions{Program: i.prog, Interface: netIf.Index}
	if conf.DriverMode {
		opts.Flags = link.XDPDriverMode
	}
	i.link, err = link.AttachXDP(opts)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("attaching XDP: %w", err), i.Close())
	}
	return i, nil
}

// Info returns the interface name and index.
func (i *Interface) Info() (name string, index int) { return i.name, i.index }

// Register directs the pool's queue into the pool's socket.
func (i *Interface) Register(p *Pool) error {
	return i.xsks.Update(p.QueueID(), uint32(p.FD()), ebpf.UpdateAny)
}

// Unregister stops redirecting queue to AF_XDP.
func (i *Interface) Unregister(queue uint32) error {
	err := i.xsks.Delete(queue)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

// Close detaches the program and frees the eBPF objects. Pools must be
// closed separately.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program: %w", err))
		}
		i.prog = nil
	}
	if i.xsks != nil {
		if err := i.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		i.xsks = nil
	}
	return errors.Join(errs...)
}
