//go:build linux

// Package bpfprog runs eBPF XDP programs as fast-path programs.
// Packets are handed to the kernel with BPF_PROG_TEST_RUN; the program's
// return code becomes the verdict and its output replaces the packet.
//
// A test run does not report the target of bpf_redirect_map, so an
// XDP_REDIRECT from a kernel program carries no redirect key and a
// fastpath.DevMap counts it as aborted. Programs that redirect must be
// Go programs calling Buff.Redirect.
package bpfprog

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

var (
	ErrProgramNotFound = errors.New("program not found in object")
	ErrNotXDP          = errors.New("program is not of type XDP")
)

// Load loads the collection in the ELF object at path and returns its
// XDP program progName. Closing the returned program closes the whole
// collection.
func Load(path, progName string) (*fastpath.Program, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec %q: %w", path, err)
	}
	ps, ok := spec.Programs[progName]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %q", ErrProgramNotFound, progName, path)
	}
	if ps.Type != ebpf.XDP {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotXDP, progName, ps.Type)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("loading collection: %w", err)
	}
	return Wrap(progName, coll.Programs[progName], func() error {
		coll.Close()
		return nil
	}), nil
}

// Wrap adapts a loaded XDP program. closeFn runs when the fast-path
// program is retired and may be nil to close prog itself.
func Wrap(name string, prog *ebpf.Program, closeFn func() error) *fastpath.Program {
	if closeFn == nil {
		closeFn = prog.Close
	}
	return fastpath.NewClosableProgram(name, func(b *fastpath.Buff) fastpath.Verdict {
		opts := ebpf.RunOptions{
			Data:    b.Data,
			DataOut: b.Data[:cap(b.Data)],
		}
		ret, err := prog.Run(&opts)
		if err != nil {
			return fastpath.VerdictAborted
		}
		b.Data = opts.DataOut
		return fastpath.Verdict(ret)
	}, closeFn)
}

// NewConstant loads an XDP program that returns v for every packet.
func NewConstant(v fastpath.Verdict) (*fastpath.Program, error) {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xdp_const",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			asm.Mov.Imm(asm.R0, int32(v)),
			asm.Return(),
		},
		License: "MIT",
	})
	if err != nil {
		return nil, fmt.Errorf("loading constant program: %w", err)
	}
	return Wrap(fmt.Sprintf("const_%s", v), prog, nil), nil
}
