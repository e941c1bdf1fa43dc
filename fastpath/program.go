package fastpath

import "sync"

// RunFunc executes a processing program on one packet.
// It may rewrite b.Data in place and may select a redirect target
// through b.Redirect.
type RunFunc func(b *Buff) Verdict

// Program is an attached packet processing program.
// A Program is shared by every receive queue it is attached to and must
// be safe for concurrent use by their pollers.
type Program struct {
	name    string
	run     RunFunc
	closeFn func() error

	closeOnce sync.Once
	closeErr  error
}

// NewProgram wraps fn as a Program.
func NewProgram(name string, fn RunFunc) *Program {
	return &Program{name: name, run: fn}
}

// NewClosableProgram is like NewProgram but calls closeFn once when the
// program is retired.
func NewClosableProgram(name string, fn RunFunc, closeFn func() error) *Program {
	return &Program{name: name, run: fn, closeFn: closeFn}
}

func (p *Program) Name() string { return p.name }

// Run executes the program.
func (p *Program) Run(b *Buff) Verdict { return p.run(b) }

// Close releases the resources backing the program.
// Device calls it after the program was detached from all queues and every
// poller has quiesced. Close is idempotent.
func (p *Program) Close() error {
	p.closeOnce.Do(func() {
		if p.closeFn != nil {
			p.closeErr = p.closeFn()
		}
	})
	return p.closeErr
}
