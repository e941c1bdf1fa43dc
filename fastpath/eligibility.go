package fastpath

import "fmt"

// Link-layer sizes subtracted from the frame buffer.
const (
	EthHeaderLen  = 14
	EthFCSLen     = 4
	VLANHeaderLen = 4
)

// Platform defaults.
const (
	DefaultFrameSize      = 4096
	DefaultHeadroom       = 256 // XDP_PACKET_HEADROOM
	DefaultSharedInfoSize = 320 // sizeof(struct skb_shared_info) on 64-bit
	DefaultCacheLineSize  = 64
)

// FrameLimits describes the buffer shared with the device.
type FrameLimits struct {
	// FrameSize is the size of one receive buffer.
	FrameSize uint32
	// Headroom is reserved in front of the packet for the program.
	Headroom uint32
	// SharedInfoSize is the size of the metadata block kept at the buffer tail.
	SharedInfoSize uint32
	// CacheLineSize aligns SharedInfoSize.
	CacheLineSize uint32
	// ReserveSharedInfo subtracts the aligned metadata block from the
	// admissible MTU. Set on platforms where programs see the full frame size.
	ReserveSharedInfo bool
}

// DefaultFrameLimits returns the limits of a 4K page sized receive buffer.
func DefaultFrameLimits() FrameLimits {
	return FrameLimits{
		FrameSize:         DefaultFrameSize,
		Headroom:          DefaultHeadroom,
		SharedInfoSize:    DefaultSharedInfoSize,
		CacheLineSize:     DefaultCacheLineSize,
		ReserveSharedInfo: true,
	}
}

func alignUp(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

// MaxMTU returns the largest MTU whose frames fit a single receive buffer.
// Returns 0 if the overhead exceeds the frame size.
func (l FrameLimits) MaxMTU() uint32 {
	overhead := uint64(EthHeaderLen) + EthFCSLen + VLANHeaderLen + uint64(l.Headroom)
	if l.ReserveSharedInfo {
		overhead += uint64(alignUp(l.SharedInfoSize, l.CacheLineSize))
	}
	if overhead >= uint64(l.FrameSize) {
		return 0
	}
	return uint32(uint64(l.FrameSize) - overhead)
}

// Eligibility is the outcome of the fast-path admission check.
type Eligibility int

const (
	Allowed Eligibility = iota
	MTUTooLarge
	InsufficientQueues
)

func (e Eligibility) String() string {
	switch e {
	case Allowed:
		return "allowed"
	case MTUTooLarge:
		return "mtu_too_large"
	case InsufficientQueues:
		return "insufficient_queues"
	}
	return fmt.Sprintf("eligibility(%d)", int(e))
}

// Err returns nil for Allowed and the matching sentinel error otherwise.
func (e Eligibility) Err() error {
	switch e {
	case Allowed:
		return nil
	case MTUTooLarge:
		return ErrMTUTooLarge
	case InsufficientQueues:
		return ErrInsufficientQueues
	}
	return fmt.Errorf("unknown eligibility %d", int(e))
}

// LegalQueueCount reports whether queues I/O queues leave room for one
// dedicated fast-path TX queue each.
func LegalQueueCount(queues, maxQueues uint32) bool {
	return 2*uint64(queues) <= uint64(maxQueues)
}

// CheckEligibility decides whether the fast path may be enabled.
// The MTU is checked before the queue count; only the first violation
// is reported.
func CheckEligibility(mtu, ioQueues, maxQueues uint32, l FrameLimits) Eligibility {
	if mtu > l.MaxMTU() {
		return MTUTooLarge
	}
	if !LegalQueueCount(ioQueues, maxQueues) {
		return InsufficientQueues
	}
	return Allowed
}
