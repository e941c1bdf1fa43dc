package fastpath

import (
	"fmt"
	"strings"
)

// Verdict is the code returned by a processing program.
// Values follow the kernel's enum xdp_action.
type Verdict uint32

const (
	VerdictAborted Verdict = iota
	VerdictDrop
	VerdictPass
	VerdictTx
	VerdictRedirect
)

func (v Verdict) String() string {
	switch v {
	case VerdictAborted:
		return "XDP_ABORTED"
	case VerdictDrop:
		return "XDP_DROP"
	case VerdictPass:
		return "XDP_PASS"
	case VerdictTx:
		return "XDP_TX"
	case VerdictRedirect:
		return "XDP_REDIRECT"
	}
	return fmt.Sprintf("XDP_UNKNOWN(%d)", uint32(v))
}

// Action is what the dispatcher did with a packet.
type Action uint8

const (
	ActionPass     Action = 0
	ActionTx       Action = 1 << 0
	ActionRedirect Action = 1 << 1
	ActionDrop     Action = 1 << 2

	// ActionForwarded matches packets that left through the fast path.
	ActionForwarded = ActionTx | ActionRedirect
)

// Forwarded reports whether the packet was transmitted or redirected.
func (a Action) Forwarded() bool { return a&ActionForwarded != 0 }

func (a Action) String() string {
	if a == ActionPass {
		return "pass"
	}
	var parts []string
	if a&ActionTx != 0 {
		parts = append(parts, "tx")
	}
	if a&ActionRedirect != 0 {
		parts = append(parts, "redirect")
	}
	if a&ActionDrop != 0 {
		parts = append(parts, "drop")
	}
	if rest := a &^ (ActionForwarded | ActionDrop); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}
