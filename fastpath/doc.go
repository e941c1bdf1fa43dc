// Package fastpath implements an XDP-style fast path for a userspace NIC
// dataplane.
// Device owns the receive queues, the dedicated fast-path transmit queues
// and the attached processing program.
// RxQueue runs the per-packet verdict dispatcher.
//
// Terminology:
//
//   - Program: opaque function from packet buffer to verdict code.
//   - Verdict: the code returned by the program (kernel XDP numbering).
//   - Action: what the dispatcher actually did with the packet.
//   - Fast-path TX queue: transmit queue reserved for XDP_TX and redirected
//     frames, shared between the local dispatcher and redirection sources.
//   - Zero-copy pool: externally owned buffer pool (AF_XDP UMEM) backing a queue.
package fastpath

import "errors"

var (
	ErrMTUTooLarge        = errors.New("current MTU is too large for the fast path")
	ErrInsufficientQueues = errors.New("not enough hardware queues for the fast path")
	ErrInvalidQueueCount  = errors.New("invalid fast-path queue count")
	ErrQueueOutOfRange    = errors.New("queue index out of range")
	ErrAlreadySetUp       = errors.New("fast-path queues already set up")
	ErrNotRunning         = errors.New("fast path is not running")
	ErrInvalidFlags       = errors.New("invalid flags")
	ErrTxQueueFull        = errors.New("tx queue full")
	ErrConvertFrame       = errors.New("cannot convert buffer to frame")
	ErrNoRedirectTarget   = errors.New("no redirect target")
	ErrPoolAttached       = errors.New("zero-copy pool already attached")
)
