package fastpath

import (
	"fmt"
	"sync"
)

// DevMap redirects packets to other devices by key, like a
// BPF_MAP_TYPE_DEVMAP. Programs select the key with Buff.Redirect.
// The target's fast-path transmit queue is chosen by the ingress queue
// index. DevMap is safe for concurrent use.
type DevMap struct {
	conv FrameConverter

	mu      sync.RWMutex
	targets map[uint32]*Device
}

// NewDevMap returns an empty map. A nil conv selects DefaultConverter.
func NewDevMap(conv FrameConverter) *DevMap {
	if conv == nil {
		conv = DefaultConverter{}
	}
	return &DevMap{conv: conv, targets: make(map[uint32]*Device)}
}

// Set maps key to dev.
func (m *DevMap) Set(key uint32, dev *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[key] = dev
}

// Delete removes key.
func (m *DevMap) Delete(key uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, key)
}

func (m *DevMap) lookup(key uint32) *Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets[key]
}

// Redirect implements Redirector.
func (m *DevMap) Redirect(b *Buff, prog *Program) error {
	key, ok := b.RedirectTarget()
	if !ok {
		return ErrNoRedirectTarget
	}
	dev := m.lookup(key)
	if dev == nil {
		return fmt.Errorf("%w: key %d", ErrNoRedirectTarget, key)
	}
	f, err := m.conv.ConvertToFrame(b)
	if err != nil {
		return err
	}
	n, err := dev.Xmit(b.Queue, []*Frame{f}, XmitFlush)
	if err != nil {
		return fmt.Errorf("redirecting to %s: %w", dev.Name(), err)
	}
	if n == 0 {
		return fmt.Errorf("redirecting to %s: %w", dev.Name(), ErrTxQueueFull)
	}
	return nil
}
