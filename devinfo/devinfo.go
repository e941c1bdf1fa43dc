//go:build linux

// Package devinfo discovers the limits of a network interface that the
// fast path validates against: MTU and hardware queue counts.
package devinfo

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

var ErrNoQueueInfo = errors.New("no queue information")

// sysfsNetRoot is replaced in tests.
var sysfsNetRoot = "/sys/class/net"

// Info describes an interface.
type Info struct {
	Name         string
	Index        int
	MTU          uint32
	RxQueues     uint32
	TxQueues     uint32
	HardwareAddr net.HardwareAddr
}

// MaxQueues is the number of queue pairs usable by the fast path.
func (i Info) MaxQueues() uint32 { return min(i.RxQueues, i.TxQueues) }

// DeviceConfig returns a fastpath.Config sized after the interface.
// Fields of base other than Name, MTU and MaxQueues are kept.
func (i Info) DeviceConfig(base fastpath.Config) fastpath.Config {
	base.Name = i.Name
	base.MTU = i.MTU
	base.MaxQueues = i.MaxQueues()
	return base
}

// Lookup asks netlink for the interface attributes and falls back to
// sysfs for queue counts the driver does not report.
func Lookup(name string) (Info, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return Info{}, fmt.Errorf("looking up link %q: %w", name, err)
	}
	a := l.Attrs()
	info := Info{
		Name:         a.Name,
		Index:        a.Index,
		MTU:          uint32(a.MTU),
		RxQueues:     uint32(a.NumRxQueues),
		TxQueues:     uint32(a.NumTxQueues),
		HardwareAddr: a.HardwareAddr,
	}
	if info.RxQueues == 0 || info.TxQueues == 0 {
		fs, err := fromSysfs(name)
		if err != nil {
			return Info{}, err
		}
		info.RxQueues, info.TxQueues = fs.RxQueues, fs.TxQueues
	}
	return info, nil
}

func fromSysfs(name string) (Info, error) {
	info := Info{Name: name}
	b, err := os.ReadFile(filepath.Join(sysfsNetRoot, name, "mtu"))
	if err != nil {
		return Info{}, fmt.Errorf("reading mtu: %w", err)
	}
	mtu, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return Info{}, fmt.Errorf("parsing mtu: %w", err)
	}
	info.MTU = uint32(mtu)

	rx, err := RXQueueIDs(name)
	if err != nil {
		return Info{}, err
	}
	tx, err := TXQueueIDs(name)
	if err != nil {
		return Info{}, err
	}
	if len(rx) == 0 || len(tx) == 0 {
		return Info{}, fmt.Errorf("%s: %w", name, ErrNoQueueInfo)
	}
	info.RxQueues, info.TxQueues = uint32(len(rx)), uint32(len(tx))
	return info, nil
}

// RXQueueIDs returns the RX queue IDs of the interface in ascending order.
func RXQueueIDs(name string) ([]uint32, error) { return queueIDs(name, "rx-") }

// TXQueueIDs returns the TX queue IDs of the interface in ascending order.
func TXQueueIDs(name string) ([]uint32, error) { return queueIDs(name, "tx-") }

func queueIDs(name, prefix string) (ids []uint32, err error) {
	path := filepath.Join(sysfsNetRoot, name, "queues")
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		s, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}
