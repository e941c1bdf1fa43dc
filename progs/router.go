// Package progs contains fast-path programs written in Go.
package progs

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

var ErrInvalidRoute = errors.New("invalid route")

// Route redirects packets whose destination address is in Prefix to the
// redirect map entry Target. Non-nil MACs replace the Ethernet addresses.
type Route struct {
	Prefix netip.Prefix
	Target uint32
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
}

type RouterConfig struct {
	// Reflect sends packets for these prefixes back out of the receiving
	// queue with source and destination MAC swapped (XDP_TX).
	Reflect []netip.Prefix
	// Routes are matched longest prefix first.
	Routes []Route
	// BlockedPorts drops TCP and UDP packets to these destination ports.
	BlockedPorts []uint16
}

// Packets without an IP layer or matching no rule pass to the stack.
// Packets that fail to decode are aborted.
type router struct {
	reflect []netip.Prefix
	routes  []Route
	blocked map[uint16]struct{}
	pool    sync.Pool
}

type decoder struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	udp     layers.UDP
	tcp     layers.TCP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&d.eth, &d.ip4, &d.ip6, &d.udp, &d.tcp)
	d.parser.IgnoreUnsupported = true
	return d
}

// NewRouter returns a program routing on the destination IP address.
func NewRouter(name string, conf RouterConfig) (*fastpath.Program, error) {
	r := &router{
		reflect: slices.Clone(conf.Reflect),
		routes:  slices.Clone(conf.Routes),
		blocked: make(map[uint16]struct{}, len(conf.BlockedPorts)),
	}
	for i, rt := range r.routes {
		if !rt.Prefix.IsValid() {
			return nil, fmt.Errorf("route %d: %w: no prefix", i, ErrInvalidRoute)
		}
		for _, mac := range []net.HardwareAddr{rt.SrcMAC, rt.DstMAC} {
			if mac != nil && len(mac) != 6 {
				return nil, fmt.Errorf("route %s: %w: MAC %s", rt.Prefix, ErrInvalidRoute, mac)
			}
		}
		r.routes[i].Prefix = rt.Prefix.Masked()
	}
	slices.SortStableFunc(r.routes, func(a, b Route) int {
		return b.Prefix.Bits() - a.Prefix.Bits()
	})
	for _, p := range conf.BlockedPorts {
		r.blocked[p] = struct{}{}
	}
	r.pool.New = func() any { return newDecoder() }
	return fastpath.NewProgram(name, r.run), nil
}

func (r *router) run(b *fastpath.Buff) fastpath.Verdict {
	d := r.pool.Get().(*decoder)
	defer r.pool.Put(d)

	if err := d.parser.DecodeLayers(b.Data, &d.decoded); err != nil {
		return fastpath.VerdictAborted
	}

	var (
		dst   netip.Addr
		port  uint16
		hasL4 bool
	)
	for _, t := range d.decoded {
		switch t {
		case layers.LayerTypeIPv4:
			dst, _ = netip.AddrFromSlice(d.ip4.DstIP.To4())
		case layers.LayerTypeIPv6:
			dst, _ = netip.AddrFromSlice(d.ip6.DstIP)
		case layers.LayerTypeUDP:
			port, hasL4 = uint16(d.udp.DstPort), true
		case layers.LayerTypeTCP:
			port, hasL4 = uint16(d.tcp.DstPort), true
		}
	}
	if !dst.IsValid() {
		return fastpath.VerdictPass
	}
	if _, ok := r.blocked[port]; ok && hasL4 {
		return fastpath.VerdictDrop
	}

	for _, p := range r.reflect {
		if p.Contains(dst) {
			var tmp [6]byte
			copy(tmp[:], b.Data[0:6])
			copy(b.Data[0:6], b.Data[6:12])
			copy(b.Data[6:12], tmp[:])
			return fastpath.VerdictTx
		}
	}

	for i := range r.routes {
		rt := &r.routes[i]
		if !rt.Prefix.Contains(dst) {
			continue
		}
		if rt.DstMAC != nil {
			copy(b.Data[0:6], rt.DstMAC)
		}
		if rt.SrcMAC != nil {
			copy(b.Data[6:12], rt.SrcMAC)
		}
		return b.Redirect(rt.Target)
	}
	return fastpath.VerdictPass
}
