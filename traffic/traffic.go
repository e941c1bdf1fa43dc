// Package traffic builds sequenced UDP test frames and checks them on
// the receiving side.
package traffic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	headerLen = 14 + 20 + 8
	seqLen    = 4
	// MinFrameSize is the smallest frame carrying a sequence number.
	MinFrameSize = headerLen + seqLen
)

var (
	ErrNotTestFrame = errors.New("not a test frame")
	ErrBadMAC       = errors.New("MAC must be 6 bytes")
)

type Config struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	// FrameSize is the Ethernet frame size without FCS.
	// Smaller values are raised to MinFrameSize.
	FrameSize uint32
}

// Generator serializes frames with an increasing sequence number in the
// first four payload bytes. Not safe for concurrent use.
type Generator struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload []byte
	buf     gopacket.SerializeBuffer
	opts    gopacket.SerializeOptions
	seq     uint32
}

func NewGenerator(conf Config) (*Generator, error) {
	if len(conf.SrcMAC) != 6 || len(conf.DstMAC) != 6 {
		return nil, ErrBadMAC
	}
	if !conf.SrcIP.Is4() || !conf.DstIP.Is4() {
		return nil, fmt.Errorf("addresses %s -> %s must be IPv4", conf.SrcIP, conf.DstIP)
	}
	size := max(conf.FrameSize, MinFrameSize)
	g := &Generator{
		eth: layers.Ethernet{
			SrcMAC:       conf.SrcMAC,
			DstMAC:       conf.DstMAC,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    conf.SrcIP.AsSlice(),
			DstIP:    conf.DstIP.AsSlice(),
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(conf.SrcPort),
			DstPort: layers.UDPPort(conf.DstPort),
		},
		payload: make([]byte, size-headerLen),
		buf:     gopacket.NewSerializeBufferExpectedSize(int(size), 0),
		opts:    gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
	}
	if err := g.udp.SetNetworkLayerForChecksum(&g.ip); err != nil {
		return nil, err
	}
	return g, nil
}

// Next returns the next frame. The slice is reused by the following call.
func (g *Generator) Next() ([]byte, error) {
	binary.BigEndian.PutUint32(g.payload, g.seq)
	g.ip.Id = uint16(g.seq)
	if err := gopacket.SerializeLayers(g.buf, g.opts,
		&g.eth, &g.ip, &g.udp, gopacket.Payload(g.payload),
	); err != nil {
		return nil, fmt.Errorf("serializing frame %d: %w", g.seq, err)
	}
	g.seq++
	return g.buf.Bytes(), nil
}

// Seq returns the sequence number of the next frame.
func (g *Generator) Seq() uint32 { return g.seq }

// Checker validates received frames against the generator config,
// including the MAC rewrite expected on the way, and tracks ordering.
type Checker struct {
	want   Config
	parser *gopacket.DecodingLayerParser
	eth    layers.Ethernet
	ip     layers.IPv4
	udp    layers.UDP
	types  []gopacket.LayerType

	next      uint32
	Received  uint64
	Reordered uint64
	Lost      uint64
}

// NewChecker expects frames as built from want.
func NewChecker(want Config) *Checker {
	c := &Checker{want: want, types: make([]gopacket.LayerType, 0, 3)}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &c.eth, &c.ip, &c.udp)
	c.parser.IgnoreUnsupported = true
	return c
}

// Check parses frame and returns its sequence number. Frames that do not
// match the expected addresses return ErrNotTestFrame.
func (c *Checker) Check(frame []byte) (uint32, error) {
	if err := c.parser.DecodeLayers(frame, &c.types); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotTestFrame, err)
	}
	if len(c.types) != 3 {
		return 0, ErrNotTestFrame
	}
	w := c.want
	src, _ := netip.AddrFromSlice(c.ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(c.ip.DstIP.To4())
	switch {
	case w.DstMAC != nil && c.eth.DstMAC.String() != w.DstMAC.String(),
		w.SrcMAC != nil && c.eth.SrcMAC.String() != w.SrcMAC.String(),
		src != w.SrcIP, dst != w.DstIP,
		uint16(c.udp.SrcPort) != w.SrcPort, uint16(c.udp.DstPort) != w.DstPort,
		len(c.udp.Payload) < seqLen:
		return 0, ErrNotTestFrame
	}

	seq := binary.BigEndian.Uint32(c.udp.Payload)
	c.Received++
	switch {
	case seq == c.next:
		c.next++
	case seq > c.next:
		c.Lost += uint64(seq - c.next)
		c.next = seq + 1
	default:
		c.Reordered++
		if c.Lost > 0 {
			c.Lost--
		}
	}
	return seq, nil
}
