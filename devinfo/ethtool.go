package devinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Driver counters reported by mlx5 NICs, used when none are requested.
var DefaultNICCounters = []string{
	"rx_packets_phy", "rx_bytes_phy",
	"tx_packets_phy", "tx_bytes_phy",
	"rx_xdp_drop", "rx_xdp_redirect", "rx_xdp_tx_xmit",
}

// NICStats are driver counters of one interface keyed by ethtool name.
type NICStats map[string]uint64

// ReadNICStats runs ethtool -S on iface and returns the requested
// counters. Counters the driver does not report are 0.
func ReadNICStats(iface string, counters ...string) (NICStats, error) {
	out, err := exec.Command("ethtool", "-S", iface).Output()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", iface, err)
	}
	return parseEthtool(bytes.NewReader(out), counters)
}

func parseEthtool(r io.Reader, counters []string) (NICStats, error) {
	if len(counters) == 0 {
		counters = DefaultNICCounters
	}
	found := make(NICStats, len(counters))
	for _, c := range counters {
		found[c] = 0
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		if _, want := found[key]; !want {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		found[key] = v
	}
	return found, sc.Err()
}

// Since computes s(now) - old.
func (s NICStats) Since(old NICStats) NICStats {
	out := make(NICStats, len(s))
	for k, v := range s {
		out[k] = v - old[k]
	}
	return out
}

func (s NICStats) Print(w io.Writer, iface string) error {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	if _, err := fmt.Fprintf(w, "%s (nic):\n", iface); err != nil {
		return err
	}
	for _, k := range keys {
		v := s[k]
		val := humanize.Comma(int64(v))
		if strings.Contains(k, "bytes") {
			val = fmt.Sprintf("%s (%s)", humanize.Bytes(v), val)
		}
		if _, err := fmt.Fprintf(w, "  %-16s %s\n", k, val); err != nil {
			return err
		}
	}
	return nil
}
