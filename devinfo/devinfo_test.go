//go:build linux

package devinfo

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xdp-fastpath-go/fastpath"
)

func fakeSysfs(t *testing.T, name, mtu string, queues ...string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, name)
	for _, q := range queues {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "queues", q), 0o755))
	}
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mtu"), []byte(mtu+"\n"), 0o644))

	old := sysfsNetRoot
	sysfsNetRoot = root
	t.Cleanup(func() { sysfsNetRoot = old })
}

func TestQueueIDsSorted(t *testing.T) {
	fakeSysfs(t, "eth0", "1500", "rx-10", "rx-2", "rx-0", "rx-1", "tx-0", "tx-1")

	rx, err := RXQueueIDs("eth0")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 10}, rx)

	tx, err := TXQueueIDs("eth0")
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, tx)
}

func TestQueueIDsBadEntry(t *testing.T) {
	fakeSysfs(t, "eth0", "1500", "rx-x")
	_, err := RXQueueIDs("eth0")
	assert.Error(t, err)
}

func TestQueueIDsMissingInterface(t *testing.T) {
	fakeSysfs(t, "eth0", "1500")
	_, err := RXQueueIDs("eth9")
	assert.Error(t, err)
}

func TestFromSysfs(t *testing.T) {
	fakeSysfs(t, "eth0", "9000",
		"rx-0", "rx-1", "rx-2", "rx-3", "rx-4", "rx-5", "rx-6", "rx-7",
		"tx-0", "tx-1", "tx-2", "tx-3", "tx-4", "tx-5")

	info, err := fromSysfs("eth0")
	require.NoError(t, err)
	assert.Equal(t, uint32(9000), info.MTU)
	assert.Equal(t, uint32(8), info.RxQueues)
	assert.Equal(t, uint32(6), info.TxQueues)
	assert.Equal(t, uint32(6), info.MaxQueues())
}

func TestFromSysfsNoQueues(t *testing.T) {
	fakeSysfs(t, "eth0", "1500", "rx-0")
	_, err := fromSysfs("eth0")
	assert.ErrorIs(t, err, ErrNoQueueInfo)
}

func TestDeviceConfig(t *testing.T) {
	info := Info{Name: "eth0", MTU: 3000, RxQueues: 8, TxQueues: 16}
	conf := info.DeviceConfig(fastpath.Config{Name: "ignored", IOQueues: 2, RxRingSize: 64})

	assert.Equal(t, "eth0", conf.Name)
	assert.Equal(t, uint32(3000), conf.MTU)
	assert.Equal(t, uint32(8), conf.MaxQueues)
	assert.Equal(t, uint32(2), conf.IOQueues)
	assert.Equal(t, uint32(64), conf.RxRingSize)

	require.NoError(t, conf.ValidateAndSetDefaults())
	assert.Equal(t, fastpath.Allowed,
		fastpath.CheckEligibility(conf.MTU, conf.IOQueues, conf.MaxQueues, conf.Limits))
}

func TestLookupLoopback(t *testing.T) {
	info, err := Lookup("lo")
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	assert.Equal(t, "lo", info.Name)
	assert.NotZero(t, info.MTU)
	assert.NotZero(t, info.MaxQueues())
}

const ethtoolOutput = `NIC statistics:
     rx_packets: 12
     rx_packets_phy: 1000
     rx_bytes_phy: 64000
     tx_packets_phy: 900
     rx_xdp_drop: 5
`

func TestParseEthtool(t *testing.T) {
	s, err := parseEthtool(strings.NewReader(ethtoolOutput), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), s["rx_packets_phy"])
	assert.Equal(t, uint64(64000), s["rx_bytes_phy"])
	assert.Equal(t, uint64(5), s["rx_xdp_drop"])
	assert.Zero(t, s["tx_bytes_phy"], "missing counters are zero")
	assert.NotContains(t, s, "rx_packets")
	assert.Len(t, s, len(DefaultNICCounters))

	s, err = parseEthtool(strings.NewReader(ethtoolOutput), []string{"rx_packets"})
	require.NoError(t, err)
	assert.Equal(t, NICStats{"rx_packets": 12}, s)
}

func TestParseEthtoolBadValue(t *testing.T) {
	_, err := parseEthtool(strings.NewReader("rx_xdp_drop: lots\n"), nil)
	assert.Error(t, err)
}

func TestNICStatsSinceAndPrint(t *testing.T) {
	now := NICStats{"rx_bytes_phy": 3000, "rx_xdp_drop": 10}
	diff := now.Since(NICStats{"rx_bytes_phy": 1000, "rx_xdp_drop": 4})
	assert.Equal(t, NICStats{"rx_bytes_phy": 2000, "rx_xdp_drop": 6}, diff)

	var buf bytes.Buffer
	require.NoError(t, diff.Print(&buf, "eth0"))
	assert.Contains(t, buf.String(), "eth0 (nic):")
	assert.Contains(t, buf.String(), "2.0 kB (2,000)")
	assert.Contains(t, buf.String(), "rx_xdp_drop")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }

func TestNICStatsPrintWriteError(t *testing.T) {
	for _, s := range []NICStats{{"rx_bytes_phy": 1}, {"rx_xdp_drop": 1}} {
		assert.Error(t, s.Print(failingWriter{}, "eth0"))
	}
}
