package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/core/layout"
	"firestige.xyz/divert/internal/core/packettest"
)

func samplePacket(t *testing.T) []byte {
	t.Helper()
	raw, err := packettest.TCP(packettest.Flow{
		Src: "192.168.1.1", Dst: "10.0.0.2", SrcPort: 40000, DstPort: 23, Payload: []byte("login"),
	})
	require.NoError(t, err)
	return raw
}

func TestParseHex(t *testing.T) {
	raw, err := parseHex("0x45 00:00\n14")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 0x00, 0x00, 0x14}, raw)

	_, err = parseHex("zz")
	assert.Error(t, err)
	_, err = parseHex("  ")
	assert.Error(t, err)
}

func TestInspectValidPacket(t *testing.T) {
	raw := samplePacket(t)

	var out bytes.Buffer
	require.NoError(t, inspect(&out, raw, inspectOptions{output: "text"}))

	text := out.String()
	assert.Contains(t, text, "ipv4 192.168.1.1 -> 10.0.0.2 proto 6 (tcp)")
	assert.Contains(t, text, "ports       40000 -> 23")
	assert.Contains(t, text, "checksums   ok")
}

func TestInspectFixesChecksums(t *testing.T) {
	raw := samplePacket(t)
	broken := bytes.Clone(raw)
	binary.BigEndian.PutUint16(broken[20+layout.TCPChecksumOffset:], 0)

	var out bytes.Buffer
	require.NoError(t, inspect(&out, broken, inspectOptions{output: "yaml"}))

	var s packetSummary
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, "ipv4", s.Network)
	assert.Equal(t, "tcp", s.Transport)
	assert.Equal(t, uint16(23), s.DstPort)
	assert.Equal(t, 5, s.PayloadLength)
	assert.False(t, s.Checksums.Valid)
	assert.True(t, strings.HasPrefix(s.Checksums.Transport, "0x0000 -> "))
	assert.Equal(t, hex.EncodeToString(raw), s.Fixed)
}

func TestInspectLengthOnlyFix(t *testing.T) {
	raw, err := packettest.TCP(packettest.Flow{
		Src: "2001:db8::1", Dst: "2001:db8::2", SrcPort: 40000, DstPort: 443, Payload: []byte("hello"),
	})
	require.NoError(t, err)
	// IPv6 payload length is not covered by any checksum
	broken := bytes.Clone(raw)
	binary.BigEndian.PutUint16(broken[4:], binary.BigEndian.Uint16(raw[4:])+8)

	var out bytes.Buffer
	require.NoError(t, inspect(&out, broken, inspectOptions{output: "yaml"}))

	var s packetSummary
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &s))
	assert.True(t, s.Checksums.Valid)
	assert.NotContains(t, s.Checksums.Transport, "->")
	assert.Equal(t, hex.EncodeToString(raw), s.Fixed)
}

func TestInspectErrors(t *testing.T) {
	var out bytes.Buffer
	err := inspect(&out, []byte{0x10, 0x00}, inspectOptions{})
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)

	err = inspect(&out, samplePacket(t), inspectOptions{output: "xml"})
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	defer func() { inspectOpts = inspectOptions{} }()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(hex.EncodeToString(samplePacket(t))))
	rootCmd.SetArgs([]string{"inspect", "--dump"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "checksums   ok")
	assert.Contains(t, out.String(), "IPv4")
	assert.Contains(t, out.String(), "TCP")
}

func TestRunRelayMemoryDriver(t *testing.T) {
	t.Setenv("DIVERT_DRIVER_KIND", "memory")
	t.Setenv("DIVERT_RELAY_WORKERS", "2")
	configFile = ""

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, runRelay(ctx, relayCmd))

	require.NoError(t, relayCmd.Flags().Set("redirect", "not-an-ip"))
	defer func() {
		relayCmd.Flags().Lookup("redirect").Changed = false
		relayRedirect = ""
	}()
	err := runRelay(ctx, relayCmd)
	assert.ErrorIs(t, err, core.ErrInvalidAddressFormat)
}

func TestRunRelayUnavailableDriver(t *testing.T) {
	t.Setenv("DIVERT_DRIVER_KIND", "pcap")
	configFile = ""
	err := runRelay(context.Background(), relayCmd)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
