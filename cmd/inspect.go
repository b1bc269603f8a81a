package cmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/divert/internal/core/checksum"
	"firestige.xyz/divert/internal/core/codec"
	"firestige.xyz/divert/internal/core/packet"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [hex]",
	Short: "Decode a hex packet and show its headers and checksums",
	Long: `Decode one raw IPv4/IPv6 packet given as hex, recompute its checksums
and print a summary. The packet is read from the argument, from --file, or
from stdin when neither is given. Whitespace, colons and a 0x prefix are ignored.

Examples:
  divert inspect 4500003c1c4640004006b1e6ac100a63ac100a0c...
  divert inspect -f packet.hex -o yaml --dump`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := inspectInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		raw, err := parseHex(text)
		if err != nil {
			return err
		}
		return inspect(cmd.OutOrStdout(), raw, inspectOpts)
	},
}

type inspectOptions struct {
	output string
	dump   bool
	file   string
}

var inspectOpts inspectOptions

func init() {
	inspectCmd.Flags().StringVarP(&inspectOpts.output, "output", "o", "text", "output format: text or yaml")
	inspectCmd.Flags().BoolVar(&inspectOpts.dump, "dump", false, "append the gopacket layer dump")
	inspectCmd.Flags().StringVarP(&inspectOpts.file, "file", "f", "", "read hex from file")
}

func inspectInput(stdin io.Reader, args []string) (string, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case inspectOpts.file != "":
		data, err := os.ReadFile(inspectOpts.file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", inspectOpts.file, err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
}

func parseHex(text string) ([]byte, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "0x")
	text = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, text)
	raw, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid hex input: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty packet")
	}
	return raw, nil
}

type packetSummary struct {
	Network       string           `yaml:"network"`
	Src           string           `yaml:"src"`
	Dst           string           `yaml:"dst"`
	Protocol      uint8            `yaml:"protocol"`
	Transport     string           `yaml:"transport"`
	SrcPort       uint16           `yaml:"src_port,omitempty"`
	DstPort       uint16           `yaml:"dst_port,omitempty"`
	Length        int              `yaml:"length"`
	PayloadLength int              `yaml:"payload_length"`
	Checksums     checksumsSummary `yaml:"checksums"`
	Fixed         string           `yaml:"fixed,omitempty"`
}

type checksumsSummary struct {
	IP        string `yaml:"ip,omitempty"`
	Transport string `yaml:"transport,omitempty"`
	Valid     bool   `yaml:"valid"`
}

func inspect(w io.Writer, raw []byte, o inspectOptions) error {
	p, err := codec.Decode(bytes.Clone(raw), codec.FamilyAny)
	if err != nil {
		return fmt.Errorf("decode failed: %w", err)
	}
	s := summarize(p)
	before := s.Checksums

	if err := checksum.RecomputeAll(p); err != nil {
		return fmt.Errorf("checksum recomputation failed: %w", err)
	}
	after := summarize(p).Checksums
	s.Checksums.Valid = before.IP == after.IP && before.Transport == after.Transport
	s.Checksums.IP = checksumChange(before.IP, after.IP)
	s.Checksums.Transport = checksumChange(before.Transport, after.Transport)
	if !bytes.Equal(p.Raw, raw) {
		s.Fixed = hex.EncodeToString(p.Raw)
	}

	switch o.output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	case "text", "":
		writeText(w, s)
	default:
		return fmt.Errorf("unsupported output format: %s (must be text or yaml)", o.output)
	}

	if o.dump {
		fmt.Fprintln(w)
		fmt.Fprint(w, codec.Dump(raw))
	}
	return nil
}

func checksumChange(before, after string) string {
	if before == after {
		return before
	}
	return before + " -> " + after
}

func summarize(p *packet.Packet) packetSummary {
	s := packetSummary{
		Src:           p.SrcAddr().String(),
		Dst:           p.DstAddr().String(),
		Protocol:      p.Protocol(),
		Transport:     p.Transport().String(),
		Length:        len(p.Raw),
		PayloadLength: p.Payload.Length,
	}
	if p.IPv4 != nil {
		s.Network = "ipv4"
		s.Checksums.IP = fmt.Sprintf("0x%04x", p.IPv4.Checksum)
	} else {
		s.Network = "ipv6"
	}
	s.SrcPort, s.DstPort = p.Ports()

	switch {
	case p.TCP != nil:
		s.Checksums.Transport = fmt.Sprintf("0x%04x", p.TCP.Checksum)
	case p.UDP != nil:
		s.Checksums.Transport = fmt.Sprintf("0x%04x", p.UDP.Checksum)
	case p.ICMP != nil:
		s.Checksums.Transport = fmt.Sprintf("0x%04x", p.ICMP.Checksum)
	case p.ICMPv6 != nil:
		s.Checksums.Transport = fmt.Sprintf("0x%04x", p.ICMPv6.Checksum)
	}
	return s
}

func writeText(w io.Writer, s packetSummary) {
	fmt.Fprintf(w, "%s %s -> %s proto %d (%s)\n", s.Network, s.Src, s.Dst, s.Protocol, s.Transport)
	if s.SrcPort != 0 || s.DstPort != 0 {
		fmt.Fprintf(w, "ports       %d -> %d\n", s.SrcPort, s.DstPort)
	}
	fmt.Fprintf(w, "length      %d (payload %d)\n", s.Length, s.PayloadLength)
	if s.Checksums.IP != "" {
		fmt.Fprintf(w, "ip csum     %s\n", s.Checksums.IP)
	}
	if s.Checksums.Transport != "" {
		fmt.Fprintf(w, "l4 csum     %s\n", s.Checksums.Transport)
	}
	if s.Checksums.Valid {
		fmt.Fprintln(w, "checksums   ok")
	} else {
		fmt.Fprintln(w, "checksums   fixed")
	}
	if s.Fixed != "" {
		fmt.Fprintf(w, "fixed       %s\n", s.Fixed)
	}
}
