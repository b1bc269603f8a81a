// Package addr converts between textual IPv4/IPv6 addresses and their
// network-byte-order binary forms.
package addr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"firestige.xyz/divert/internal/core"
)

// Address is a 128-bit address stored in network byte order.
// IPv4 addresses occupy the low 32 bits (bytes 12..15); the upper bytes are zero.
type Address [16]byte

// FromIPv4 builds an Address from a network-order IPv4 integer.
func FromIPv4(v uint32) Address {
	var a Address
	binary.BigEndian.PutUint32(a[12:], v)
	return a
}

// FromNetip converts a netip.Addr. IPv4 (and IPv4-mapped IPv6) addresses land in the low 32 bits.
func FromNetip(ip netip.Addr) Address {
	if ip.Is4() {
		b := ip.As4()
		return FromIPv4(binary.BigEndian.Uint32(b[:]))
	}
	return Address(ip.As16())
}

// IPv4 returns the low 32 bits as a network-order integer.
func (a Address) IPv4() uint32 { return binary.BigEndian.Uint32(a[12:]) }

// Is4 reports whether only the low 32 bits are set.
func (a Address) Is4() bool {
	for _, b := range a[:12] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Addr returns the address as a netip.Addr, treating it as IPv4 when Is4 reports true.
func (a Address) Addr() netip.Addr {
	if a.Is4() {
		return netip.AddrFrom4([4]byte(a[12:]))
	}
	return netip.AddrFrom16(a)
}

// ParseIPv4 parses a dotted-quad string into a network-order integer,
// so "192.168.1.1" yields 0xC0A80101.
func ParseIPv4(text string) (uint32, error) {
	parts := strings.Split(text, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("%w: %q: expected 4 segments, got %d", core.ErrInvalidAddressFormat, text, len(parts))
	}
	var v uint32
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return 0, fmt.Errorf("%w: %q: bad segment %q", core.ErrInvalidAddressFormat, text, p)
		}
		if len(p) > 1 && p[0] == '0' {
			return 0, fmt.Errorf("%w: %q: leading zero in segment %q", core.ErrInvalidAddressFormat, text, p)
		}
		for i := 0; i < len(p); i++ {
			if p[i] < '0' || p[i] > '9' {
				return 0, fmt.Errorf("%w: %q: non-numeric segment %q", core.ErrInvalidAddressFormat, text, p)
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return 0, fmt.Errorf("%w: %q: octet %q out of range", core.ErrInvalidAddressFormat, text, p)
		}
		v = v<<8 | uint32(n)
	}
	return v, nil
}

// FormatIPv4 renders a network-order integer as canonical dotted quad.
func FormatIPv4(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b).String()
}

// ParseIPv6 parses full or "::"-compressed colon-hex notation.
// Zones and IPv4 literals are rejected.
func ParseIPv6(text string) (Address, error) {
	if !strings.Contains(text, ":") || strings.Contains(text, "%") {
		return Address{}, fmt.Errorf("%w: %q is not an IPv6 address", core.ErrInvalidAddressFormat, text)
	}
	ip, err := netip.ParseAddr(text)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", core.ErrInvalidAddressFormat, err)
	}
	return Address(ip.As16()), nil
}

// FormatIPv6 renders a in RFC 5952 canonical form: lower-case hex,
// the longest run of two or more zero groups compressed to "::" (leftmost
// on ties), no leading zeros inside a group. IPv4-mapped addresses
// (::ffff:0:0/96) keep the dotted tail, e.g. "::ffff:1.2.3.4".
func FormatIPv6(a Address) string {
	if isMapped(a) {
		return "::ffff:" + FormatIPv4(a.IPv4())
	}

	var groups [8]uint16
	for i := range groups {
		groups[i] = binary.BigEndian.Uint16(a[2*i:])
	}

	bestStart, bestLen := -1, 0
	for i := 0; i < 8; {
		if groups[i] != 0 {
			i++
			continue
		}
		j := i
		for j < 8 && groups[j] == 0 {
			j++
		}
		if j-i > bestLen {
			bestStart, bestLen = i, j-i
		}
		i = j
	}
	if bestLen < 2 {
		bestStart = -1
	}

	var sb strings.Builder
	for i := 0; i < 8; i++ {
		if i == bestStart {
			sb.WriteString("::")
			i += bestLen - 1
			continue
		}
		if i > 0 && i != bestStart+bestLen {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatUint(uint64(groups[i]), 16))
	}
	return sb.String()
}

func isMapped(a Address) bool {
	for _, b := range a[:10] {
		if b != 0 {
			return false
		}
	}
	return a[10] == 0xff && a[11] == 0xff
}

// FormatIPv6Full renders all eight groups as four hex digits each,
// e.g. "2607:f0d0:1002:0051:0000:0000:0000:0004".
func FormatIPv6Full(a Address) string {
	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < 8; i++ {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%04x", binary.BigEndian.Uint16(a[2*i:]))
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (a Address) String() string {
	if a.Is4() {
		return FormatIPv4(a.IPv4())
	}
	return FormatIPv6(a)
}
