// Package netaddr defines the fixed-width address types shared by every
// layer of the virtual network stack.
package netaddr

import (
	"fmt"
	"net"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// MACFromBytes builds a MAC from a slice, panicking if the length is wrong.
// Callers only ever pass slices already validated to be 6 bytes (frame
// headers, ARP cache keys), so a panic here indicates a parsing bug upstream.
func MACFromBytes(b []byte) MAC {
	if len(b) != 6 {
		panic("netaddr: MACFromBytes: wrong length")
	}
	var m MAC
	copy(m[:], b)
	return m
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// IsBroadcast reports whether m is the Ethernet broadcast address.
func (m MAC) IsBroadcast() bool {
	return m == MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// IP is an IPv4 address. IPv6 is out of scope (spec non-goal).
type IP [4]byte

// IPFromNetIP converts a net.IP (v4 or v4-in-v6) to an IP, returning false if
// the address is not a valid IPv4 address.
func IPFromNetIP(ip net.IP) (IP, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return IP{}, false
	}
	var out IP
	copy(out[:], v4)
	return out, true
}

func (ip IP) NetIP() net.IP {
	return net.IPv4(ip[0], ip[1], ip[2], ip[3])
}

func (ip IP) String() string {
	return ip.NetIP().String()
}

// Port is a TCP/UDP port number.
type Port uint16

func (p Port) String() string {
	return fmt.Sprintf("%d", uint16(p))
}
