// Package ethernet demultiplexes EtherType on frames from frameio and
// maintains the ARP cache that answers for the synthetic host-side gateway
// MAC (spec §4.2).
package ethernet

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

// EtherType values this stack cares about; anything else is dropped.
const (
	EtherTypeIPv4 = uint16(layers.EthernetTypeIPv4)
	EtherTypeARP  = uint16(layers.EthernetTypeARP)
)

// Frame is a parsed Ethernet II frame. Invariant: len(Payload) <= MTU,
// enforced by the caller before Serialize is used for egress.
type Frame struct {
	Dst, Src  netaddr.MAC
	EtherType uint16
	Payload   []byte
}

// Parse decodes a raw Ethernet frame. Frames shorter than the minimum header
// are rejected as a LinkError-class condition by the caller.
func Parse(raw []byte) (*Frame, error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy: true, NoCopy: true,
	})
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || eth == nil {
		return nil, errors.New("ethernet: not a valid Ethernet II frame")
	}
	return &Frame{
		Dst:       netaddr.MACFromBytes(eth.DstMAC),
		Src:       netaddr.MACFromBytes(eth.SrcMAC),
		EtherType: uint16(eth.EthernetType),
		Payload:   eth.Payload,
	}, nil
}

// Serialize re-encodes the frame for egress to the guest.
func (f *Frame) Serialize() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	eth := &layers.Ethernet{
		SrcMAC:       f.Src[:],
		DstMAC:       f.Dst[:],
		EthernetType: layers.EthernetType(f.EtherType),
	}
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(f.Payload)); err != nil {
		return nil, errors.Wrap(err, "serialize ethernet frame")
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// Accepted reports whether dst is addressed to hostMAC or broadcast — any
// other destination is silently dropped per spec §4.2.
func Accepted(dst, hostMAC netaddr.MAC) bool {
	return dst == hostMAC || dst.IsBroadcast()
}
