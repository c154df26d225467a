// Package icmpstack answers ICMP echo requests synthetically — the stack
// never forwards ICMP to any host path (spec §4.4): the guest sees
// connectivity to arbitrary addresses but no host reachability leaks.
package icmpstack

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// EchoReply builds a synthetic ICMPv4 echo reply for an inbound echo
// request payload (the ICMP message, not including the IP header). It
// returns (nil, nil) if the payload is not an echo request.
func EchoReply(icmpPayload []byte) ([]byte, error) {
	pkt := gopacket.NewPacket(icmpPayload, layers.LayerTypeICMPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	req, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok || req == nil {
		return nil, errors.New("icmpstack: not an ICMPv4 message")
	}
	if req.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, nil
	}

	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       req.Id,
		Seq:      req.Seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, reply, gopacket.Payload(req.Payload)); err != nil {
		return nil, errors.Wrap(err, "serialize icmp echo reply")
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// FragmentationNeeded builds a synthetic "fragmentation needed" ICMP message
// (type 3, code 4) per spec §4.5, carrying the offending datagram's header
// plus its first 8 bytes of payload, as RFC 1191 requires for PMTU discovery.
func FragmentationNeeded(originalIPPacket []byte, mtu int) ([]byte, error) {
	echoed := originalIPPacket
	if len(echoed) > 28 { // 20-byte IPv4 header + 8 bytes of payload
		echoed = echoed[:28]
	}
	msg := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeFragmentationNeeded),
		Seq:      uint16(mtu), // next-hop MTU, per RFC 1191 section 4
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, msg, gopacket.Payload(echoed)); err != nil {
		return nil, errors.Wrap(err, "serialize icmp fragmentation-needed")
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
