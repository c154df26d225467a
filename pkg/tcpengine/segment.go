package tcpengine

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

// Segment is one parsed TCP segment plus the source/destination addresses
// needed to recompute the pseudo-header checksum on egress.
type Segment struct {
	SrcIP, DstIP     netaddr.IP
	SrcPort, DstPort netaddr.Port

	Seq, Ack uint32
	SYN, ACK, FIN, RST, PSH bool
	Window   uint16
	Payload  []byte
}

// ParseSegment decodes a raw TCP segment (the IPv4 payload) addressed
// src->dst.
func ParseSegment(raw []byte, src, dst netaddr.IP) (*Segment, error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeTCP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || tcp == nil {
		return nil, errors.New("tcpengine: malformed TCP segment")
	}
	return &Segment{
		SrcIP: src, DstIP: dst,
		SrcPort: netaddr.Port(tcp.SrcPort), DstPort: netaddr.Port(tcp.DstPort),
		Seq: tcp.Seq, Ack: tcp.Ack,
		SYN: tcp.SYN, ACK: tcp.ACK, FIN: tcp.FIN, RST: tcp.RST, PSH: tcp.PSH,
		Window:  tcp.Window,
		Payload: tcp.Payload,
	}, nil
}

// Serialize re-encodes the segment with a freshly computed checksum.
func (s *Segment) Serialize() ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		SYN:     s.SYN,
		ACK:     s.ACK,
		FIN:     s.FIN,
		RST:     s.RST,
		PSH:     s.PSH,
		Window:  s.Window,
		DataOffset: 5,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    s.SrcIP.NetIP(),
		DstIP:    s.DstIP.NetIP(),
		Protocol: layers.IPProtocolTCP,
	}
	if err := tcp.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, errors.Wrap(err, "tcpengine: set checksum network layer")
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp, gopacket.Payload(s.Payload)); err != nil {
		return nil, errors.Wrap(err, "tcpengine: serialize segment")
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// seqLen returns how many sequence numbers this segment consumes: payload
// length, plus one each for SYN and FIN (RFC 793 §3.3).
func (s *Segment) seqLen() uint32 {
	n := uint32(len(s.Payload))
	if s.SYN {
		n++
	}
	if s.FIN {
		n++
	}
	return n
}
