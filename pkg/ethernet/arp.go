package ethernet

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

// ArpEntry maps an IP to a MAC with a TTL; the zero Time means it never
// expires (the synthesized gateway entry, per spec §3).
type ArpEntry struct {
	MAC       netaddr.MAC
	ExpiresAt time.Time
}

func (e ArpEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// defaultEntryTTL bounds learned (non-gateway) entries.
const defaultEntryTTL = 5 * time.Minute

// ArpTable is the host-side ARP cache. The gateway entry is pinned forever;
// entries for the guest are learned from observed traffic and expire.
type ArpTable struct {
	mu         sync.Mutex
	entries    map[netaddr.IP]ArpEntry
	gatewayIP  netaddr.IP
	gatewayMAC netaddr.MAC
	hostMAC    netaddr.MAC
}

// NewArpTable seeds the table with the permanent gateway entry.
func NewArpTable(gatewayIP netaddr.IP, gatewayMAC netaddr.MAC) *ArpTable {
	t := &ArpTable{
		entries:    make(map[netaddr.IP]ArpEntry),
		gatewayIP:  gatewayIP,
		gatewayMAC: gatewayMAC,
		hostMAC:    gatewayMAC,
	}
	t.entries[gatewayIP] = ArpEntry{MAC: gatewayMAC}
	return t
}

// Learn records (or refreshes) a mapping observed from guest traffic.
func (t *ArpTable) Learn(ip netaddr.IP, mac netaddr.MAC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ip == t.gatewayIP {
		return // the gateway entry is pinned, never overwritten
	}
	t.entries[ip] = ArpEntry{MAC: mac, ExpiresAt: time.Now().Add(defaultEntryTTL)}
}

// Lookup resolves ip to a MAC if a live entry exists.
func (t *ArpTable) Lookup(ip netaddr.IP) (netaddr.MAC, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[ip]
	if !ok || e.expired(time.Now()) {
		return netaddr.MAC{}, false
	}
	return e.MAC, true
}

// HandleRequest inspects an inbound frame; if it is an ARP request for the
// gateway IP, it returns a reply frame and true. Any ARP request or reply
// also opportunistically learns the sender's IP/MAC.
func (t *ArpTable) HandleRequest(f *Frame) (*Frame, bool, error) {
	if f.EtherType != EtherTypeARP {
		return nil, false, nil
	}
	pkt := gopacket.NewPacket(f.Payload, layers.LayerTypeARP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok || arp == nil {
		return nil, false, errors.New("ethernet: malformed ARP payload")
	}

	if len(arp.SourceHwAddress) != 6 {
		return nil, false, errors.New("ethernet: malformed ARP sender hardware address")
	}
	senderIP, _ := netaddr.IPFromNetIP(net.IP(arp.SourceProtAddress))
	senderMAC := netaddr.MACFromBytes(arp.SourceHwAddress)
	t.Learn(senderIP, senderMAC)

	if arp.Operation != layers.ARPRequest {
		return nil, false, nil
	}
	targetIP, ok := netaddr.IPFromNetIP(net.IP(arp.DstProtAddress))
	if !ok || targetIP != t.gatewayIP {
		return nil, false, nil
	}

	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   t.gatewayMAC[:],
		SourceProtAddress: t.gatewayIP[:],
		DstHwAddress:      senderMAC[:],
		DstProtAddress:    senderIP[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, reply); err != nil {
		return nil, false, errors.Wrap(err, "serialize arp reply")
	}
	payload := make([]byte, len(buf.Bytes()))
	copy(payload, buf.Bytes())

	return &Frame{
		Dst:       senderMAC,
		Src:       t.gatewayMAC,
		EtherType: EtherTypeARP,
		Payload:   payload,
	}, true, nil
}

// BuildRequest constructs an ARP request frame used once to discover the
// guest MAC after DHCP assignment (spec §4.2).
func (t *ArpTable) BuildRequest(forIP netaddr.IP) (*Frame, error) {
	var zeroMAC netaddr.MAC
	req := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   t.gatewayMAC[:],
		SourceProtAddress: t.gatewayIP[:],
		DstHwAddress:      zeroMAC[:],
		DstProtAddress:    forIP[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, req); err != nil {
		return nil, errors.Wrap(err, "serialize arp request")
	}
	payload := make([]byte, len(buf.Bytes()))
	copy(payload, buf.Bytes())
	return &Frame{
		Dst:       netaddr.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Src:       t.gatewayMAC,
		EtherType: EtherTypeARP,
		Payload:   payload,
	}, nil
}
