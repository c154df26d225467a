package tcpengine

import (
	"fmt"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

// FlowKey is the 4-tuple uniquely identifying an active flow (spec §3).
type FlowKey struct {
	LocalIP    netaddr.IP
	LocalPort  netaddr.Port
	RemoteIP   netaddr.IP
	RemotePort netaddr.Port
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%s<->%s:%s", k.RemoteIP, k.RemotePort, k.LocalIP, k.LocalPort)
}

// keyFromSegment builds the key as seen from the host's perspective: "local"
// is the guest (the segment's source), "remote" is the destination the
// guest is connecting to.
func keyFromSegment(s *Segment) FlowKey {
	return FlowKey{
		LocalIP: s.SrcIP, LocalPort: s.SrcPort,
		RemoteIP: s.DstIP, RemotePort: s.DstPort,
	}
}
