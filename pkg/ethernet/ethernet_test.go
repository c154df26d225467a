package ethernet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	src := netaddr.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dst := netaddr.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	f := &Frame{Dst: dst, Src: src, EtherType: EtherTypeIPv4, Payload: []byte{1, 2, 3, 4}}

	raw, err := f.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, dst, parsed.Dst)
	require.Equal(t, src, parsed.Src)
	require.Equal(t, EtherTypeIPv4, parsed.EtherType)
	require.Equal(t, []byte{1, 2, 3, 4}, parsed.Payload)
}

func TestAccepted(t *testing.T) {
	host := netaddr.MAC{0x02, 0, 0, 0, 0, 1}
	other := netaddr.MAC{0x02, 0, 0, 0, 0, 9}
	broadcast := netaddr.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	require.True(t, Accepted(host, host))
	require.True(t, Accepted(broadcast, host))
	require.False(t, Accepted(other, host))
}

func TestArpTableAnswersForGateway(t *testing.T) {
	gatewayIP, _ := netaddr.IPFromNetIP([]byte{10, 0, 2, 2})
	gatewayMAC := netaddr.MAC{0x02, 0, 0, 0, 0, 1}
	table := NewArpTable(gatewayIP, gatewayMAC)

	guestIP, _ := netaddr.IPFromNetIP([]byte{10, 0, 2, 15})
	guestMAC := netaddr.MAC{0x02, 0, 0, 0, 0, 2}

	reqFrame, err := buildTestArpRequest(guestMAC, guestIP, gatewayIP)
	require.NoError(t, err)

	reply, answered, err := table.HandleRequest(reqFrame)
	require.NoError(t, err)
	require.True(t, answered)
	require.Equal(t, guestMAC, reply.Dst)
	require.Equal(t, gatewayMAC, reply.Src)

	mac, ok := table.Lookup(guestIP)
	require.True(t, ok)
	require.Equal(t, guestMAC, mac)
}

func TestArpTableNeverExpiresGateway(t *testing.T) {
	gatewayIP, _ := netaddr.IPFromNetIP([]byte{10, 0, 2, 2})
	gatewayMAC := netaddr.MAC{0x02, 0, 0, 0, 0, 1}
	table := NewArpTable(gatewayIP, gatewayMAC)

	table.Learn(gatewayIP, netaddr.MAC{0x02, 0, 0, 0, 0, 99})
	mac, ok := table.Lookup(gatewayIP)
	require.True(t, ok)
	require.Equal(t, gatewayMAC, mac, "gateway entry must not be overwritten by Learn")
}

func buildTestArpRequest(senderMAC netaddr.MAC, senderIP, targetIP netaddr.IP) (*Frame, error) {
	table := NewArpTable(senderIP, senderMAC)
	return table.BuildRequest(targetIP)
}
