package dhcpv4

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

func addr(a, b, c, d byte) netaddr.IP { return netaddr.IP{a, b, c, d} }

func testSubnet() *net.IPNet {
	_, n, _ := net.ParseCIDR("10.0.2.0/24")
	return n
}

func TestDiscoverOfferThenRequestAck(t *testing.T) {
	guestIP := addr(10, 0, 2, 15)
	gatewayIP := addr(10, 0, 2, 2)
	dnsIP := addr(10, 0, 2, 3)
	clientMAC := netaddr.MAC{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

	s, err := NewServer(guestIP, gatewayIP, dnsIP, testSubnet(), 1500, time.Hour)
	require.NoError(t, err)

	discover, err := dhcpv4.NewDiscovery(clientMAC[:])
	require.NoError(t, err)

	offerBytes, err := s.Handle(discover.ToBytes(), clientMAC)
	require.NoError(t, err)
	require.NotNil(t, offerBytes)

	offer, err := dhcpv4.FromBytes(offerBytes)
	require.NoError(t, err)
	require.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	require.True(t, offer.YourIPAddr.Equal(guestIP.NetIP()))

	request, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)

	ackBytes, err := s.Handle(request.ToBytes(), clientMAC)
	require.NoError(t, err)
	ack, err := dhcpv4.FromBytes(ackBytes)
	require.NoError(t, err)
	require.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())
	require.True(t, ack.YourIPAddr.Equal(guestIP.NetIP()))
	require.True(t, ack.Router()[0].Equal(gatewayIP.NetIP()))
	require.True(t, ack.DNS()[0].Equal(dnsIP.NetIP()))

	lease := s.Lease()
	require.NotNil(t, lease)
	require.Equal(t, clientMAC, lease.ClientMAC)
}

func TestReusesIPAcrossReconnectForSameMAC(t *testing.T) {
	guestIP := addr(10, 0, 2, 15)
	gatewayIP := addr(10, 0, 2, 2)
	dnsIP := addr(10, 0, 2, 3)
	clientMAC := netaddr.MAC{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}

	s, err := NewServer(guestIP, gatewayIP, dnsIP, testSubnet(), 1500, time.Hour)
	require.NoError(t, err)

	discover, _ := dhcpv4.NewDiscovery(clientMAC[:])
	_, err = s.Handle(discover.ToBytes(), clientMAC)
	require.NoError(t, err)
	first := s.Lease().AssignedIP

	discover2, _ := dhcpv4.NewDiscovery(clientMAC[:])
	_, err = s.Handle(discover2.ToBytes(), clientMAC)
	require.NoError(t, err)
	second := s.Lease().AssignedIP

	require.Equal(t, first, second)
}

func TestRejectsGuestIPOutsideSubnet(t *testing.T) {
	_, err := NewServer(addr(192, 168, 1, 15), addr(10, 0, 2, 2), addr(10, 0, 2, 3), testSubnet(), 1500, time.Hour)
	require.Error(t, err)
}
