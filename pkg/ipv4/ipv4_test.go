package ipv4

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	d := &Datagram{
		TTL:      64,
		Protocol: ProtocolTCP,
		ID:       1234,
		Src:      netaddr.IP{10, 0, 2, 15},
		Dst:      netaddr.IP{93, 184, 216, 34},
		Payload:  []byte{0xde, 0xad, 0xbe, 0xef},
	}
	raw, err := d.Serialize()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, d.Src, parsed.Src)
	require.Equal(t, d.Dst, parsed.Dst)
	require.Equal(t, d.Protocol, parsed.Protocol)
	require.Equal(t, d.Payload, parsed.Payload)
	require.True(t, parsed.DontFrag, "DF must always be set on egress")
}

func TestParseRejectsBadChecksum(t *testing.T) {
	d := &Datagram{TTL: 64, Protocol: ProtocolUDP, Src: netaddr.IP{10, 0, 2, 15}, Dst: netaddr.IP{10, 0, 2, 2}}
	raw, err := d.Serialize()
	require.NoError(t, err)

	raw[10] ^= 0xff
	raw[11] ^= 0xff

	_, err = Parse(raw)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestIsLocal(t *testing.T) {
	self := netaddr.IP{10, 0, 2, 15}
	gw := netaddr.IP{10, 0, 2, 2}
	other := netaddr.IP{8, 8, 8, 8}
	require.True(t, IsLocal(self, self, gw))
	require.True(t, IsLocal(gw, self, gw))
	require.False(t, IsLocal(other, self, gw))
}
