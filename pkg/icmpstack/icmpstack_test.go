package icmpstack

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func buildEchoRequest(t *testing.T, id, seq uint16, payload []byte) []byte {
	t.Helper()
	req := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, req, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestEchoReplyMirrorsRequest(t *testing.T) {
	payload := []byte("ping-payload")
	raw := buildEchoRequest(t, 42, 7, payload)

	reply, err := EchoReply(raw)
	require.NoError(t, err)
	require.NotNil(t, reply)

	pkt := gopacket.NewPacket(reply, layers.LayerTypeICMPv4, gopacket.Default)
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	require.Equal(t, uint8(layers.ICMPv4TypeEchoReply), icmp.TypeCode.Type())
	require.Equal(t, uint16(42), icmp.Id)
	require.Equal(t, uint16(7), icmp.Seq)
	require.Equal(t, payload, []byte(icmp.Payload))
}

func TestEchoReplyIgnoresNonEchoRequest(t *testing.T) {
	unreachable := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 0),
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, unreachable))

	reply, err := EchoReply(buf.Bytes())
	require.NoError(t, err)
	require.Nil(t, reply)
}
