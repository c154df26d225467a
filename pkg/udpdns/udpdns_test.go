package udpdns

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeResolver answers canned A records without touching the network.
type fakeResolver struct {
	ips map[string][]string
	ttl uint32
}

func (f *fakeResolver) Exchange(m *dns.Msg) (*dns.Msg, error) {
	reply := new(dns.Msg)
	reply.SetReply(m)
	for _, q := range m.Question {
		name := normalizeName(q.Name)
		for _, ipStr := range f.ips[name] {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: f.ttl},
				A:   net.ParseIP(ipStr),
			})
		}
	}
	return reply, nil
}

func queryBytes(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func TestHandleResolvesAndClampsTTL(t *testing.T) {
	resolver := &fakeResolver{ips: map[string][]string{"example.com": {"93.184.216.34"}}, ttl: 3600}
	s := NewServer(resolver, 60*time.Second, 0, logrus.StandardLogger())

	respBytes, err := s.Handle(queryBytes(t, "example.com"))
	require.NoError(t, err)

	reply := new(dns.Msg)
	require.NoError(t, reply.Unpack(respBytes))
	require.Len(t, reply.Answer, 1)
	a := reply.Answer[0].(*dns.A)
	require.Equal(t, "93.184.216.34", a.A.String())
	require.LessOrEqual(t, a.Hdr.Ttl, uint32(60))
}

func TestHandleRecordsPin(t *testing.T) {
	resolver := &fakeResolver{ips: map[string][]string{"example.com": {"93.184.216.34"}}, ttl: 10}
	s := NewServer(resolver, 60*time.Second, 0, logrus.StandardLogger())

	_, err := s.Handle(queryBytes(t, "example.com"))
	require.NoError(t, err)

	host, ok := s.HostForIP(net.ParseIP("93.184.216.34"))
	require.True(t, ok)
	require.Equal(t, "example.com", host)
}

func TestConfirmPinTrueAndFalse(t *testing.T) {
	resolver := &fakeResolver{ips: map[string][]string{"example.com": {"93.184.216.34"}}, ttl: 10}
	s := NewServer(resolver, 60*time.Second, 0, logrus.StandardLogger())

	ok, err := s.ConfirmPin("example.com", net.ParseIP("93.184.216.34"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ConfirmPin("example.com", net.ParseIP("1.2.3.4"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPinCacheEvictsOldest(t *testing.T) {
	c := newPinCache(2)
	c.put("a.com", net.ParseIP("1.1.1.1"), time.Minute)
	c.put("b.com", net.ParseIP("2.2.2.2"), time.Minute)
	c.put("c.com", net.ParseIP("3.3.3.3"), time.Minute)

	_, ok := c.hostFor(net.ParseIP("1.1.1.1"))
	require.False(t, ok, "oldest entry should have been evicted")

	host, ok := c.hostFor(net.ParseIP("3.3.3.3"))
	require.True(t, ok)
	require.Equal(t, "c.com", host)
}

func TestPinCacheExpiry(t *testing.T) {
	c := newPinCache(10)
	c.put("a.com", net.ParseIP("1.1.1.1"), 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	_, ok := c.hostFor(net.ParseIP("1.1.1.1"))
	require.False(t, ok)
}
