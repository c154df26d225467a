// Package dhcpv4 serves the single fixed-address lease the guest NIC uses,
// per spec §4.3. Message encode/decode is delegated to insomniacslk/dhcp,
// the library the rest of the pack reaches for when hand-building DHCP
// wire messages.
package dhcpv4

import (
	"net"
	"sync"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ozanturksever/gondolin/pkg/netaddr"
)

// Lease is the single record this server ever hands out, per spec §3.
type Lease struct {
	ClientMAC    netaddr.MAC
	AssignedIP   netaddr.IP
	GatewayIP    netaddr.IP
	DNSIP        netaddr.IP
	LeaseSeconds uint32
	ExpiresAt    time.Time
}

// Server is a single-address DHCPv4 lease pool: it always offers the same
// guest IP and simply refreshes the lease record on REQUEST, reusing the
// same IP across reconnects for the same client MAC (spec §4.3).
type Server struct {
	mu sync.Mutex

	guestIP   netaddr.IP
	gatewayIP netaddr.IP
	dnsIP     netaddr.IP
	mtu       int
	leaseTime time.Duration

	lease *Lease
}

// NewServer builds a server advertising guestIP as its one lease. subnet
// bounds the pool this single address is drawn from; NewServer rejects a
// guestIP that falls outside it the same way pkg/tap/ip_pool.go's address
// pool validates assignments against its base network.
func NewServer(guestIP, gatewayIP, dnsIP netaddr.IP, subnet *net.IPNet, mtu int, leaseTime time.Duration) (*Server, error) {
	if leaseTime <= 0 {
		leaseTime = time.Hour
	}
	if subnet != nil {
		first, last := cidr.AddressRange(subnet)
		if !inRange(guestIP.NetIP(), first, last) {
			return nil, errors.Errorf("dhcpv4: guest IP %s outside subnet %s", guestIP, subnet)
		}
	}
	return &Server{
		guestIP:   guestIP,
		gatewayIP: gatewayIP,
		dnsIP:     dnsIP,
		mtu:       mtu,
		leaseTime: leaseTime,
	}, nil
}

func inRange(ip, first, last net.IP) bool {
	return compareIP(ip, first) >= 0 && compareIP(ip, last) <= 0
}

func compareIP(a, b net.IP) int {
	a4, b4 := a.To4(), b.To4()
	for i := range a4 {
		if a4[i] != b4[i] {
			if a4[i] < b4[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Lease returns the current lease record, if one has been created.
func (s *Server) Lease() *Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lease
}

// Handle parses one inbound DHCP message from the guest and returns the wire
// bytes of the reply, or (nil, nil) if the message type requires no reply.
func (s *Server) Handle(payload []byte, clientMAC netaddr.MAC) ([]byte, error) {
	req, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return nil, errors.Wrap(err, "dhcpv4: malformed request")
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return s.reply(req, clientMAC, dhcpv4.MessageTypeOffer)
	case dhcpv4.MessageTypeRequest:
		return s.reply(req, clientMAC, dhcpv4.MessageTypeAck)
	default:
		log.WithField("type", req.MessageType().String()).Debug("dhcpv4: ignoring message type")
		return nil, nil
	}
}

func (s *Server) reply(req *dhcpv4.DHCPv4, clientMAC netaddr.MAC, mt dhcpv4.MessageType) ([]byte, error) {
	s.mu.Lock()
	if s.lease == nil || s.lease.ClientMAC != clientMAC {
		s.lease = &Lease{ClientMAC: clientMAC, AssignedIP: s.guestIP, GatewayIP: s.gatewayIP, DNSIP: s.dnsIP}
	}
	s.lease.LeaseSeconds = uint32(s.leaseTime / time.Second)
	s.lease.ExpiresAt = time.Now().Add(s.leaseTime)
	s.mu.Unlock()

	resp, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(mt),
		dhcpv4.WithServerIP(s.gatewayIP.NetIP()),
		dhcpv4.WithYourIP(s.guestIP.NetIP()),
		dhcpv4.WithNetmask(net.CIDRMask(24, 32)),
		dhcpv4.WithRouter(s.gatewayIP.NetIP()),
		dhcpv4.WithDNS(s.dnsIP.NetIP()),
		dhcpv4.WithLeaseTime(uint32(s.leaseTime/time.Second)),
		dhcpv4.WithOption(dhcpv4.Option{Code: dhcpv4.OptionInterfaceMTU, Value: dhcpv4.Uint16(uint16(s.mtu))}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "dhcpv4: build reply")
	}
	return resp.ToBytes(), nil
}
