// Package vnet wires every layer of the virtual network core into one
// running stack: it owns the frame link, demultiplexes Ethernet/ARP/IPv4,
// answers DHCP and ICMP and DNS synthetically, drives the TCP engine, and
// hands each established flow to the classifier and then to either the TLS
// MITM terminator or the HTTP mediator. Nothing below this package knows
// about any of the others; this is the only place that does.
package vnet

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ozanturksever/gondolin/pkg/certstore"
	"github.com/ozanturksever/gondolin/pkg/classifier"
	"github.com/ozanturksever/gondolin/pkg/dhcpv4"
	"github.com/ozanturksever/gondolin/pkg/ethernet"
	"github.com/ozanturksever/gondolin/pkg/frameio"
	"github.com/ozanturksever/gondolin/pkg/httpmediator"
	"github.com/ozanturksever/gondolin/pkg/httptypes"
	"github.com/ozanturksever/gondolin/pkg/icmpstack"
	"github.com/ozanturksever/gondolin/pkg/ipv4"
	"github.com/ozanturksever/gondolin/pkg/netaddr"
	"github.com/ozanturksever/gondolin/pkg/policy"
	"github.com/ozanturksever/gondolin/pkg/tcpengine"
	"github.com/ozanturksever/gondolin/pkg/tlsmitm"
	"github.com/ozanturksever/gondolin/pkg/types"
	"github.com/ozanturksever/gondolin/pkg/udpdns"
)

// statsInterval is how often Run logs cumulative byte counters.
const statsInterval = 30 * time.Second

// Network is one running instance of the virtual network core, bound to a
// single accepted guest frame socket.
type Network struct {
	cfg  types.Configuration
	link *frameio.Link

	selfIP     netaddr.IP // the synthesized gateway/host identity
	guestIP    netaddr.IP // the single lease this stack ever hands out
	gatewayMAC netaddr.MAC

	mu           sync.Mutex
	lastGuestMAC netaddr.MAC // learned from the most recent inbound frame
	ipID         uint32

	arp    *ethernet.ArpTable
	dhcp   *dhcpv4.Server
	dns    *udpdns.Server
	engine *tcpengine.Engine

	certs    *certstore.Store
	policy   *policy.Engine
	mediator *httpmediator.Mediator
	tlsTerm  *tlsmitm.Terminator

	ctx   context.Context
	group errgroup.Group

	log log.FieldLogger
}

// New builds a Network over an already-accepted QEMU frame socket
// connection, performing the host-to-guest handshake and wiring every
// component named in cfg.
func New(cfg types.Configuration, conn net.Conn, logger log.FieldLogger) (*Network, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	upstream, err := udpdns.NewUpstreamResolver()
	if err != nil {
		return nil, errors.Wrap(err, "vnet: build dns resolver")
	}
	return newNetwork(cfg, conn, logger, upstream)
}

// newNetwork does the real construction work, taking the upstream DNS
// resolver as a parameter so tests can supply a fake one instead of reading
// the host's /etc/resolv.conf.
func newNetwork(cfg types.Configuration, conn net.Conn, logger log.FieldLogger, upstream udpdns.Resolver) (*Network, error) {
	selfIP, ok := netaddr.IPFromNetIP(net.ParseIP(cfg.GatewayIP))
	if !ok {
		return nil, errors.Errorf("vnet: invalid gateway IP %q", cfg.GatewayIP)
	}
	guestIP, ok := netaddr.IPFromNetIP(net.ParseIP(cfg.GuestIP))
	if !ok {
		return nil, errors.Errorf("vnet: invalid guest IP %q", cfg.GuestIP)
	}
	dnsIP, ok := netaddr.IPFromNetIP(net.ParseIP(cfg.DNSIP))
	if !ok {
		return nil, errors.Errorf("vnet: invalid dns IP %q", cfg.DNSIP)
	}
	rawMAC, err := net.ParseMAC(cfg.GatewayMacAddress)
	if err != nil {
		return nil, errors.Wrap(err, "vnet: parse gateway MAC")
	}
	if len(rawMAC) != 6 {
		return nil, errors.Errorf("vnet: gateway MAC %q is not 6 bytes", cfg.GatewayMacAddress)
	}
	gatewayMAC := netaddr.MACFromBytes(rawMAC)

	vmCIDR := fmt.Sprintf("%s/%d", cfg.GuestIP, maskBits(cfg.SubnetMask))
	_, subnet, err := net.ParseCIDR(vmCIDR)
	if err != nil {
		return nil, errors.Wrap(err, "vnet: parse guest subnet")
	}

	link, err := frameio.Accept(conn, cfg.MTU, cfg.GatewayIP, vmCIDR)
	if err != nil {
		return nil, errors.Wrap(err, "vnet: accept frame link")
	}

	leaseTime := cfg.LeaseTime
	if leaseTime <= 0 {
		leaseTime = time.Hour
	}
	dhcpServer, err := dhcpv4.NewServer(guestIP, selfIP, dnsIP, subnet, cfg.MTU, leaseTime)
	if err != nil {
		return nil, errors.Wrap(err, "vnet: build dhcp server")
	}

	dnsServer := udpdns.NewServer(upstream, udpdns.DefaultMaxTTL, 0, logger)

	mitmDir := cfg.MitmDir
	if mitmDir == "" {
		mitmDir = "."
	}
	if err := os.MkdirAll(mitmDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "vnet: create mitm directory")
	}
	certs, err := certstore.LoadOrGenerateCA(filepath.Join(mitmDir, "ca.crt"), filepath.Join(mitmDir, "ca.key"), logger)
	if err != nil {
		return nil, errors.Wrap(err, "vnet: load mitm CA")
	}

	policyEngine := policy.New(policy.Config{
		AllowedHosts:        cfg.Policy.AllowedHosts,
		BlockInternalRanges: cfg.Policy.BlockInternalRanges,
		Secrets:             convertSecrets(cfg.Policy.Secrets),
		HTTPPorts:           cfg.Policy.PortsAllowed.HTTP,
		TLSPorts:            cfg.Policy.PortsAllowed.TLS,
	})

	hooks := httpmediator.Hooks{
		BeforeRequest: adaptRequestHook(cfg.OnRequest, logger),
		AfterResponse: adaptResponseHook(cfg.OnResponse, logger),
	}
	resolver := &dnsResolverAdapter{upstream: upstream}
	mediator := httpmediator.New(policyEngine, resolver, hooks, nil, logger)
	tlsTerm := tlsmitm.New(certs, mediator, nil, nil, logger)

	n := &Network{
		cfg:        cfg,
		link:       link,
		selfIP:     selfIP,
		guestIP:    guestIP,
		gatewayMAC: gatewayMAC,
		arp:        ethernet.NewArpTable(selfIP, gatewayMAC),
		dhcp:       dhcpServer,
		dns:        dnsServer,
		certs:      certs,
		policy:     policyEngine,
		mediator:   mediator,
		tlsTerm:    tlsTerm,
		log:        logger,
		ctx:        context.Background(),
	}

	maxFlows := cfg.MaxFlows
	if maxFlows <= 0 {
		maxFlows = 1024
	}
	n.engine = tcpengine.NewEngine(maxFlows, n.transmitSegment, n.onAccept, logger)

	return n, nil
}

// BytesSent returns the cumulative number of bytes written to the guest.
func (n *Network) BytesSent() uint64 { return n.link.BytesSent() }

// BytesReceived returns the cumulative number of bytes read from the guest.
func (n *Network) BytesReceived() uint64 { return n.link.BytesReceived() }

// CACertPEM exposes the MITM CA certificate so a caller can provision it
// into the guest image's trust store (spec §4.12).
func (n *Network) CACertPEM() ([]byte, error) { return n.certs.CACertPEM() }

// Run drives the network until ctx is cancelled or the guest link fails.
func (n *Network) Run(ctx context.Context) error {
	n.ctx = ctx

	n.group.Go(func() error {
		<-ctx.Done()
		return n.link.Close()
	})
	n.group.Go(func() error {
		n.logStats(ctx)
		return nil
	})
	n.group.Go(n.readLoop)

	if err := n.group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (n *Network) readLoop() error {
	for {
		frame, err := n.link.ReadFrame()
		if err != nil {
			if errors.Is(err, frameio.ErrLinkClosed) {
				return nil
			}
			return errors.Wrap(err, "vnet: read frame")
		}
		if err := n.handleFrame(frame); err != nil {
			n.log.WithError(err).Debug("vnet: dropping frame")
		}
	}
}

func (n *Network) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.log.WithFields(log.Fields{
				"sent":     humanize.Bytes(n.BytesSent()),
				"received": humanize.Bytes(n.BytesReceived()),
				"flows":    n.engine.NumFlows(),
			}).Info("vnet: stats")
		}
	}
}

// handleFrame demultiplexes one inbound Ethernet frame from the guest.
func (n *Network) handleFrame(raw []byte) error {
	f, err := ethernet.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "vnet: parse ethernet frame")
	}
	if !ethernet.Accepted(f.Dst, n.gatewayMAC) {
		return nil
	}

	n.mu.Lock()
	n.lastGuestMAC = f.Src
	n.mu.Unlock()

	switch f.EtherType {
	case ethernet.EtherTypeARP:
		return n.handleARP(f)
	case ethernet.EtherTypeIPv4:
		return n.handleIPv4(f)
	default:
		return nil
	}
}

func (n *Network) handleARP(f *ethernet.Frame) error {
	reply, ok, err := n.arp.HandleRequest(f)
	if err != nil {
		return errors.Wrap(err, "vnet: handle arp")
	}
	if !ok {
		return nil
	}
	return n.sendFrame(reply)
}

func (n *Network) handleIPv4(f *ethernet.Frame) error {
	dgram, err := ipv4.Parse(f.Payload)
	if err != nil {
		if errors.Is(err, ipv4.ErrFragmented) {
			return n.sendFragmentationNeeded(f.Payload)
		}
		return errors.Wrap(err, "vnet: parse ipv4 datagram")
	}

	switch dgram.Protocol {
	case ipv4.ProtocolICMP:
		return n.handleICMP(dgram)
	case ipv4.ProtocolUDP:
		return n.handleUDP(dgram)
	case ipv4.ProtocolTCP:
		return n.handleTCP(dgram)
	default:
		return nil
	}
}

func (n *Network) sendFragmentationNeeded(raw []byte) error {
	src, dst, ok := peekIPv4Addrs(raw)
	if !ok {
		return nil
	}
	reply, err := icmpstack.FragmentationNeeded(raw, n.cfg.MTU)
	if err != nil {
		return errors.Wrap(err, "vnet: build fragmentation-needed reply")
	}
	return n.sendIPv4Reply(dst, src, ipv4.ProtocolICMP, reply)
}

func (n *Network) handleICMP(dgram *ipv4.Datagram) error {
	reply, err := icmpstack.EchoReply(dgram.Payload)
	if err != nil {
		n.log.WithError(err).Debug("vnet: icmp echo reply")
		return nil
	}
	if reply == nil {
		return nil
	}
	return n.sendIPv4Reply(dgram.Dst, dgram.Src, ipv4.ProtocolICMP, reply)
}

func (n *Network) handleUDP(dgram *ipv4.Datagram) error {
	srcPort, dstPort, payload, err := parseUDP(dgram.Payload)
	if err != nil {
		return errors.Wrap(err, "vnet: parse udp datagram")
	}
	switch dstPort {
	case 53:
		return n.handleDNS(dgram, srcPort, payload)
	case 67:
		return n.handleDHCP(payload)
	default:
		return nil // spec §4.6: anything but DNS (and DHCP's own ports) is dropped silently
	}
}

func (n *Network) handleDNS(dgram *ipv4.Datagram, guestPort uint16, query []byte) error {
	reply, err := n.dns.Handle(query)
	if err != nil {
		return errors.Wrap(err, "vnet: dns handle")
	}
	udpPayload, err := buildUDP(53, guestPort, dgram.Dst, dgram.Src, reply)
	if err != nil {
		return err
	}
	return n.sendIPv4Reply(dgram.Dst, dgram.Src, ipv4.ProtocolUDP, udpPayload)
}

func (n *Network) handleDHCP(payload []byte) error {
	n.mu.Lock()
	clientMAC := n.lastGuestMAC
	n.mu.Unlock()

	reply, err := n.dhcp.Handle(payload, clientMAC)
	if err != nil {
		return errors.Wrap(err, "vnet: dhcp handle")
	}
	if reply == nil {
		return nil
	}
	udpPayload, err := buildUDP(67, 68, n.selfIP, n.guestIP, reply)
	if err != nil {
		return err
	}
	return n.sendIPv4Reply(n.selfIP, n.guestIP, ipv4.ProtocolUDP, udpPayload)
}

// rebindOK re-resolves the DNS pin for remoteIP, if one exists, and refuses
// the connect attempt when the guest's earlier answer no longer matches
// (spec §4.6, §4.9 step 4 — rebind defense at connect time).
func (n *Network) rebindOK(remoteIP netaddr.IP) bool {
	host, ok := n.dns.HostForIP(remoteIP.NetIP())
	if !ok {
		return true
	}
	confirmed, err := n.dns.ConfirmPin(host, remoteIP.NetIP())
	if err != nil {
		n.log.WithError(err).Debug("vnet: rebind confirm failed, allowing")
		return true
	}
	return confirmed
}

func (n *Network) handleTCP(dgram *ipv4.Datagram) error {
	seg, err := tcpengine.ParseSegment(dgram.Payload, dgram.Src, dgram.Dst)
	if err != nil {
		return errors.Wrap(err, "vnet: parse tcp segment")
	}
	if seg.SYN && !seg.ACK && !seg.RST && !n.rebindOK(seg.DstIP) {
		n.log.WithField("remote", seg.DstIP.String()).Warn("vnet: dns rebind check failed, refusing connect")
		n.sendStrayReset(seg)
		return nil
	}
	return n.engine.HandleSegment(seg)
}

// sendStrayReset refuses a SYN the rebind check rejected. The incoming
// segment is a bare SYN with no payload, so it always consumes exactly one
// sequence number.
func (n *Network) sendStrayReset(seg *tcpengine.Segment) {
	rst := &tcpengine.Segment{
		SrcIP: seg.DstIP, DstIP: seg.SrcIP,
		SrcPort: seg.DstPort, DstPort: seg.SrcPort,
		RST: true, ACK: true,
		Ack: seg.Seq + 1,
	}
	_ = n.transmitSegment(rst)
}

// onAccept is the tcpengine.AcceptFunc: it classifies a freshly-established
// flow and hands it to the matching mediator.
func (n *Network) onAccept(c *tcpengine.Connection) {
	n.group.Go(func() error {
		return n.serveFlow(c)
	})
}

func (n *Network) serveFlow(c *tcpengine.Connection) error {
	flowLog := n.log.WithField("flow", c.Key().String()).WithField("conn_id", c.ID.String())
	class, stream := classifier.Classify(c, flowLog)

	ctx, cancel := context.WithCancel(n.ctx)
	defer cancel()
	ctx = httpmediator.WithLogger(ctx, flowLog)

	switch class {
	case tcpengine.ClassificationTLS:
		if err := n.tlsTerm.Handle(ctx, stream); err != nil {
			flowLog.WithError(err).Debug("vnet: tls flow ended")
		}
	case tcpengine.ClassificationHTTP:
		guestConn := newStreamConn(stream)
		defer guestConn.Close()
		host, ok := n.dns.HostForIP(c.Key().RemoteIP.NetIP())
		if !ok {
			host = c.Key().RemoteIP.String()
		}
		if err := n.mediator.MediateHTTP(ctx, guestConn, host, int(c.Key().RemotePort)); err != nil {
			flowLog.WithError(err).Debug("vnet: http flow ended")
		}
	default:
		flowLog.Debug("vnet: rejecting unclassified flow")
		_ = stream.Reset()
	}
	return nil
}

// sendIPv4Reply wraps payload in a freshly-addressed IPv4 datagram and
// transmits it to the guest over the frame link.
func (n *Network) sendIPv4Reply(srcIP, dstIP netaddr.IP, proto uint8, payload []byte) error {
	dgram := &ipv4.Datagram{
		ID:       n.nextIPID(),
		TTL:      64,
		Protocol: proto,
		Src:      srcIP,
		Dst:      dstIP,
		Payload:  payload,
	}
	raw, err := dgram.Serialize()
	if err != nil {
		return errors.Wrap(err, "vnet: serialize ipv4 reply")
	}
	frame := &ethernet.Frame{
		Dst:       n.guestMACFor(dstIP),
		Src:       n.gatewayMAC,
		EtherType: ethernet.EtherTypeIPv4,
		Payload:   raw,
	}
	return n.sendFrame(frame)
}

func (n *Network) sendFrame(f *ethernet.Frame) error {
	raw, err := f.Serialize()
	if err != nil {
		return errors.Wrap(err, "vnet: serialize ethernet frame")
	}
	return n.link.WriteFrame(raw)
}

// transmitSegment is the tcpengine.TransmitFunc: it carries an already-built
// TCP segment down through IPv4 and Ethernet to the guest.
func (n *Network) transmitSegment(seg *tcpengine.Segment) error {
	raw, err := seg.Serialize()
	if err != nil {
		return errors.Wrap(err, "vnet: serialize tcp segment")
	}
	return n.sendIPv4Reply(seg.SrcIP, seg.DstIP, ipv4.ProtocolTCP, raw)
}

func (n *Network) guestMACFor(ip netaddr.IP) netaddr.MAC {
	if mac, ok := n.arp.Lookup(ip); ok {
		return mac
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastGuestMAC
}

func (n *Network) nextIPID() uint16 {
	return uint16(atomic.AddUint32(&n.ipID, 1))
}

// maskBits converts a dotted-decimal subnet mask to its CIDR prefix length,
// defaulting to a /24 if the mask is missing or malformed.
func maskBits(dotted string) int {
	m := net.ParseIP(dotted)
	if m == nil {
		return 24
	}
	v4 := m.To4()
	if v4 == nil {
		return 24
	}
	ones, _ := net.IPMask(v4).Size()
	return ones
}

func convertSecrets(in map[string]types.SecretConfig) map[string]policy.SecretConfig {
	out := make(map[string]policy.SecretConfig, len(in))
	for k, v := range in {
		out[k] = policy.SecretConfig{Hosts: v.Hosts, Value: v.Value}
	}
	return out
}

func adaptRequestHook(hook types.RequestHook, logger log.FieldLogger) func(*httptypes.Request) {
	if hook == nil {
		return nil
	}
	return func(req *httptypes.Request) {
		if err := hook(req); err != nil {
			logger.WithError(err).Warn("vnet: request hook failed")
		}
	}
}

func adaptResponseHook(hook types.ResponseHook, logger log.FieldLogger) func(*httptypes.Request, *httptypes.Response) {
	if hook == nil {
		return nil
	}
	return func(_ *httptypes.Request, resp *httptypes.Response) {
		if err := hook(resp); err != nil {
			logger.WithError(err).Warn("vnet: response hook failed")
		}
	}
}

// dnsResolverAdapter satisfies httpmediator.Resolver on top of the same
// upstream resolver pkg/udpdns uses, so host-side redirect and connect-time
// re-resolution ask the same nameserver the guest's own DNS queries did.
type dnsResolverAdapter struct {
	upstream udpdns.Resolver
}

func (d *dnsResolverAdapter) Resolve(ctx context.Context, host string) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	reply, err := d.upstream.Exchange(m)
	if err != nil {
		return nil, errors.Wrap(err, "vnet: resolve host")
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, errors.Errorf("vnet: no A record for %s", host)
}

// parseUDP decodes a UDP datagram's ports and payload.
func parseUDP(raw []byte) (srcPort, dstPort uint16, payload []byte, err error) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeUDP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp == nil {
		return 0, 0, nil, errors.New("vnet: malformed udp datagram")
	}
	return uint16(udp.SrcPort), uint16(udp.DstPort), udp.Payload, nil
}

// buildUDP re-encodes a UDP datagram with a freshly computed checksum; srcIP
// and dstIP feed the pseudo-header, same as tcpengine.Segment.Serialize.
func buildUDP(srcPort, dstPort uint16, srcIP, dstIP netaddr.IP, payload []byte) ([]byte, error) {
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	ipLayer := &layers.IPv4{SrcIP: srcIP.NetIP(), DstIP: dstIP.NetIP(), Protocol: layers.IPProtocolUDP}
	if err := udp.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, errors.Wrap(err, "vnet: set udp checksum network layer")
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, udp, gopacket.Payload(payload)); err != nil {
		return nil, errors.Wrap(err, "vnet: serialize udp datagram")
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// peekIPv4Addrs extracts the source/destination addresses from a raw IPv4
// packet without validating its checksum, for the fragmentation-needed error
// path where ipv4.Parse has already refused the datagram.
func peekIPv4Addrs(raw []byte) (src, dst netaddr.IP, ok bool) {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, decoded := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !decoded || ip == nil {
		return netaddr.IP{}, netaddr.IP{}, false
	}
	s, sok := netaddr.IPFromNetIP(ip.SrcIP)
	d, dok := netaddr.IPFromNetIP(ip.DstIP)
	return s, d, sok && dok
}

// flowAddr is a net.Addr built from a tcpengine.FlowKey endpoint.
type flowAddr struct {
	ip   fmt.Stringer
	port fmt.Stringer
}

func (a flowAddr) Network() string { return "tcp" }
func (a flowAddr) String() string  { return net.JoinHostPort(a.ip.String(), a.port.String()) }

// streamConn adapts a tcpengine.Stream to net.Conn for httpmediator's
// plaintext HTTP entry point, which needs a bare net.Conn rather than the
// engine's narrower Stream surface; the same adaptation pkg/tlsmitm makes
// for its own guest-facing leg.
type streamConn struct {
	tcpengine.Stream
	key tcpengine.FlowKey
}

func newStreamConn(s tcpengine.Stream) *streamConn {
	return &streamConn{Stream: s, key: s.Key()}
}

func (c *streamConn) LocalAddr() net.Addr {
	return flowAddr{ip: c.key.LocalIP, port: c.key.LocalPort}
}

func (c *streamConn) RemoteAddr() net.Addr {
	return flowAddr{ip: c.key.RemoteIP, port: c.key.RemotePort}
}

func (c *streamConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	if dl, ok := c.Stream.(interface{ SetReadDeadline(time.Time) error }); ok {
		return dl.SetReadDeadline(t)
	}
	return nil
}

func (c *streamConn) SetWriteDeadline(t time.Time) error {
	if dl, ok := c.Stream.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return dl.SetWriteDeadline(t)
	}
	return nil
}
