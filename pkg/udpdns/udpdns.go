// Package udpdns answers DNS queries arriving on UDP port 53 from the guest,
// clamps answer TTLs, and remembers which hostname resolved to which IP so
// pkg/vnet can defend against DNS rebinding when a guest's SYN arrives (spec
// §4.9): once a flow is pinned to an IP, the guest cannot silently redirect
// it by re-resolving the same name to something else mid-session.
package udpdns

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxTTL is the longest TTL this stack will forward to the guest,
// keeping rebind windows short regardless of what the upstream authority
// advertises.
const DefaultMaxTTL = 60 * time.Second

// DefaultPinCacheSize bounds the host<->IP pin table.
const DefaultPinCacheSize = 4096

// Resolver answers one DNS query, as *dns.Client.Exchange does. The
// production resolver forwards to the host's configured nameserver; tests
// supply a fake.
type Resolver interface {
	Exchange(m *dns.Msg) (*dns.Msg, error)
}

// upstreamResolver forwards queries to the nameserver found in the host's
// /etc/resolv.conf, the same source the teacher's DNS service reads.
type upstreamResolver struct {
	client     *dns.Client
	nameserver string
}

// NewUpstreamResolver builds a resolver from /etc/resolv.conf. Unlike the
// teacher's readAndCreateClient, a missing or unreadable resolv.conf is
// returned as an error rather than calling os.Exit — this stack is a
// library, not a standalone daemon, and must let its caller decide how to
// fail.
func NewUpstreamResolver() (Resolver, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, errors.Wrap(err, "udpdns: read /etc/resolv.conf")
	}
	if len(conf.Servers) == 0 {
		return nil, errors.New("udpdns: /etc/resolv.conf has no nameservers")
	}
	nameserver := conf.Servers[0]
	if nameserver[0] == '[' && strings.HasSuffix(nameserver, "]") {
		nameserver = nameserver[1 : len(nameserver)-1]
	}
	if ip := net.ParseIP(nameserver); ip != nil {
		nameserver = net.JoinHostPort(nameserver, conf.Port)
	} else {
		nameserver = dns.Fqdn(nameserver) + ":" + conf.Port
	}

	client := &dns.Client{
		Net:          "udp",
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	return &upstreamResolver{client: client, nameserver: nameserver}, nil
}

func (r *upstreamResolver) Exchange(m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := r.client.Exchange(m, r.nameserver)
	return resp, err
}

// Server answers guest DNS queries and maintains the rebind-defense pin
// table (spec §4.9).
type Server struct {
	resolver Resolver
	maxTTL   time.Duration
	pins     *pinCache
	log      log.FieldLogger
}

// NewServer builds a DNS responder. pinCacheSize <= 0 uses
// DefaultPinCacheSize.
func NewServer(resolver Resolver, maxTTL time.Duration, pinCacheSize int, logger log.FieldLogger) *Server {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	if pinCacheSize <= 0 {
		pinCacheSize = DefaultPinCacheSize
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{
		resolver: resolver,
		maxTTL:   maxTTL,
		pins:     newPinCache(pinCacheSize),
		log:      logger,
	}
}

// Handle decodes one UDP/53 datagram, resolves it, clamps TTLs, records A
// answers in the pin table, and returns the wire-format reply.
func (s *Server) Handle(query []byte) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil, errors.Wrap(err, "udpdns: unpack query")
	}

	reply, err := s.resolver.Exchange(req)
	if err != nil {
		s.log.WithError(err).Debug("udpdns: upstream exchange failed")
		m := new(dns.Msg)
		m.SetReply(req)
		m.Rcode = dns.RcodeServerFailure
		return m.Pack()
	}
	reply.Id = req.Id

	for _, rr := range reply.Answer {
		if rr.Header().Ttl > uint32(s.maxTTL.Seconds()) {
			rr.Header().Ttl = uint32(s.maxTTL.Seconds())
		}
		if a, ok := rr.(*dns.A); ok {
			host := normalizeName(a.Hdr.Name)
			s.pins.put(host, a.A, s.maxTTL)
		}
	}
	return reply.Pack()
}

// ConfirmPin re-resolves host right now (bypassing any cache) and reports
// whether ip is still one of the answers. pkg/vnet calls this when the
// guest's SYN to ip arrives, not at query time, closing the TOCTOU window a cached
// answer would otherwise leave open.
func (s *Server) ConfirmPin(host string, ip net.IP) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	reply, err := s.resolver.Exchange(m)
	if err != nil {
		return false, errors.Wrap(err, "udpdns: confirm pin")
	}
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok && a.A.Equal(ip) {
			return true, nil
		}
	}
	return false, nil
}

// HostForIP returns the most recently observed hostname that resolved to
// ip, for logging and for the connect-time rebind check.
func (s *Server) HostForIP(ip net.IP) (string, bool) {
	return s.pins.hostFor(ip)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// pinCache is a bounded map from resolved IPs back to the hostname that
// produced them, keyed by IP instead of by domain, since pkg/vnet looks
// things up by destination address. When full it evicts the IP that was
// inserted first; re-recording or looking up an IP does not change its
// place in the eviction order.
type pinCache struct {
	mu    sync.Mutex
	items map[string]*pinEntry
	order []string // keys in first-insertion order; front is evicted first
	cap   int
}

type pinEntry struct {
	ip        string
	host      string
	expiresAt time.Time
}

func newPinCache(capacity int) *pinCache {
	return &pinCache{items: make(map[string]*pinEntry), cap: capacity}
}

func (c *pinCache) put(host string, ip net.IP, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ip.String()
	if _, ok := c.items[key]; !ok {
		if len(c.items) >= c.cap {
			c.evictOldestLocked()
		}
		c.order = append(c.order, key)
	}
	c.items[key] = &pinEntry{ip: key, host: host, expiresAt: time.Now().Add(ttl)}
}

func (c *pinCache) hostFor(ip net.IP) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[ip.String()]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.host, true
}

// evictOldestLocked drops the longest-resident entry. Must be called with
// mu held.
func (c *pinCache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.items[oldest]; ok {
			delete(c.items, oldest)
			return
		}
	}
}
