// Package policy implements the allowlist, internal-range block, port
// policy, and secret-substitution rules consulted before any HTTP or TLS
// flow is allowed upstream (spec §4.11).
package policy

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Reason is a stable code attached to a blocked PolicyDecision.
type Reason string

const (
	ReasonHostNotAllowed     Reason = "host_not_allowed"
	ReasonInternalIP         Reason = "internal_ip"
	ReasonPortNotAllowed     Reason = "port_not_allowed"
	ReasonSecretHostMismatch Reason = "secret_on_disallowed_host"
)

// Scheme distinguishes the default port policy for HTTP vs TLS flows.
type Scheme string

const (
	SchemeHTTP Scheme = "http"
	SchemeTLS  Scheme = "tls"
)

// Decision is attached to each HttpRequest before egress (spec §3).
type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision { return Decision{Allowed: true} }
func block(r Reason) Decision { return Decision{Allowed: false, Reason: r} }

// Secret is one registered placeholder-to-value binding.
type Secret struct {
	Name    string
	Value   string
	Hosts   []pattern
	pattern *regexp.Regexp // matches the placeholder with a trailing word boundary
}

// Engine evaluates (host, resolved IP, port, scheme) against the configured
// rules. An Engine is read-mostly after construction and safe for concurrent
// use by every flow's goroutine.
type Engine struct {
	allow               []pattern
	blockInternalRanges bool
	httpPorts           map[int]bool
	tlsPorts            map[int]bool
	secrets             map[string]Secret // keyed by placeholder name
}

// Config mirrors types.PolicyConfig without importing it, so this package
// has no dependency on the configuration surface's package.
type Config struct {
	AllowedHosts        []string
	BlockInternalRanges bool
	Secrets             map[string]SecretConfig
	HTTPPorts           []int
	TLSPorts            []int
}

// SecretConfig is one entry of Config.Secrets.
type SecretConfig struct {
	Hosts []string
	Value string
}

// New compiles cfg into an Engine. Default port policy (spec §4.11): only
// 80 for HTTP and 443 for TLS, unless cfg overrides it.
func New(cfg Config) *Engine {
	e := &Engine{
		blockInternalRanges: cfg.BlockInternalRanges,
		secrets:             make(map[string]Secret, len(cfg.Secrets)),
	}
	for _, h := range cfg.AllowedHosts {
		e.allow = append(e.allow, compilePattern(h))
	}

	e.httpPorts = portSet(cfg.HTTPPorts, 80)
	e.tlsPorts = portSet(cfg.TLSPorts, 443)

	for name, sc := range cfg.Secrets {
		s := Secret{Name: name, Value: sc.Value}
		for _, h := range sc.Hosts {
			s.Hosts = append(s.Hosts, compilePattern(h))
		}
		// \b after the placeholder stops e.g. $TOKEN from matching inside
		// $TOKEN_ADMIN, which would otherwise corrupt the longer name's
		// substitution and skip its own host check entirely.
		s.pattern = regexp.MustCompile(regexp.QuoteMeta(e.Placeholder(name)) + `\b`)
		e.secrets[name] = s
	}
	return e
}

func portSet(explicit []int, def int) map[int]bool {
	m := make(map[int]bool)
	if len(explicit) == 0 {
		m[def] = true
		return m
	}
	for _, p := range explicit {
		m[p] = true
	}
	return m
}

// Decide evaluates one candidate egress. Allowed iff host matches the
// allowlist AND the resolved IP passes the internal-range check (when
// enabled) AND the port is allowed for scheme.
func (e *Engine) Decide(host string, resolvedIP net.IP, port int, scheme Scheme) Decision {
	if !e.hostAllowed(host) {
		return block(ReasonHostNotAllowed)
	}
	if e.blockInternalRanges && isInternal(resolvedIP) {
		return block(ReasonInternalIP)
	}
	ports := e.httpPorts
	if scheme == SchemeTLS {
		ports = e.tlsPorts
	}
	if !ports[port] {
		return block(ReasonPortNotAllowed)
	}
	return allow()
}

func (e *Engine) hostAllowed(host string) bool {
	norm := normalizeHost(host)
	for _, p := range e.allow {
		if p.matches(norm) {
			return true
		}
	}
	return false
}

// Placeholder returns the stable placeholder token the guest sees in place
// of the named secret's real value (spec glossary: "Placeholder").
func (e *Engine) Placeholder(name string) string {
	return "$" + name
}

// SubstituteForHost replaces every registered placeholder occurring in s
// with its real secret value, but only for secrets whose host pattern list
// matches host. If s contains a placeholder for a secret NOT bound to host,
// SubstituteForHost returns ok=false (the caller raises
// PolicyBlocked(secret_on_disallowed_host), spec §4.9 step 2).
func (e *Engine) SubstituteForHost(s, host string) (out string, ok bool) {
	norm := normalizeHost(host)
	out = s
	for _, secret := range e.secrets {
		if !secret.pattern.MatchString(out) {
			continue
		}
		if !hostMatchesAny(norm, secret.Hosts) {
			return s, false
		}
		out = secret.pattern.ReplaceAllLiteralString(out, secret.Value)
	}
	return out, true
}

func hostMatchesAny(host string, patterns []pattern) bool {
	for _, p := range patterns {
		if p.matches(host) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	return strings.TrimSuffix(host, ".")
}

// isInternal reports whether ip falls in a private/reserved range: RFC1918,
// loopback, link-local, CGNAT (100.64.0.0/10), multicast, broadcast, and
// "this network" (0.0.0.0/8). net.IP's own classifier methods cover most of
// this; CGNAT has no stdlib helper so it is checked against a literal CIDR.
// No third-party library offers anything beyond what net.IP already does
// here (go-cidr, carried for address-pool math elsewhere, has no range
// membership helper), so this one check stays on the standard library.
func isInternal(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4[0] == 0 {
		return true // "this network" 0.0.0.0/8
	}
	if v4.Equal(net.IPv4bcast) {
		return true
	}
	if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return true // CGNAT 100.64.0.0/10
	}
	return false
}

// pattern is one compiled allowlist entry: a sequence of DNS labels where
// "*" matches exactly one arbitrary label (spec §4.11): "*.example.com"
// matches "a.example.com" but not "a.b.example.com"; embedded wildcards
// like "api.*.net" are also supported.
type pattern struct {
	labels []string
}

func compilePattern(raw string) pattern {
	norm := normalizeHost(raw)
	return pattern{labels: strings.Split(norm, ".")}
}

func (p pattern) matches(host string) bool {
	labels := strings.Split(host, ".")
	if len(labels) != len(p.labels) {
		return false
	}
	for i, want := range p.labels {
		if want == "*" {
			continue
		}
		if want != labels[i] {
			return false
		}
	}
	return true
}

// PortString renders a port for log fields.
func PortString(p int) string { return strconv.Itoa(p) }
