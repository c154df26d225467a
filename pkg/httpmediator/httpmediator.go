// Package httpmediator runs one HTTP/1.1 request/response state machine per
// accepted flow: it builds the logical request, substitutes secrets bound
// to the destination host, consults the policy engine, issues the request
// to the real origin (following redirects host-side), and serializes the
// response back onto the guest connection (spec §4.9). It is driven either
// directly (plaintext HTTP flows) or by pkg/tlsmitm once both legs of a TLS
// MITM handshake complete.
package httpmediator

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ozanturksever/gondolin/pkg/httptypes"
	"github.com/ozanturksever/gondolin/pkg/policy"
)

// maxRedirects bounds the host-side redirect chain a single guest request
// may trigger before the mediator gives up and relays whatever response it
// last received.
const maxRedirects = 10

// ctxLoggerKey carries the per-flow correlated logger a caller attaches via
// WithLogger, so a single tcpengine.Connection's flow ID shows up on every
// log line this package emits for that flow.
type ctxLoggerKey struct{}

// WithLogger returns a context carrying logger, which serveOne/decide use in
// place of the Mediator's own logger for the duration of the mediated flow.
// pkg/vnet calls this with a logger already tagged with the owning
// Connection's ID, giving tcpengine and httpmediator a shared correlation
// field (spec §4.13).
func WithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

func loggerFromContext(ctx context.Context, fallback log.FieldLogger) log.FieldLogger {
	if l, ok := ctx.Value(ctxLoggerKey{}).(log.FieldLogger); ok {
		return l
	}
	return fallback
}

// Resolver re-resolves a hostname to an IP immediately before connecting,
// the same rebind-defense point the TCP engine's own connect path uses
// (spec §4.6, §4.9 step 4).
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// Hooks let the embedding application observe or rewrite logical requests
// and responses (spec §4.9 steps 4 and 5). Either field may be nil.
type Hooks struct {
	BeforeRequest func(*httptypes.Request)
	AfterResponse func(*httptypes.Request, *httptypes.Response)
}

// Mediator runs the mediation loop for one flow at a time; it holds no
// per-flow state itself, so one Mediator is shared and safe for concurrent
// use across flows.
type Mediator struct {
	policy      *policy.Engine
	resolver    Resolver
	hooks       Hooks
	dialTimeout time.Duration
	tlsOrigin   func(raw net.Conn, serverName string) (net.Conn, error)
	log         log.FieldLogger
}

// New builds a Mediator. tlsOrigin upgrades a freshly dialed plain TCP
// connection to TLS for redirect targets the mediator must reach over
// HTTPS on its own (the flow's original TLS leg, if any, was already
// established by pkg/tlsmitm and is passed into Mediate directly). A nil
// tlsOrigin falls back to crypto/tls with system trust.
func New(p *policy.Engine, resolver Resolver, hooks Hooks, tlsOrigin func(net.Conn, string) (net.Conn, error), logger log.FieldLogger) *Mediator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if tlsOrigin == nil {
		tlsOrigin = defaultTLSOrigin
	}
	return &Mediator{policy: p, resolver: resolver, hooks: hooks, dialTimeout: 10 * time.Second, tlsOrigin: tlsOrigin, log: logger}
}

// Mediate runs the request/response loop for a flow whose origin connection
// is already established (the TLS MITM path: origin is the handshaked
// connection to host, spec §4.10 step 5). ctx cancellation aborts any
// in-flight host request and closes both connections (spec §5).
func (m *Mediator) Mediate(ctx context.Context, guest net.Conn, origin net.Conn, host string) error {
	return m.run(ctx, guest, originLeg{conn: origin, host: host, scheme: policy.SchemeTLS, port: 443, owned: false}, 443)
}

// MediateHTTP runs the loop for a plaintext HTTP flow, where no origin
// connection exists yet; the mediator re-resolves DNS and re-consults policy
// for every request (spec §4.9 step 4), dials the resolved IP on first use,
// and redials whenever a request targets a different host or port than is
// currently open.
func (m *Mediator) MediateHTTP(ctx context.Context, guest net.Conn, defaultHost string, defaultPort int) error {
	return m.run(ctx, guest, originLeg{host: defaultHost, scheme: policy.SchemeHTTP, port: defaultPort, owned: true}, defaultPort)
}

// originLeg tracks the connection currently open to an upstream host.
type originLeg struct {
	conn   net.Conn
	host   string
	scheme policy.Scheme
	port   int
	owned  bool // true if Mediate dialed conn itself and must close it on redial/exit
}

func (m *Mediator) run(ctx context.Context, guest net.Conn, leg originLeg, defaultPort int) error {
	watchStop := make(chan struct{})
	defer close(watchStop)
	go func() {
		select {
		case <-ctx.Done():
			guest.Close()
			if leg.conn != nil {
				leg.conn.Close()
			}
		case <-watchStop:
		}
	}()

	guestReader := bufio.NewReader(guest)
	defer func() {
		if leg.owned && leg.conn != nil {
			leg.conn.Close()
		}
	}()

	for {
		req, err := http.ReadRequest(guestReader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "httpmediator: read guest request")
		}

		keepAlive, err := m.serveOne(ctx, guest, &leg, req)
		if err != nil {
			return err
		}
		if !keepAlive {
			return nil
		}
	}
}

// serveOne handles exactly one guest request, including any host-side
// redirect chain, and reports whether the guest connection should remain
// open for a subsequent pipelined request.
func (m *Mediator) serveOne(ctx context.Context, guest net.Conn, leg *originLeg, req *http.Request) (keepAlive bool, err error) {
	logical, body, err := buildLogical(req, leg.host, string(leg.scheme), leg.port)
	if err != nil {
		return false, errors.Wrap(err, "httpmediator: build logical request")
	}

	// Captured before substitution mutates logical in place, so a host-side
	// redirect can re-bind secrets against its own target host instead of
	// forwarding values already substituted for the original host (spec
	// §4.9 step 2 applies per hop, not just to the first request).
	headerTemplate := cloneHeader(logical.Header)
	bodyTemplate := append([]byte(nil), body...)

	if ok := m.substituteSecrets(logical); !ok {
		resp := httptypes.NewSyntheticResponse(http.StatusForbidden, "Forbidden", "blocked: secret not permitted for this host\n")
		writeSynthetic(guest, resp)
		return requestWantsKeepAlive(req), nil
	}

	ip, decision, err := m.decide(ctx, logical)
	if err != nil {
		resp := httptypes.NewSyntheticResponse(http.StatusBadGateway, "Bad Gateway", "dns resolution failed\n")
		writeSynthetic(guest, resp)
		return requestWantsKeepAlive(req), nil
	}
	if !decision.Allowed {
		resp := httptypes.NewSyntheticResponse(http.StatusForbidden, "Forbidden", "blocked: "+string(decision.Reason)+"\n")
		writeSynthetic(guest, resp)
		return requestWantsKeepAlive(req), nil
	}
	logical.RemoteIP = ip.String()

	if m.hooks.BeforeRequest != nil {
		m.hooks.BeforeRequest(logical)
	}

	upstreamReq := applyLogical(req, logical, body)

	resp, final, err := m.issueWithRedirects(ctx, leg, upstreamReq, logical, headerTemplate, bodyTemplate)
	if err != nil {
		loggerFromContext(ctx, m.log).WithField("host", logical.Host).WithError(err).Debug("httpmediator: upstream request failed")
		synth := httptypes.NewSyntheticResponse(http.StatusBadGateway, "Bad Gateway", "upstream request failed\n")
		writeSynthetic(guest, synth)
		return requestWantsKeepAlive(req), nil
	}
	defer resp.Body.Close()

	logicalResp, respBody, err := readLogicalResponse(resp)
	if err != nil {
		return false, errors.Wrap(err, "httpmediator: read upstream response")
	}

	if m.hooks.AfterResponse != nil {
		m.hooks.AfterResponse(final, logicalResp)
	}

	if err := writeResponse(guest, resp, respBody); err != nil {
		return false, errors.Wrap(err, "httpmediator: write response to guest")
	}

	keepAlive = requestWantsKeepAlive(req) && responseWantsKeepAlive(resp)
	return keepAlive, nil
}

// decide re-resolves the logical request's host and consults the policy
// engine. Re-resolution happens here, at connect time, not when the guest's
// DNS query was originally answered — closing the rebind TOCTOU window
// (spec §4.6).
func (m *Mediator) decide(ctx context.Context, req *httptypes.Request) (net.IP, policy.Decision, error) {
	ip, err := m.resolver.Resolve(ctx, req.Host)
	if err != nil {
		return nil, policy.Decision{}, errors.Wrap(err, "httpmediator: resolve host")
	}
	scheme := policy.SchemeHTTP
	if req.Scheme == "https" || req.Scheme == string(policy.SchemeTLS) {
		scheme = policy.SchemeTLS
	}
	return ip, m.policy.Decide(req.Host, ip, req.Port, scheme), nil
}

// issueWithRedirects sends req over leg's current connection (dialing or
// redialing as needed), following 3xx responses host-side up to
// maxRedirects times. The guest only ever sees the final response.
//
// headerTemplate and bodyTemplate hold the request's headers/body as the
// guest sent them, before any secret substitution. The first hop sends req
// as given (already substituted for the original host and passed through
// the request hook); every redirect hop re-derives its wire headers/body by
// substituting headerTemplate/bodyTemplate against THAT hop's host, so a
// secret bound only to the original host can never ride a redirect to a
// different one. Each hop dials the IP its own policy check resolved.
func (m *Mediator) issueWithRedirects(ctx context.Context, leg *originLeg, req *http.Request, logical *httptypes.Request, headerTemplate *httptypes.Header, bodyTemplate []byte) (*http.Response, *httptypes.Request, error) {
	current := req
	ip := net.ParseIP(logical.RemoteIP)
	for i := 0; ; i++ {
		if err := m.ensureConnected(ctx, leg, current.URL.Hostname(), ip, current.URL.Scheme, portOf(current.URL)); err != nil {
			return nil, nil, err
		}

		if err := current.Write(leg.conn); err != nil {
			leg.conn.Close()
			leg.conn = nil
			return nil, nil, errors.Wrap(err, "httpmediator: write request to origin")
		}

		resp, err := http.ReadResponse(bufio.NewReader(leg.conn), current)
		if err != nil {
			leg.conn.Close()
			leg.conn = nil
			return nil, nil, errors.Wrap(err, "httpmediator: read response from origin")
		}

		if i >= maxRedirects || !isRedirect(resp.StatusCode) {
			return resp, logical, nil
		}
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return resp, logical, nil
		}
		target, err := current.URL.Parse(loc)
		if err != nil {
			return nil, nil, errors.Wrap(err, "httpmediator: follow redirect")
		}
		nextHost := strings.ToLower(target.Hostname())

		nextIP, decision, err := m.decide(ctx, &httptypes.Request{Host: nextHost, Scheme: target.Scheme, Port: portOf(target)})
		if err != nil || !decision.Allowed {
			return resp, logical, errors.New("httpmediator: redirect target rejected by policy")
		}

		hdr, bodyBytes, ok := m.substituteForHost(headerTemplate, bodyTemplate, nextHost)
		if !ok {
			return resp, logical, errors.New("httpmediator: redirect target rejected by policy")
		}

		current = buildRedirectRequest(current, target, resp.StatusCode, hdr, bodyBytes)
		ip = nextIP
	}
}

// ensureConnected makes leg.conn point at a live connection to host:port,
// dialing (and TLS-wrapping, for https) a fresh one if the current
// connection belongs to a different host or none is open yet. A fresh
// connection goes to ip when it is non-nil (host otherwise); TLS always
// uses host as the server name.
func (m *Mediator) ensureConnected(ctx context.Context, leg *originLeg, host string, ip net.IP, scheme string, port int) error {
	if leg.conn != nil && leg.host == host && leg.port == port {
		return nil
	}
	if leg.conn != nil && leg.owned {
		leg.conn.Close()
	}

	d := net.Dialer{Timeout: m.dialTimeout}
	dialHost := host
	if ip != nil {
		dialHost = ip.String()
	}
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(dialHost, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "httpmediator: dial origin")
	}
	conn := net.Conn(raw)
	if scheme == "https" {
		conn, err = m.tlsOrigin(raw, host)
		if err != nil {
			raw.Close()
			return errors.Wrap(err, "httpmediator: TLS handshake with origin")
		}
	}

	leg.conn = conn
	leg.host = host
	leg.scheme = policy.Scheme(scheme)
	if scheme == "https" {
		leg.scheme = policy.SchemeTLS
	} else {
		leg.scheme = policy.SchemeHTTP
	}
	leg.port = port
	leg.owned = true
	return nil
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// buildRedirectRequest builds the next hop's wire request from prev (for its
// method/proto) and target, using header/body already substituted for
// target's host rather than anything carried over from prev.
func buildRedirectRequest(prev *http.Request, target *url.URL, status int, header *httptypes.Header, body []byte) *http.Request {
	next := prev.Clone(prev.Context())
	next.URL = target
	next.Host = target.Host
	next.RequestURI = ""
	next.Header = http.Header{}
	for _, name := range header.Names() {
		for _, v := range header.Values(name) {
			next.Header.Add(name, v)
		}
	}
	next.ContentLength = int64(len(body))
	next.Body = io.NopCloser(bytes.NewReader(body))
	// 303 (and most clients' handling of 301/302 for non-GET/HEAD) downgrades
	// the follow-up request to a bodyless GET.
	if status == http.StatusSeeOther || (status != http.StatusTemporaryRedirect && status != http.StatusPermanentRedirect && next.Method != http.MethodGet && next.Method != http.MethodHead) {
		next.Method = http.MethodGet
		next.Body = http.NoBody
		next.ContentLength = 0
	}
	return next
}

// buildLogical constructs the logical request model from the raw parsed
// HTTP request, resolving the effective host/scheme/port from the
// absolute-URI form or the Host header (spec §4.9 step 1).
func buildLogical(req *http.Request, defaultHost, defaultScheme string, defaultPort int) (*httptypes.Request, []byte, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read request body")
	}

	host := defaultHost
	scheme := defaultScheme
	port := defaultPort
	if req.URL.IsAbs() {
		host = req.URL.Hostname()
		scheme = req.URL.Scheme
		port = portOf(req.URL)
	} else if h := req.Host; h != "" {
		host, port = splitHostPort(h, defaultPort)
	}

	h := httptypes.NewHeader()
	for name, values := range req.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}

	return &httptypes.Request{
		Method:  req.Method,
		Target:  req.URL.RequestURI(),
		Version: req.Proto,
		Host:    strings.ToLower(host),
		Scheme:  scheme,
		Header:  h,
		Body:    body,
		Port:    port,
	}, body, nil
}

// applyLogical rebuilds the wire-ready *http.Request from a (possibly
// hook-mutated) logical request, reusing req as the base so method/URL
// parsing work already done by http.ReadRequest isn't redone.
func applyLogical(req *http.Request, logical *httptypes.Request, originalBody []byte) *http.Request {
	body := logical.Body
	if body == nil {
		body = originalBody
	}
	req.Method = logical.Method
	req.Host = logical.Host
	req.ContentLength = int64(len(body))
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.Header = http.Header{}
	for _, name := range logical.Header.Names() {
		for _, v := range logical.Header.Values(name) {
			req.Header.Add(name, v)
		}
	}
	// Always normalize to an absolute URL so redirect targets resolve
	// correctly against it regardless of whether the guest sent an
	// absolute-URI or origin-form request line; req.Write only ever puts
	// the path+query on the wire (RequestURI ignores absoluteness), so this
	// doesn't change what the origin actually receives.
	req.URL.Scheme = logical.Scheme
	req.URL.Host = net.JoinHostPort(logical.Host, strconv.Itoa(logical.Port))
	return req
}

// substituteSecrets rewrites placeholder tokens in the logical request's
// headers and body with their bound secret values, refusing the request if
// a placeholder isn't bound to this destination host (spec §4.9 step 2).
func (m *Mediator) substituteSecrets(req *httptypes.Request) bool {
	for _, name := range req.Header.Names() {
		for _, v := range req.Header.Values(name) {
			out, ok := m.policy.SubstituteForHost(v, req.Host)
			if !ok {
				return false
			}
			if out != v {
				req.Header.Set(name, out)
			}
		}
	}
	out, ok := m.policy.SubstituteForHost(string(req.Body), req.Host)
	if !ok {
		return false
	}
	req.Body = []byte(out)
	return true
}

// cloneHeader copies h into a new, independently mutable Header.
func cloneHeader(h *httptypes.Header) *httptypes.Header {
	out := httptypes.NewHeader()
	for _, name := range h.Names() {
		for _, v := range h.Values(name) {
			out.Add(name, v)
		}
	}
	return out
}

// substituteForHost substitutes headerTemplate/bodyTemplate's placeholders
// for host without mutating its inputs, returning ok=false the same way
// substituteSecrets does if a placeholder present isn't bound to host.
func (m *Mediator) substituteForHost(headerTemplate *httptypes.Header, bodyTemplate []byte, host string) (*httptypes.Header, []byte, bool) {
	out := httptypes.NewHeader()
	for _, name := range headerTemplate.Names() {
		for _, v := range headerTemplate.Values(name) {
			sub, ok := m.policy.SubstituteForHost(v, host)
			if !ok {
				return nil, nil, false
			}
			out.Add(name, sub)
		}
	}
	body, ok := m.policy.SubstituteForHost(string(bodyTemplate), host)
	if !ok {
		return nil, nil, false
	}
	return out, []byte(body), true
}

func readLogicalResponse(resp *http.Response) (*httptypes.Response, []byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	h := httptypes.NewHeader()
	for name, values := range resp.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	return &httptypes.Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Version:    resp.Proto,
		Header:     h,
		Body:       body,
	}, body, nil
}

// writeResponse serializes resp (with body already buffered into
// respBody) back onto the guest connection, letting net/http's own Write
// handle chunked transfer encoding when no Content-Length is known.
func writeResponse(guest net.Conn, resp *http.Response, respBody []byte) error {
	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	resp.ContentLength = int64(len(respBody))
	resp.TransferEncoding = nil
	return resp.Write(guest)
}

// writeSynthetic serializes a locally-produced response (403, 502) directly
// onto the guest connection.
func writeSynthetic(guest net.Conn, resp *httptypes.Response) {
	var b strings.Builder
	b.WriteString(resp.Version + " " + strconv.Itoa(resp.StatusCode) + " " + resp.Status + "\r\n")
	for _, name := range resp.Header.Names() {
		for _, v := range resp.Header.Values(name) {
			b.WriteString(name + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	guest.Write([]byte(b.String()))
	guest.Write(resp.Body)
}

func requestWantsKeepAlive(req *http.Request) bool {
	if req.Close {
		return false
	}
	if req.ProtoMajor == 1 && req.ProtoMinor == 0 {
		return strings.EqualFold(req.Header.Get("Connection"), "keep-alive")
	}
	return !strings.EqualFold(req.Header.Get("Connection"), "close")
}

func responseWantsKeepAlive(resp *http.Response) bool {
	if resp.Close {
		return false
	}
	return !strings.EqualFold(resp.Header.Get("Connection"), "close")
}

func splitHostPort(hostHeader string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostHeader)
	if err != nil {
		return hostHeader, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

func defaultTLSOrigin(raw net.Conn, serverName string) (net.Conn, error) {
	return tlsDial(raw, serverName)
}
