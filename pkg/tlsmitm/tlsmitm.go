// Package tlsmitm terminates the guest's TLS handshake with a
// locally-synthesized leaf certificate, opens a second TLS connection to the
// real origin, and — once both legs are up — hands the decrypted byte
// streams to the HTTP mediator (spec §4.10). Neither leg ever forwards raw
// TLS records between guest and origin; the two handshakes are entirely
// independent, which is what lets this stack read, and the policy engine
// filter, what is actually requested.
package tlsmitm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ozanturksever/gondolin/pkg/tcpengine"
)

// allowedCipherSuites restricts both the guest-facing and origin-facing
// handshakes to AEAD suites (spec §4.10); CBC-mode suites are never offered
// or accepted.
var allowedCipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

// LeafSource synthesizes or looks up a TLS certificate for an SNI hostname.
// Satisfied by *certstore.Store; kept as an interface so this package does
// not have to import certstore just to hold one field.
type LeafSource interface {
	LeafFor(host string) (*tls.Certificate, error)
}

// Mediator runs the HTTP mediator (spec §4.9) over a decrypted flow once
// both TLS handshakes complete. ctx is cancelled when the guest flow closes
// or resets, so the mediator can abandon an in-flight host request
// immediately (spec §5 cancellation).
type Mediator interface {
	Mediate(ctx context.Context, guest net.Conn, origin net.Conn, host string) error
}

// Dialer opens the origin-facing TCP connection; Handle calls it with the
// SNI hostname and the flow's destination port. With a nil Dialer (as
// pkg/vnet passes), New falls back to net.DialTimeout on that hostname, so
// the name is resolved by the host's system resolver at dial time and no IP
// resolved earlier for the flow is reused. Tests supply a fake.
type Dialer func(network, addr string) (net.Conn, error)

// Terminator is the guest-facing TLS MITM endpoint.
type Terminator struct {
	certs    LeafSource
	mediator Mediator
	dial     Dialer
	rootCAs  *x509.CertPool // nil means the system trust store

	log log.FieldLogger
}

// New builds a Terminator. rootCAs == nil verifies origins against the
// system trust store, matching crypto/tls's own default.
func New(certs LeafSource, mediator Mediator, dial Dialer, rootCAs *x509.CertPool, logger log.FieldLogger) *Terminator {
	if dial == nil {
		dial = func(network, addr string) (net.Conn, error) {
			return net.DialTimeout(network, addr, 10*time.Second)
		}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Terminator{certs: certs, mediator: mediator, dial: dial, rootCAs: rootCAs, log: logger}
}

// Handle drives the dual handshake and mediation for one classified-TLS
// flow. guest has already been classified (and its classifier peek bytes
// are still at the front of its read buffer, replayed transparently). ctx
// governs the whole flow; cancelling it tears down the origin connection
// and unblocks the mediator.
func (t *Terminator) Handle(ctx context.Context, guest tcpengine.Stream) error {
	key := guest.Key()
	guestConn := newStreamConn(guest)

	var (
		sni        string
		origin     *tls.Conn
		originErr  error
		originWait sync.WaitGroup
	)

	serverConf := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: allowedCipherSuites,
		ClientAuth:   tls.NoClientCert,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" {
				return nil, errors.New("tlsmitm: ClientHello carries no SNI")
			}
			sni = hello.ServerName

			leaf, err := t.certs.LeafFor(hello.ServerName)
			if err != nil {
				return nil, errors.Wrap(err, "tlsmitm: synthesize leaf certificate")
			}

			// Origin handshake runs concurrently with the rest of the guest
			// handshake (the server's flight plus the client's Finished),
			// rather than after it.
			originWait.Add(1)
			go func() {
				defer originWait.Done()
				origin, originErr = t.dialOrigin(hello.ServerName, key.RemotePort.String())
			}()

			return leaf, nil
		},
	}

	guestTLS := tls.Server(guestConn, serverConf)
	if err := guestTLS.Handshake(); err != nil {
		if sni != "" {
			originWait.Wait()
			if origin != nil {
				origin.Close()
			}
		}
		return errors.Wrap(err, "tlsmitm: guest handshake failed")
	}

	originWait.Wait()
	if originErr != nil {
		t.log.WithField("host", sni).WithError(originErr).Debug("tlsmitm: origin handshake failed")
		writeSynthetic(guestTLS, 502, "Bad Gateway")
		guestTLS.Close()
		return originErr
	}
	defer origin.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			origin.Close()
			guestTLS.Close()
		case <-stop:
		}
	}()

	return t.mediator.Mediate(ctx, guestTLS, origin, sni)
}

func (t *Terminator) dialOrigin(host, port string) (*tls.Conn, error) {
	raw, err := t.dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, errors.Wrap(err, "tlsmitm: dial origin")
	}

	conf := &tls.Config{
		ServerName:   host,
		RootCAs:      t.rootCAs,
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: allowedCipherSuites,
	}
	conn := tls.Client(raw, conf)
	if err := conn.Handshake(); err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "tlsmitm: origin handshake failed")
	}
	return conn, nil
}

// writeSynthetic writes a minimal, connection-closing HTTP response directly
// over conn. Used only for the window before the HTTP mediator takes over —
// once mediation starts, synthetic error responses are the mediator's job
// (spec §4.9).
func writeSynthetic(conn net.Conn, status int, reason string) {
	body := fmt.Sprintf("%d %s\n", status, reason)
	resp := "HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	_, _ = conn.Write([]byte(resp))
}

// flowAddr is a net.Addr built from a tcpengine.FlowKey endpoint.
type flowAddr struct {
	ip   fmt.Stringer
	port fmt.Stringer
}

func (a flowAddr) Network() string { return "tcp" }
func (a flowAddr) String() string  { return net.JoinHostPort(a.ip.String(), a.port.String()) }

// streamConn adapts a tcpengine.Stream to net.Conn, which crypto/tls
// requires. Deadlines are forwarded to the stream when it supports them
// (*tcpengine.Connection does); streams that don't are treated as
// deadline-less, same as a plain net.Pipe.
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
