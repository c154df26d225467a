package tlsmitm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/gondolin/pkg/certstore"
	"github.com/ozanturksever/gondolin/pkg/netaddr"
	"github.com/ozanturksever/gondolin/pkg/tcpengine"
)

// fakeStream adapts one end of a net.Pipe to tcpengine.Stream.
type fakeStream struct {
	net.Conn
	key   tcpengine.FlowKey
	class tcpengine.Classification
}

func newFakeStream(conn net.Conn, remoteHost string, remotePort uint16) *fakeStream {
	return &fakeStream{
		Conn: conn,
		key: tcpengine.FlowKey{
			LocalIP:    netaddr.IP{10, 0, 2, 15},
			LocalPort:  netaddr.Port(51000),
			RemoteIP:   netaddr.IP{93, 184, 216, 34},
			RemotePort: netaddr.Port(remotePort),
		},
	}
}

func (f *fakeStream) Reset() error                             { return f.Conn.Close() }
func (f *fakeStream) Key() tcpengine.FlowKey                    { return f.key }
func (f *fakeStream) Classification() tcpengine.Classification  { return f.class }
func (f *fakeStream) SetClassification(c tcpengine.Classification) { f.class = c }

// recordingMediator captures the call made once both handshakes complete
// and writes a canned response to the guest so the test can observe it.
type recordingMediator struct {
	called bool
	host   string
}

func (m *recordingMediator) Mediate(ctx context.Context, guest net.Conn, origin net.Conn, host string) error {
	m.called = true
	m.host = host
	_, err := guest.Write([]byte("mediated:" + host))
	origin.Close()
	return err
}

func newTestCertStore(t *testing.T) *certstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := certstore.LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), logrus.StandardLogger())
	require.NoError(t, err)
	return s
}

// startOriginServer runs a one-shot TLS server on loopback using its own
// leaf certificate (signed by its own ad hoc CA), returning its address and
// a pool containing the CA so the terminator's origin client can verify it.
func startOriginServer(t *testing.T, host string) (addr string, rootCAs *x509.CertPool) {
	t.Helper()
	dir := t.TempDir()
	originCerts, err := certstore.LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), logrus.StandardLogger())
	require.NoError(t, err)
	leaf, err := originCerts.LeafFor(host)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{*leaf}})
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
	}()

	caPEM, err := originCerts.CACertPEM()
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))

	return ln.Addr().String(), pool
}

func TestHandleSuccessfulDualHandshake(t *testing.T) {
	const host = "example.com"
	originAddr, rootCAs := startOriginServer(t, host)

	certs := newTestCertStore(t)
	mediator := &recordingMediator{}
	dial := func(network, addr string) (net.Conn, error) {
		return net.Dial(network, originAddr)
	}
	term := New(certs, mediator, dial, rootCAs, logrus.StandardLogger())

	guestSide, testSide := net.Pipe()
	defer guestSide.Close()
	defer testSide.Close()

	stream := newFakeStream(guestSide, host, 443)

	done := make(chan error, 1)
	go func() { done <- term.Handle(context.Background(), stream) }()

	caPEM, err := certs.CACertPEM()
	require.NoError(t, err)
	guestRoots := x509.NewCertPool()
	require.True(t, guestRoots.AppendCertsFromPEM(caPEM))

	client := tls.Client(testSide, &tls.Config{ServerName: host, RootCAs: guestRoots})
	require.NoError(t, client.Handshake())

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "mediated:"+host, string(buf[:n]))

	require.NoError(t, <-done)
	require.True(t, mediator.called)
	require.Equal(t, host, mediator.host)
}

func TestHandleRejectsMissingSNI(t *testing.T) {
	certs := newTestCertStore(t)
	mediator := &recordingMediator{}
	term := New(certs, mediator, nil, nil, logrus.StandardLogger())

	guestSide, testSide := net.Pipe()
	defer guestSide.Close()
	defer testSide.Close()

	stream := newFakeStream(guestSide, "", 443)

	done := make(chan error, 1)
	go func() { done <- term.Handle(context.Background(), stream) }()

	client := tls.Client(testSide, &tls.Config{InsecureSkipVerify: true, ServerName: ""})
	_ = client.Handshake()
	client.Close()

	err := <-done
	require.Error(t, err)
	require.False(t, mediator.called)
}

func TestHandleSendsSyntheticBadGatewayOnOriginFailure(t *testing.T) {
	const host = "unreachable.example"
	certs := newTestCertStore(t)
	mediator := &recordingMediator{}

	dial := func(network, addr string) (net.Conn, error) {
		c1, c2 := net.Pipe()
		c2.Close() // makes the handshake on c1 fail immediately
		return c1, nil
	}
	term := New(certs, mediator, dial, nil, logrus.StandardLogger())

	guestSide, testSide := net.Pipe()
	defer guestSide.Close()
	defer testSide.Close()

	stream := newFakeStream(guestSide, host, 443)

	done := make(chan error, 1)
	go func() { done <- term.Handle(context.Background(), stream) }()

	caPEM, err := certs.CACertPEM()
	require.NoError(t, err)
	guestRoots := x509.NewCertPool()
	require.True(t, guestRoots.AppendCertsFromPEM(caPEM))

	client := tls.Client(testSide, &tls.Config{ServerName: host, RootCAs: guestRoots})
	require.NoError(t, client.Handshake())

	buf := make([]byte, 512)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, readErr := client.Read(buf)
	if readErr != nil && readErr != io.EOF {
		require.NoError(t, readErr)
	}
	require.Contains(t, string(buf[:n]), "502")

	err = <-done
	require.Error(t, err)
	require.False(t, mediator.called)
}
