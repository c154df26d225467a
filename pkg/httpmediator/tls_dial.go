package httpmediator

import (
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// tlsDial wraps an already-dialed TCP connection in a TLS client handshake
// against the system trust store, for host-side redirect hops the mediator
// follows on its own (never the flow's original guest-facing leg, which
// pkg/tlsmitm already terminated before handing off to Mediate).
func tlsDial(raw net.Conn, serverName string) (net.Conn, error) {
	conn := tls.Client(raw, &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12})
	if err := conn.Handshake(); err != nil {
		return nil, errors.Wrap(err, "httpmediator: TLS handshake")
	}
	return conn, nil
}
