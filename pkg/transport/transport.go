// Package transport dials and listens on the vsock or Unix-domain control
// endpoint the QEMU guest's frame socket arrives over.
package transport

import (
	"net"
	"net/url"
	"strconv"

	mdlayhervsock "github.com/mdlayher/vsock"
	"github.com/pkg/errors"
)

// DefaultEndpoint is used by cmd/vnetd when no endpoint flag is given.
const DefaultEndpoint = "vsock://:1024"

// Dial connects to endpoint, a "vsock://<cid>:<port>" or "unix://<path>" URL.
func Dial(endpoint string) (net.Conn, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "transport: parse endpoint")
	}
	switch parsed.Scheme {
	case "vsock":
		contextID, err := strconv.Atoi(parsed.Hostname())
		if err != nil {
			return nil, errors.Wrap(err, "transport: parse vsock context id")
		}
		port, err := strconv.Atoi(parsed.Port())
		if err != nil {
			return nil, errors.Wrap(err, "transport: parse vsock port")
		}
		conn, err := mdlayhervsock.Dial(uint32(contextID), uint32(port), nil)
		if err != nil {
			return nil, errors.Wrap(err, "transport: dial vsock")
		}
		return conn, nil
	case "unix":
		conn, err := net.Dial("unix", parsed.Path)
		if err != nil {
			return nil, errors.Wrap(err, "transport: dial unix")
		}
		return conn, nil
	default:
		return nil, errors.Errorf("transport: unexpected scheme %q", parsed.Scheme)
	}
}

// Listen accepts on endpoint, the counterpart of Dial for the host side of
// the same socket. The vsock port is taken from endpoint; the context ID is
// ignored since a listener binds to VMADDR_CID_ANY.
func Listen(endpoint string) (net.Listener, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "transport: parse endpoint")
	}
	switch parsed.Scheme {
	case "vsock":
		port, err := strconv.Atoi(parsed.Port())
		if err != nil {
			return nil, errors.Wrap(err, "transport: parse vsock port")
		}
		l, err := mdlayhervsock.Listen(uint32(port), nil)
		if err != nil {
			return nil, errors.Wrap(err, "transport: listen vsock")
		}
		return l, nil
	case "unix":
		l, err := net.Listen("unix", parsed.Path)
		if err != nil {
			return nil, errors.Wrap(err, "transport: listen unix")
		}
		return l, nil
	default:
		return nil, errors.Errorf("transport: unexpected scheme %q", parsed.Scheme)
	}
}
