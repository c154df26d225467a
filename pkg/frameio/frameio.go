// Package frameio reads and writes whole Ethernet frames over the QEMU
// datagram socket. Each message on the wire is exactly one frame, prefixed
// by a 2-byte little-endian length, mirroring the handshake/framing protocol
// gvisor-tap-vsock's tap.LinkEndpoint speaks to its virtio-net backend.
package frameio

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrLinkClosed is returned once the underlying socket has closed; the
// caller (pkg/vnet) must then reset every active flow.
var ErrLinkClosed = errors.New("frameio: link closed")

// ErrFrameTooLarge is returned when a peer announces a frame larger than the
// configured MTU plus Ethernet header.
var ErrFrameTooLarge = errors.New("frameio: frame exceeds MTU")

// outboundQueueDepth bounds how many frames may be queued for write before
// WriteFrame starts reporting backpressure.
const outboundQueueDepth = 256

// Handshake is exchanged once, host-to-guest, right after accept.
type Handshake struct {
	MTU     int    `json:"mtu"`
	Gateway string `json:"gateway"`
	VM      string `json:"vm"`
}

// Link wraps one accepted QEMU frame socket connection.
type Link struct {
	conn   net.Conn
	maxLen int

	out      chan []byte
	closeErr atomic.Value // error
	done     chan struct{}
	closeOne sync.Once

	sent     uint64
	received uint64
}

// Accept performs the handshake on a freshly-accepted connection and starts
// its background writer goroutine.
func Accept(conn net.Conn, mtu int, gatewayIP, vmCIDR string) (*Link, error) {
	bin, err := json.Marshal(Handshake{MTU: mtu, Gateway: gatewayIP, VM: vmCIDR})
	if err != nil {
		return nil, errors.Wrap(err, "marshal handshake")
	}
	size := make([]byte, 2)
	binary.LittleEndian.PutUint16(size, uint16(len(bin)))
	if _, err := conn.Write(size); err != nil {
		return nil, errors.Wrap(err, "write handshake size")
	}
	if _, err := conn.Write(bin); err != nil {
		return nil, errors.Wrap(err, "write handshake body")
	}

	l := &Link{
		conn:   conn,
		maxLen: mtu + 14, // Ethernet header
		out:    make(chan []byte, outboundQueueDepth),
		done:   make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// ReadFrame blocks for the next whole frame from the guest. It returns
// ErrLinkClosed (wrapped) once the socket is gone.
func (l *Link) ReadFrame() ([]byte, error) {
	sizeBuf := make([]byte, 2)
	if _, err := io.ReadFull(l.conn, sizeBuf); err != nil {
		return nil, l.fail(errors.Wrap(ErrLinkClosed, err.Error()))
	}
	size := int(binary.LittleEndian.Uint16(sizeBuf))
	if size == 0 || size > l.maxLen {
		return nil, l.fail(errors.Wrapf(ErrFrameTooLarge, "size=%d", size))
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(l.conn, buf); err != nil {
		return nil, l.fail(errors.Wrap(ErrLinkClosed, err.Error()))
	}
	atomic.AddUint64(&l.received, uint64(size))
	return buf, nil
}

// WriteFrame enqueues frame for transmission to the guest. When the queue is
// full it returns ErrWouldBlock and the frame is not queued; Writable reports
// beforehand whether there is room. WriteFrame itself never drops a frame
// once accepted.
func (l *Link) WriteFrame(frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case l.out <- cp:
		return nil
	default:
		// Queue full: the socket can't drain fast enough.
		return ErrWouldBlock
	}
}

// ErrWouldBlock signals that the outbound queue is full and the frame was
// not queued. pkg/tcpengine does not treat it specially: a data segment
// whose transmit fails with it fails the flow like any other transmit error.
var ErrWouldBlock = errors.New("frameio: write would block")

// Writable reports whether WriteFrame currently has queue space.
func (l *Link) Writable() bool {
	return len(l.out) < cap(l.out)
}

func (l *Link) writeLoop() {
	for {
		select {
		case frame := <-l.out:
			size := make([]byte, 2)
			binary.LittleEndian.PutUint16(size, uint16(len(frame)))
			if _, err := l.conn.Write(size); err != nil {
				l.fail(errors.Wrap(ErrLinkClosed, err.Error()))
				return
			}
			if _, err := l.conn.Write(frame); err != nil {
				l.fail(errors.Wrap(ErrLinkClosed, err.Error()))
				return
			}
			atomic.AddUint64(&l.sent, uint64(len(frame)))
		case <-l.done:
			return
		}
	}
}

func (l *Link) fail(err error) error {
	l.closeOne.Do(func() {
		l.closeErr.Store(err)
		close(l.done)
		_ = l.conn.Close()
		log.WithError(err).Debug("frameio: link failed")
	})
	if v := l.closeErr.Load(); v != nil {
		return v.(error)
	}
	return err
}

// Close tears down the link.
func (l *Link) Close() error {
	_ = l.fail(ErrLinkClosed)
	return nil
}

// BytesSent returns the cumulative number of bytes written to the guest.
func (l *Link) BytesSent() uint64 { return atomic.LoadUint64(&l.sent) }

// BytesReceived returns the cumulative number of bytes read from the guest.
func (l *Link) BytesReceived() uint64 { return atomic.LoadUint64(&l.received) }
