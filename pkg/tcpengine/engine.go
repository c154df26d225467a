package tcpengine

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrFlowTableFull is returned (and answered with an RST) once the engine
// already holds MaxFlows active connections (spec §4.7's flow cap).
var ErrFlowTableFull = errors.New("tcpengine: flow table full")

// TransmitFunc hands a fully-addressed outbound segment to the lower layers
// (pkg/ipv4 + pkg/ethernet + the frame socket). tcpengine never touches
// those layers directly.
type TransmitFunc func(seg *Segment) error

// AcceptFunc is invoked once per flow, exactly when it reaches ESTABLISHED,
// handing the caller (the classifier) the Connection as a plain
// io.ReadWriteCloser-ish stream.
type AcceptFunc func(c *Connection)

// Engine owns the flow table: admission, lookup, and dispatch of inbound
// segments to the right Connection (spec §3's TcpEngine).
type Engine struct {
	mu       sync.Mutex
	flows    map[FlowKey]*Connection
	maxFlows int

	transmit TransmitFunc
	onAccept AcceptFunc
	log      log.FieldLogger
}

// NewEngine builds an engine with the given flow cap (spec default 1024).
func NewEngine(maxFlows int, transmit TransmitFunc, onAccept AcceptFunc, logger log.FieldLogger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{
		flows:    make(map[FlowKey]*Connection),
		maxFlows: maxFlows,
		transmit: transmit,
		onAccept: onAccept,
		log:      logger,
	}
}

// NumFlows reports the current flow table size, for stats logging.
func (e *Engine) NumFlows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.flows)
}

// HandleSegment is the single entry point for every inbound TCP segment
// (called from the IPv4 demux loop). It admits new flows on a bare SYN and
// routes everything else to the matching Connection.
func (e *Engine) HandleSegment(seg *Segment) error {
	key := keyFromSegment(seg)

	e.mu.Lock()
	c, ok := e.flows[key]
	e.mu.Unlock()

	if !ok {
		if seg.SYN && !seg.ACK && !seg.RST {
			return e.admit(key, seg)
		}
		if !seg.RST {
			e.sendStrayReset(seg)
		}
		return nil
	}
	return c.HandleSegment(seg)
}

func (e *Engine) admit(key FlowKey, seg *Segment) error {
	e.mu.Lock()
	if len(e.flows) >= e.maxFlows {
		e.mu.Unlock()
		e.log.WithField("flow", key.String()).Warn("tcpengine: flow table full, rejecting SYN")
		e.sendStrayReset(seg)
		return ErrFlowTableFull
	}
	isn, err := randomISN()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	c := newConnection(key, isn, e.transmit, e.onClosed, e.log.WithField("flow", key.String()))
	e.flows[key] = c
	e.mu.Unlock()

	if err := c.acceptSYN(seg); err != nil {
		e.onClosed(key)
		return errors.Wrap(err, "tcpengine: accept SYN")
	}

	go e.waitAndHandOff(c)
	return nil
}

// randomISN draws a cryptographically random initial sequence number, per
// spec §4.7's ISN-guessing protection; math/rand's default source is
// predictable and unsuitable here.
func randomISN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "tcpengine: read random ISN")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (e *Engine) waitAndHandOff(c *Connection) {
	if err := c.waitEstablished(); err != nil {
		return
	}
	if e.onAccept != nil {
		e.onAccept(c)
	}
}

func (e *Engine) onClosed(key FlowKey) {
	e.mu.Lock()
	delete(e.flows, key)
	e.mu.Unlock()
}

// sendStrayReset answers an unexpected segment (no matching flow, not a SYN)
// with an RST carrying the peer's expected ack, per RFC 793 §3.4.
func (e *Engine) sendStrayReset(seg *Segment) {
	rst := &Segment{
		SrcIP: seg.DstIP, DstIP: seg.SrcIP,
		SrcPort: seg.DstPort, DstPort: seg.SrcPort,
		RST: true,
		Seq: seg.Ack,
	}
	if rst.Seq == 0 {
		rst.Seq = 0
		rst.ACK = true
		rst.Ack = seg.Seq + seg.seqLen()
	}
	if e.transmit != nil {
		_ = e.transmit(rst)
	}
}

// waitEstablished blocks until the connection leaves SYN_RECEIVED, returning
// the terminal error if the handshake never completed.
func (c *Connection) waitEstablished() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.state == StateSynReceived {
		c.cond.Wait()
	}
	if c.state == StateClosed {
		return c.err
	}
	return nil
}
