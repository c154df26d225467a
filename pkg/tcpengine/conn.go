// Package tcpengine is the owned TCP transport-layer state machine: per-flow
// send/recv windows, retransmission, delayed ACK, and the canonical
// open/close transitions (spec §4.7). Nothing here delegates to an existing
// netstack — this package IS the "hard part" spec.md names in §1.
package tcpengine

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrReset is surfaced to Read/Write callers once the peer (or this stack)
// sends an RST.
var ErrReset = errors.New("tcpengine: connection reset")

// ErrConnectionClosed is surfaced once a Connection reaches CLOSED.
var ErrConnectionClosed = errors.New("tcpengine: connection closed")

// pendingSegment is one sent-but-unacknowledged chunk of the send stream.
type pendingSegment struct {
	seq    uint32
	data   []byte
	fin    bool
	sentAt time.Time
}

// Connection is a single TCP flow's state machine plus its ordered byte
// buffers in each direction (spec §3's TcpConnection). The TCP engine
// exclusively owns it; upper layers only see it through Read/Write/Close.
type Connection struct {
	ID  uuid.UUID
	key FlowKey

	mu   sync.Mutex
	cond *sync.Cond

	state State
	Class Classification

	iss, irs uint32
	sndUNA   uint32
	sndNXT   uint32
	sndWND   uint32 // peer-advertised window, honored as-is

	rcvNXT uint32
	rcvWND uint32 // fixed, never scaled

	sendQueue []byte
	unacked   []pendingSegment
	recvBuf   []byte
	reorder   map[uint32][]byte

	rto      time.Duration
	retries  int
	rtoTimer *time.Timer

	delayedACKPending bool
	delayedACKTimer   *time.Timer
	bytesSinceACK     int

	timeWaitTimer *time.Timer

	pacer *rate.Limiter

	localFINSent   bool
	localFINAcked  bool
	peerFINSeen    bool
	readEOF        bool
	err            error
	closed         bool

	readDeadline      time.Time
	readDeadlineTimer *time.Timer

	transmit func(seg *Segment) error
	onClosed func(FlowKey)
	log      log.FieldLogger
}

// newConnection builds a connection in LISTEN, about to answer a guest SYN.
func newConnection(key FlowKey, iss uint32, transmit func(*Segment) error, onClosed func(FlowKey), logger log.FieldLogger) *Connection {
	id := uuid.New()
	logger = logger.WithField("conn_id", id.String())
	c := &Connection{
		ID:       id,
		key:      key,
		state:    StateListen,
		iss:      iss,
		sndUNA:   iss,
		sndNXT:   iss,
		rcvWND:   DefaultRecvWindow,
		reorder:  make(map[uint32][]byte),
		rto:      InitialRTO,
		pacer:    rate.NewLimiter(rate.Inf, MaxSegmentSize*4), // replaced once sndWND is known, see updatePacerLocked
		transmit: transmit,
		onClosed: onClosed,
		log:      logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// State returns the current state under lock.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.log.WithFields(log.Fields{"flow": c.key.String(), "from": c.state, "to": s}).Debug("tcpengine: state transition")
	c.state = s
}

// acceptSYN handles the initial SYN from the guest, replies with SYN-ACK,
// and moves to SYN_RECEIVED.
func (c *Connection) acceptSYN(seg *Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irs = seg.Seq
	c.rcvNXT = seg.Seq + 1
	c.sndNXT = c.iss + 1
	c.sndUNA = c.iss
	c.sndWND = uint32(seg.Window)
	c.updatePacerLocked()
	c.setState(StateSynReceived)

	return c.send(&Segment{SYN: true, ACK: true, Seq: c.iss, Ack: c.rcvNXT})
}

// HandleSegment is the FSM entry point; exactly one goroutine per flow calls
// this serially (spec §5: ordering within a half-stream is preserved).
func (c *Connection) HandleSegment(seg *Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	if seg.RST {
		c.failLocked(ErrReset)
		return nil
	}

	switch c.state {
	case StateSynReceived:
		if !seg.ACK {
			return nil
		}
		c.sndUNA = seg.Ack
		c.sndWND = uint32(seg.Window)
		c.updatePacerLocked()
		c.setState(StateEstablished)
		c.cond.Broadcast()
		return nil
	}

	if seg.ACK {
		c.handleAckLocked(seg)
	}

	if len(seg.Payload) > 0 {
		c.handleDataLocked(seg)
	}

	if seg.FIN {
		c.handleFinLocked(seg)
	}

	c.maybeSendAckLocked(len(seg.Payload) > 0)
	return nil
}

func (c *Connection) handleAckLocked(seg *Segment) {
	if seg.Ack == c.sndUNA && len(c.unacked) > 0 {
		// Duplicate ack; window may still have moved.
		c.sndWND = uint32(seg.Window)
		c.updatePacerLocked()
		return
	}
	advanced := false
	for len(c.unacked) > 0 {
		p := c.unacked[0]
		end := p.seq + uint32(len(p.data))
		if p.fin {
			end++
		}
		if seqLE(end, seg.Ack) {
			c.unacked = c.unacked[1:]
			advanced = true
			if p.fin {
				c.localFINAcked = true
			}
			continue
		}
		break
	}
	if seqGT(seg.Ack, c.sndUNA) {
		c.sndUNA = seg.Ack
		advanced = true
	}
	c.sndWND = uint32(seg.Window)
	c.updatePacerLocked()

	if advanced {
		c.retries = 0
		c.rto = InitialRTO
		c.updatePacerLocked()
		if len(c.unacked) == 0 {
			c.stopRTOTimerLocked()
		} else {
			c.resetRTOTimerLocked()
		}
		c.cond.Broadcast() // Write() callers waiting on window space
	}

	switch c.state {
	case StateFinWait1:
		if c.localFINAcked {
			c.setState(StateFinWait2)
		}
	case StateClosing:
		if c.localFINAcked {
			c.startTimeWaitLocked()
		}
	case StateLastAck:
		if c.localFINAcked {
			c.setState(StateClosed)
			c.closeLocked(nil)
		}
	}

	c.trySendLocked()
}

func (c *Connection) handleDataLocked(seg *Segment) {
	if seqLT(seg.Seq, c.rcvNXT) {
		return // starts before rcvNXT: dropped whole, even if it extends past rcvNXT
	}
	if seg.Seq != c.rcvNXT {
		if uint32(len(c.recvBuf))+uint32(len(seg.Payload)) > c.rcvWND*2 {
			return // drop: would blow the reorder budget
		}
		c.reorder[seg.Seq] = seg.Payload
		return
	}

	c.recvBuf = append(c.recvBuf, seg.Payload...)
	c.rcvNXT += uint32(len(seg.Payload))
	c.bytesSinceACK += len(seg.Payload)

	for {
		next, ok := c.reorder[c.rcvNXT]
		if !ok {
			break
		}
		delete(c.reorder, c.rcvNXT)
		c.recvBuf = append(c.recvBuf, next...)
		c.rcvNXT += uint32(len(next))
	}
	c.cond.Broadcast() // Read() callers
}

func (c *Connection) handleFinLocked(seg *Segment) {
	if c.peerFINSeen {
		return
	}
	c.peerFINSeen = true
	c.readEOF = true
	c.rcvNXT++ // FIN consumes one sequence number
	c.cond.Broadcast()

	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		c.setState(StateClosing)
	case StateFinWait2:
		c.startTimeWaitLocked()
	}
}

func (c *Connection) maybeSendAckLocked(gotData bool) {
	if c.state == StateClosed {
		return
	}
	if gotData && c.bytesSinceACK >= MaxSegmentSize {
		c.sendPureAckLocked()
		return
	}
	if gotData || c.delayedACKPending {
		c.scheduleDelayedAckLocked()
	}
}

func (c *Connection) scheduleDelayedAckLocked() {
	if c.delayedACKPending {
		return
	}
	c.delayedACKPending = true
	c.delayedACKTimer = time.AfterFunc(DelayedACKTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.delayedACKPending {
			c.sendPureAckLocked()
		}
	})
}

func (c *Connection) sendPureAckLocked() {
	c.delayedACKPending = false
	c.bytesSinceACK = 0
	_ = c.send(&Segment{ACK: true, Seq: c.sndNXT, Ack: c.rcvNXT})
}

// send transmits seg with the current ack/window fields filled in and
// serializes via the engine-provided transmit hook. Must be called with mu
// held; does not itself mutate sequence-space bookkeeping beyond filling
// Ack/Window, since callers are responsible for that (trySendLocked, FIN/SYN
// senders).
func (c *Connection) send(seg *Segment) error {
	seg.SrcIP, seg.SrcPort = c.key.RemoteIP, c.key.RemotePort // host is the "remote" side of the guest's 4-tuple
	seg.DstIP, seg.DstPort = c.key.LocalIP, c.key.LocalPort
	if !seg.ACK {
		seg.ACK = true
		seg.Ack = c.rcvNXT
	} else if seg.Ack == 0 {
		seg.Ack = c.rcvNXT
	}
	seg.Window = uint16(c.windowLocked())
	return c.transmit(seg)
}

// updatePacerLocked derives the pacer's sustained rate from the current
// bandwidth-delay product (advertised window / RTO), so a shrinking window
// or a backed-off RTO after a retransmit actually throttles trySendLocked
// instead of the limiter just rubber-stamping every send.
func (c *Connection) updatePacerLocked() {
	rto := c.rto
	if rto <= 0 {
		rto = InitialRTO
	}
	limit := rate.Limit(float64(c.sndWND) / rto.Seconds())
	if limit <= 0 {
		limit = rate.Limit(MaxSegmentSize)
	}
	c.pacer.SetLimit(limit)
}

func (c *Connection) windowLocked() uint32 {
	used := uint32(len(c.recvBuf))
	if used >= c.rcvWND {
		return 0
	}
	return c.rcvWND - used
}

// trySendLocked drains sendQueue into the wire, respecting the peer's
// advertised window and outstanding-unacked bytes, one MSS-sized segment at
// a time, paced by c.pacer (the "congestion" control named in spec §2).
func (c *Connection) trySendLocked() {
	for len(c.sendQueue) > 0 {
		outstanding := c.sndNXT - c.sndUNA
		if outstanding >= c.sndWND {
			return
		}
		room := c.sndWND - outstanding
		if room == 0 {
			return
		}
		n := uint32(len(c.sendQueue))
		if n > room {
			n = room
		}
		if n > MaxSegmentSize {
			n = MaxSegmentSize
		}
		if !c.pacer.AllowN(time.Now(), int(n)) {
			return
		}

		chunk := c.sendQueue[:n]
		c.sendQueue = c.sendQueue[n:]

		seg := &Segment{PSH: true, Seq: c.sndNXT, Payload: append([]byte(nil), chunk...)}
		if err := c.send(seg); err != nil {
			c.failLocked(errors.Wrap(err, "tcpengine: transmit data segment"))
			return
		}
		c.unacked = append(c.unacked, pendingSegment{seq: c.sndNXT, data: chunk, sentAt: time.Now()})
		c.sndNXT += n
		c.resetRTOTimerLocked()
	}

	if len(c.sendQueue) == 0 && c.localFINWantedLocked() && !c.localFINSent {
		c.sendFINLocked()
	}
}

func (c *Connection) localFINWantedLocked() bool {
	return c.state == StateFinWait1 || c.state == StateClosing || c.state == StateLastAck
}

func (c *Connection) sendFINLocked() {
	seg := &Segment{FIN: true, ACK: true, Seq: c.sndNXT}
	if err := c.send(seg); err != nil {
		c.failLocked(errors.Wrap(err, "tcpengine: transmit FIN"))
		return
	}
	c.unacked = append(c.unacked, pendingSegment{seq: c.sndNXT, fin: true, sentAt: time.Now()})
	c.sndNXT++
	c.localFINSent = true
	c.resetRTOTimerLocked()
}

func (c *Connection) resetRTOTimerLocked() {
	c.stopRTOTimerLocked()
	c.rtoTimer = time.AfterFunc(c.rto, c.onRTOFire)
}

func (c *Connection) stopRTOTimerLocked() {
	if c.rtoTimer != nil {
		c.rtoTimer.Stop()
		c.rtoTimer = nil
	}
}

func (c *Connection) onRTOFire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || len(c.unacked) == 0 {
		return
	}
	c.retries++
	if c.retries > MaxRetries {
		c.log.WithField("flow", c.key.String()).Warn("tcpengine: max retransmits exceeded, resetting")
		_ = c.send(&Segment{RST: true, Seq: c.sndUNA})
		c.failLocked(errors.New("tcpengine: retransmission limit exceeded"))
		return
	}
	c.rto *= 2
	if c.rto > MaxRTO {
		c.rto = MaxRTO
	}
	c.updatePacerLocked()

	oldest := c.unacked[0]
	seg := &Segment{Seq: oldest.seq, Payload: oldest.data, FIN: oldest.fin, PSH: len(oldest.data) > 0}
	_ = c.send(seg)
	c.resetRTOTimerLocked()
}

func (c *Connection) startTimeWaitLocked() {
	c.setState(StateTimeWait)
	c.timeWaitTimer = time.AfterFunc(TimeWaitDuration, func() {
		c.mu.Lock()
		c.setState(StateClosed)
		c.mu.Unlock()
		c.closeLocked(nil)
	})
}

// timeoutError satisfies net.Error so callers can distinguish a deadline
// expiry from a real reset or close.
type timeoutError struct{}

func (timeoutError) Error() string   { return "tcpengine: read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// ErrReadTimeout is returned by Read once a deadline set via
// SetReadDeadline has passed with no data available.
var ErrReadTimeout error = timeoutError{}

// SetReadDeadline bounds how long Read may block, mirroring net.Conn. The
// classifier (spec §4.8) uses this instead of a raw timer so that arriving
// data still wakes a blocked Read immediately.
func (c *Connection) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	if c.readDeadlineTimer != nil {
		c.readDeadlineTimer.Stop()
		c.readDeadlineTimer = nil
	}
	if !t.IsZero() {
		d := time.Until(t)
		if d <= 0 {
			c.cond.Broadcast()
		} else {
			c.readDeadlineTimer = time.AfterFunc(d, func() {
				c.mu.Lock()
				c.cond.Broadcast()
				c.mu.Unlock()
			})
		}
	}
	return nil
}

// Read implements io.Reader over the in-order receive buffer, blocking until
// data is available, EOF (peer FIN), a deadline expires, or an error/reset.
func (c *Connection) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.recvBuf) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		if c.readEOF {
			return 0, io.EOF
		}
		if !c.readDeadline.IsZero() && !time.Now().Before(c.readDeadline) {
			return 0, ErrReadTimeout
		}
		c.cond.Wait()
	}
	n := copy(p, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}

// Write implements io.Writer, queuing application bytes for segmentation and
// kicking off transmission immediately.
func (c *Connection) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.state != StateEstablished && c.state != StateCloseWait {
		return 0, errors.Errorf("tcpengine: write on non-open flow (state=%s)", c.state)
	}
	c.sendQueue = append(c.sendQueue, p...)
	c.trySendLocked()
	return len(p), nil
}

// Close performs an active close: send FIN once the send queue drains.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateLastAck)
	default:
		return nil
	}
	c.trySendLocked()
	return nil
}

// Reset sends an RST and tears the connection down immediately — used for
// ClassifierReject, checksum failures, and cancellation of an in-flight
// mediator request when the guest has already gone away (spec §5, §7).
func (c *Connection) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	_ = c.send(&Segment{RST: true, Seq: c.sndNXT})
	c.failLocked(ErrReset)
	return nil
}

func (c *Connection) failLocked(err error) {
	if c.state == StateClosed && c.err != nil {
		return
	}
	c.err = err
	c.setState(StateClosed)
	c.stopRTOTimerLocked()
	if c.delayedACKTimer != nil {
		c.delayedACKTimer.Stop()
	}
	if c.timeWaitTimer != nil {
		c.timeWaitTimer.Stop()
	}
	c.cond.Broadcast()
	c.closeLocked(err)
}

func (c *Connection) closeLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.onClosed != nil {
		go c.onClosed(c.key)
	}
}

// seq comparators, RFC 793 §3.3 modular arithmetic.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
