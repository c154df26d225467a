// Package classifier decides, from the first bytes of a freshly-established
// TCP flow, whether it is plaintext HTTP, a TLS handshake, or something this
// stack declines to mediate (spec §4.8). It never inspects more than
// tcpengine.ClassifierMaxPeek bytes, and gives up once
// tcpengine.ClassifierIdleTimeout has passed since it started without a
// verdict.
package classifier

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ozanturksever/gondolin/pkg/tcpengine"
)

var httpMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "OPTIONS": true, "PATCH": true, "TRACE": true,
}

// readDeadliner is implemented by *tcpengine.Connection. Classification
// degrades to peek-until-cap, with no time cutoff, for streams that don't
// support it (e.g. in tests using a plain in-memory stream).
type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// Classify peeks at s without permanently consuming bytes the next stage
// (the HTTP mediator or the TLS terminator) still needs, and returns the
// verdict plus a stream that replays whatever was peeked ahead of the live
// connection.
func Classify(s tcpengine.Stream, logger log.FieldLogger) (tcpengine.Classification, tcpengine.Stream) {
	if dl, ok := s.(readDeadliner); ok {
		_ = dl.SetReadDeadline(time.Now().Add(tcpengine.ClassifierIdleTimeout))
		defer dl.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 0, tcpengine.ClassifierMaxPeek)
	tmp := make([]byte, 512)

	for {
		if class, decided := classifyBytes(buf); decided {
			s.SetClassification(class)
			return class, &peekedStream{Stream: s, prefix: buf}
		}
		if len(buf) >= tcpengine.ClassifierMaxPeek {
			logger.WithField("flow", s.Key().String()).Debug("classifier: peek cap reached without a verdict, rejecting")
			s.SetClassification(tcpengine.ClassificationRejected)
			return tcpengine.ClassificationRejected, &peekedStream{Stream: s, prefix: buf}
		}

		n, err := s.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			logger.WithField("flow", s.Key().String()).WithError(err).Debug("classifier: stream ended before a verdict")
			s.SetClassification(tcpengine.ClassificationRejected)
			return tcpengine.ClassificationRejected, &peekedStream{Stream: s, prefix: buf}
		}
	}
}

// classifyBytes inspects the bytes accumulated so far and reports a verdict
// once one can be reached; the second return value is false while more
// bytes are still needed.
func classifyBytes(buf []byte) (tcpengine.Classification, bool) {
	if len(buf) == 0 {
		return tcpengine.ClassificationUnknown, false
	}
	if looksLikeTLSRecord(buf) {
		return tcpengine.ClassificationTLS, true
	}

	idx := strings.Index(string(buf), "\r\n")
	if idx < 0 {
		if len(buf) >= tcpengine.ClassifierMaxPeek {
			return tcpengine.ClassificationRejected, true
		}
		return tcpengine.ClassificationUnknown, false
	}

	method, rest, found := strings.Cut(string(buf[:idx]), " ")
	if !found {
		return tcpengine.ClassificationRejected, true
	}
	// CONNECT would otherwise look like a valid HTTP request line; spec
	// §4.8 requires this stack to reject tunneled (non-HTTP, non-TLS)
	// traffic outright rather than establish one.
	if method == "CONNECT" {
		return tcpengine.ClassificationRejected, true
	}
	if httpMethods[method] && strings.Contains(rest, "HTTP/1.") {
		return tcpengine.ClassificationHTTP, true
	}
	return tcpengine.ClassificationRejected, true
}

// looksLikeTLSRecord checks for a TLS record header: content type Handshake
// (0x16) and a plausible version major/minor (SSLv3 through TLS 1.3 all
// advertise 0x03 as the major version byte in the record layer).
func looksLikeTLSRecord(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x04
}

// peekedStream replays prefix ahead of the underlying stream's own bytes, so
// the classifier's peek is invisible to whatever consumes the stream next —
// the same trick the teacher's tcpproxy.Conn{Peeked, Conn} plays.
type peekedStream struct {
	tcpengine.Stream
	prefix []byte
	off    int
}

func (p *peekedStream) Read(b []byte) (int, error) {
	if p.off < len(p.prefix) {
		n := copy(b, p.prefix[p.off:])
		p.off += n
		return n, nil
	}
	return p.Stream.Read(b)
}
