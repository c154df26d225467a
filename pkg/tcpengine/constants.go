package tcpengine

import "time"

// Tunable constants from spec §4.7.
const (
	// DefaultRecvWindow is the fixed, unscaled receive window advertised to
	// the guest.
	DefaultRecvWindow = 64 * 1024

	// InitialRTO is the starting retransmission timeout; it doubles on each
	// retransmit and resets on any new ACK.
	InitialRTO = 500 * time.Millisecond
	MaxRTO     = 16 * time.Second
	MaxRetries = 5

	// DelayedACKTimeout bounds how long a pure ACK may be withheld.
	DelayedACKTimeout = 40 * time.Millisecond

	// TimeWaitDuration is 2xMSL.
	TimeWaitDuration = 30 * time.Second

	// ClassifierIdleTimeout bounds how long the classifier waits for enough
	// bytes before rejecting a flow (spec §4.8).
	ClassifierIdleTimeout = 5 * time.Second

	// ClassifierMaxPeek bounds how many bytes the classifier inspects.
	ClassifierMaxPeek = 2048

	// MaxSegmentSize is the largest TCP payload this stack emits, derived
	// from the default 1500-byte MTU minus IPv4/TCP headers.
	MaxSegmentSize = 1460
)
