package tcpengine

// State is one of the canonical TCP open/close states (spec §3).
type State string

const (
	StateListen      State = "LISTEN"
	StateSynReceived State = "SYN_RECEIVED"
	StateEstablished State = "ESTABLISHED"
	StateFinWait1    State = "FIN_WAIT_1"
	StateFinWait2    State = "FIN_WAIT_2"
	StateCloseWait   State = "CLOSE_WAIT"
	StateClosing     State = "CLOSING"
	StateLastAck     State = "LAST_ACK"
	StateTimeWait    State = "TIME_WAIT"
	StateClosed      State = "CLOSED"
)

// Classification is the flow classifier's verdict (spec §3): exactly-once
// transition away from Unknown once enough bytes arrive.
type Classification string

const (
	ClassificationUnknown  Classification = "unknown"
	ClassificationHTTP     Classification = "http"
	ClassificationTLS      Classification = "tls"
	ClassificationRejected Classification = "rejected"
)
