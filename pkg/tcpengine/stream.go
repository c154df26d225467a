package tcpengine

import "fmt"

// Stream is what upper layers (the classifier, the HTTP mediator, the TLS
// MITM) see of a Connection: an ordered byte stream plus the bits they need
// to classify and log it. It exists so those packages depend on this
// narrow surface rather than the whole engine.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Reset() error
	Key() FlowKey
	Classification() Classification
	SetClassification(Classification)
}

// Key returns the flow's 4-tuple.
func (c *Connection) Key() FlowKey { return c.key }

// Classification returns the classifier's current verdict for this flow.
func (c *Connection) Classification() Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Class
}

// SetClassification records the classifier's verdict; it is set exactly
// once per flow (spec §4.8) but no enforcement lives here — the classifier
// owns that invariant.
func (c *Connection) SetClassification(class Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Class = class
}

// RemoteAddr formats the guest-facing peer address (host:port the guest
// connected to), for logging.
func (c *Connection) RemoteAddr() string {
	return fmt.Sprintf("%s:%s", c.key.RemoteIP, c.key.RemotePort)
}

// LocalAddr formats the guest's own address:port, for logging.
func (c *Connection) LocalAddr() string {
	return fmt.Sprintf("%s:%s", c.key.LocalIP, c.key.LocalPort)
}
