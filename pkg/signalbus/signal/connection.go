package signal

import "sync/atomic"

// Connection is the handle for one listener on one Signal.
type Connection struct {
	connected atomic.Bool
	detach    func()
}

// Disconnect stops future invocations of the listener. Calling it more than
// once, or after the parent signal was destroyed, does nothing.
func (c *Connection) Disconnect() {
	if c == nil {
		return
	}
	if c.connected.CompareAndSwap(true, false) {
		c.detach()
	}
}

// Connected reports whether the listener will receive future fires.
func (c *Connection) Connected() bool {
	return c != nil && c.connected.Load()
}
