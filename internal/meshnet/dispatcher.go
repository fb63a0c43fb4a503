package meshnet

import "sync"

// Dispatcher fans lifecycle and traffic events out to the server-wide
// listener list and to each connection's own listener list, and
// intercepts the fixed framework control messages before user code ever
// sees them — except where the wire protocol specifically says otherwise
// (Ping auto-reply, KeepAlive passthrough).
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
}

func newDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) snapshot() []Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners
}

// AddListener registers a server-wide listener, deduplicated by identity.
func (d *Dispatcher) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.listeners {
		if existing == l {
			return
		}
	}
	next := make([]Listener, len(d.listeners)+1)
	copy(next, d.listeners)
	next[len(next)-1] = l
	d.listeners = next
}

// RemoveListener drops l from the server-wide listener list, if present.
func (d *Dispatcher) RemoveListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			next := make([]Listener, 0, len(d.listeners)-1)
			next = append(next, d.listeners[:i]...)
			next = append(next, d.listeners[i+1:]...)
			d.listeners = next
			return
		}
	}
}

func (d *Dispatcher) fireConnected(c *Connection) {
	for _, l := range d.snapshot() {
		l.Connected(c)
	}
	for _, l := range c.listenerSnapshot() {
		l.Connected(c)
	}
}

func (d *Dispatcher) fireDisconnected(c *Connection) {
	for _, l := range d.snapshot() {
		l.Disconnected(c)
	}
	for _, l := range c.listenerSnapshot() {
		l.Disconnected(c)
	}
}

// fireIdle stops early if a listener's callback causes c to no longer be
// idle, per the "iteration stops early" contract.
func (d *Dispatcher) fireIdle(c *Connection) {
	for _, l := range d.snapshot() {
		l.Idle(c)
		if !c.framer.isIdle() {
			return
		}
	}
	for _, l := range c.listenerSnapshot() {
		l.Idle(c)
		if !c.framer.isIdle() {
			return
		}
	}
}

func (d *Dispatcher) fireReceived(c *Connection, obj any) {
	for _, l := range d.snapshot() {
		l.Received(c, obj)
	}
	for _, l := range c.listenerSnapshot() {
		l.Received(c, obj)
	}
}

// dispatchReceived applies framework-message interception before deciding
// whether an object reaches application listeners at all.
func (d *Dispatcher) dispatchReceived(c *Connection, obj any) {
	switch m := obj.(type) {
	case RegisterTCP, RegisterUDP, DiscoverHost:
		return
	case Ping:
		if !m.IsReply {
			m.IsReply = true
			c.SendTCP(m)
			d.fireReceived(c, obj)
			return
		}
		if matched, sentAt := c.recordPingReply(m.ID); matched {
			c.returnTripTime.Store(nowMillis() - sentAt)
		}
		return
	default:
		d.fireReceived(c, obj)
	}
}
