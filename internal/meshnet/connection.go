package meshnet

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// connectionState mirrors the irreversible per-connection state machine:
// Accepted -> Pending -> Established -> Closed when UDP is enabled, or
// Accepted -> Established -> Closed when it is not.
type connectionState int32

const (
	stateAccepted connectionState = iota
	statePending
	stateEstablished
	stateClosed
)

// Connection is the central per-session entity: one TCP framer, an
// optional bound UDP remote address, the listener list that observes it,
// and the bookkeeping the keep-alive/timeout/idle sweep needs.
//
// Connection handles compare by pointer identity only; there is no
// id-based equality, so a connection that later reuses an id after
// wrap-around is a distinct handle.
type Connection struct {
	id int32

	framer *Framer

	udpMu            sync.RWMutex
	udpRemoteAddress *net.UDPAddr

	state atomic.Int32

	name atomic.Value // string

	listenersMu sync.RWMutex
	listeners   []Listener

	pingMu           sync.Mutex
	lastPingID       int32
	lastPingSendTime int64
	returnTripTime   atomic.Int64

	observedConnected atomic.Bool
	closing           atomic.Bool

	// onSendError is wired by the server at accept time so a fatal write
	// error observed on any caller's goroutine (not just the I/O thread)
	// still tears the connection down, matching the propagation policy in
	// errors.go.
	onSendError func(*Connection, error)
}

func newConnection(id int32, framer *Framer) *Connection {
	c := &Connection{id: id, framer: framer}
	c.state.Store(int32(stateAccepted))
	c.name.Store(fmt.Sprintf("Connection %d", id))
	c.returnTripTime.Store(-1)
	return c
}

// ID returns the server-assigned connection identifier.
func (c *Connection) ID() int32 {
	return c.id
}

// Name returns the connection's display label.
func (c *Connection) Name() string {
	return c.name.Load().(string)
}

// SetName overrides the default "Connection <id>" label.
func (c *Connection) SetName(name string) {
	c.name.Store(name)
}

// IsConnected reports whether the connection currently sits in the
// established registry.
func (c *Connection) IsConnected() bool {
	return connectionState(c.state.Load()) == stateEstablished
}

func (c *Connection) currentState() connectionState {
	return connectionState(c.state.Load())
}

// UDPRemoteAddress returns the bound datagram address, or nil if UDP has
// not been registered for this connection yet.
func (c *Connection) UDPRemoteAddress() *net.UDPAddr {
	c.udpMu.RLock()
	defer c.udpMu.RUnlock()
	return c.udpRemoteAddress
}

func (c *Connection) setUDPRemoteAddress(addr *net.UDPAddr) {
	c.udpMu.Lock()
	c.udpRemoteAddress = addr
	c.udpMu.Unlock()
}

// ReturnTripTime returns the measured Ping round-trip duration in
// milliseconds, or -1 if no round trip has completed yet.
func (c *Connection) ReturnTripTime() int64 {
	return c.returnTripTime.Load()
}

// UpdateReturnTripTime sends a fresh latency probe and stamps when it was
// sent, mirroring the original's Connection.updateReturnTripTime(). The
// matching reply is picked up by Dispatcher.dispatchReceived, which calls
// recordPingReply to settle ReturnTripTime.
func (c *Connection) UpdateReturnTripTime() (int, error) {
	c.pingMu.Lock()
	c.lastPingID++
	id := c.lastPingID
	c.lastPingSendTime = nowMillis()
	c.pingMu.Unlock()
	return c.SendTCP(Ping{ID: id, IsReply: false})
}

// recordPingReply reports whether id matches the last outgoing ping and, if
// so, when that ping was sent. Called from the I/O goroutine while
// UpdateReturnTripTime may be called from any caller goroutine, so both
// sides go through pingMu.
func (c *Connection) recordPingReply(id int32) (matched bool, sentAt int64) {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return id == c.lastPingID, c.lastPingSendTime
}

// SendTCP queues obj for delivery over the connection's TCP framer. It
// returns the number of payload bytes queued/written, or an error; a
// BufferOverflow error means the caller should treat this connection as
// fatally desynchronized.
func (c *Connection) SendTCP(obj any) (int, error) {
	n, err := c.framer.send(obj)
	if err != nil && c.onSendError != nil {
		c.onSendError(c, err)
	}
	return n, err
}

// listenerSnapshot returns the current copy-on-write listener slice
// without holding the lock during iteration.
func (c *Connection) listenerSnapshot() []Listener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return c.listeners
}

// AddListener appends l to the connection's listener list, deduplicated by
// identity, replacing the underlying slice so concurrent readers never see
// a partially mutated array.
func (c *Connection) AddListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for _, existing := range c.listeners {
		if existing == l {
			return
		}
	}
	next := make([]Listener, len(c.listeners)+1)
	copy(next, c.listeners)
	next[len(next)-1] = l
	c.listeners = next
}

// RemoveListener drops l from the connection's listener list, if present.
func (c *Connection) RemoveListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			next := make([]Listener, 0, len(c.listeners)-1)
			next = append(next, c.listeners[:i]...)
			next = append(next, c.listeners[i+1:]...)
			c.listeners = next
			return
		}
	}
}

func (c *Connection) String() string {
	return c.Name()
}
