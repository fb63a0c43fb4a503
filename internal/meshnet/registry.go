package meshnet

import (
	"fmt"
	"net"
	"sync"
)

// Registry holds every connection known to the server, split into the two
// disjoint collections the cross-transport handshake needs: pending (TCP
// up, UDP bind awaited) and established. A connection id belongs to at
// most one of the two at any time.
type Registry struct {
	mu          sync.RWMutex
	established []*Connection // newest-first
	pending     map[int32]*Connection

	nextID int32
}

func newRegistry() *Registry {
	return &Registry{pending: make(map[int32]*Connection)}
}

// allocateID assigns the next connection id, wrapping from 2^31-1 back to
// 1 and skipping both 0 and negative values.
func (r *Registry) allocateID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.nextID <= 0 {
		r.nextID = 1
	}
	return r.nextID
}

func (r *Registry) addPending(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.state.Store(int32(statePending))
	r.pending[c.id] = c
}

func (r *Registry) addEstablished(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.state.Store(int32(stateEstablished))
	r.prependEstablishedLocked(c)
}

func (r *Registry) prependEstablishedLocked(c *Connection) {
	next := make([]*Connection, len(r.established)+1)
	next[0] = c
	copy(next[1:], r.established)
	r.established = next
}

// promote moves a pending connection into established. It returns false
// if id is unknown or no longer pending.
func (r *Registry) promote(id int32) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	delete(r.pending, id)
	c.state.Store(int32(stateEstablished))
	r.prependEstablishedLocked(c)
	return c, true
}

func (r *Registry) pendingByID(id int32) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.pending[id]
	return c, ok
}

// remove drops c from whichever collection currently holds it.
func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, c.id)
	for i, existing := range r.established {
		if existing == c {
			next := make([]*Connection, 0, len(r.established)-1)
			next = append(next, r.established[:i]...)
			next = append(next, r.established[i+1:]...)
			r.established = next
			break
		}
	}
	c.state.Store(int32(stateClosed))
}

// establishedSnapshot returns the current established slice; callers
// iterate it without holding any lock, relying on copy-on-write mutation.
func (r *Registry) establishedSnapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.established
}

func (r *Registry) pendingSnapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	return out
}

// establishedByUDPAddress finds the established connection whose bound
// datagram address matches addr, for routing inbound UDP application
// traffic back to its owning connection.
func (r *Registry) establishedByUDPAddress(addr *net.UDPAddr) (*Connection, bool) {
	for _, c := range r.establishedSnapshot() {
		if bound := c.UDPRemoteAddress(); bound != nil && udpAddrEqual(bound, addr) {
			return c, true
		}
	}
	return nil, false
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (r *Registry) sendToAllTCP(obj any) {
	for _, c := range r.establishedSnapshot() {
		c.SendTCP(obj)
	}
}

func (r *Registry) sendToAllExceptTCP(excludeID int32, obj any) {
	for _, c := range r.establishedSnapshot() {
		if c.id == excludeID {
			continue
		}
		c.SendTCP(obj)
	}
}

func (r *Registry) sendToTCP(id int32, obj any) (int, error) {
	for _, c := range r.establishedSnapshot() {
		if c.id == id {
			return c.SendTCP(obj)
		}
	}
	return 0, newError(ErrIllegalState, "send_to_tcp", id, fmt.Errorf("connection %d is not established", id))
}

func (r *Registry) sendToAllUDP(udp *UdpChannel, obj any) {
	for _, c := range r.establishedSnapshot() {
		if addr := c.UDPRemoteAddress(); addr != nil {
			udp.send(obj, addr)
		}
	}
}

func (r *Registry) sendToAllExceptUDP(udp *UdpChannel, excludeID int32, obj any) {
	for _, c := range r.establishedSnapshot() {
		if c.id == excludeID {
			continue
		}
		if addr := c.UDPRemoteAddress(); addr != nil {
			udp.send(obj, addr)
		}
	}
}

func (r *Registry) sendToUDP(udp *UdpChannel, id int32, obj any) (int, error) {
	for _, c := range r.establishedSnapshot() {
		if c.id == id {
			addr := c.UDPRemoteAddress()
			if addr == nil {
				return 0, newError(ErrIllegalState, "send_to_udp", id, fmt.Errorf("connection %d has no bound udp address", id))
			}
			return udp.send(obj, addr)
		}
	}
	return 0, newError(ErrIllegalState, "send_to_udp", id, fmt.Errorf("connection %d is not established", id))
}
