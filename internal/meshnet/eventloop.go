package meshnet

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	emptySelectSafeguardCycles = 100
	emptySelectSafeguardSleep  = 25 * time.Millisecond
	shutdownPollTimeoutMillis  = 250
)

// Update performs one readiness cycle. timeoutMillis is passed straight
// to the poller (0 polls immediately, a positive value blocks up to that
// many milliseconds).
func (s *Server) Update(timeoutMillis int) error {
	s.updateLock.Lock()
	s.updateLock.Unlock()

	cycleStart := time.Now()
	events := make([]unix.EpollEvent, 64)
	n, _, err := s.poller.wait(timeoutMillis, events)
	if err != nil {
		return err
	}

	if n == 0 {
		s.emptySelectCount++
		recordEmptySelectCycle()
		if s.emptySelectCount >= emptySelectSafeguardCycles {
			s.emptySelectCount = 0
			if remaining := emptySelectSafeguardSleep - time.Since(cycleStart); remaining > 0 {
				time.Sleep(remaining)
			}
		}
	} else {
		s.emptySelectCount = 0
	}

	s.sweepKeepAlives()

	for i := 0; i < n; i++ {
		s.handleEvent(events[i])
		s.sweepKeepAlives()
	}

	s.sweepTimersAndIdle()
	return nil
}

func (s *Server) handleEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	switch {
	case fd == s.listenFD:
		s.acceptOperation()
	case s.udp != nil && fd == s.udp.fd():
		s.handleUDPReadable()
	default:
		s.connsMu.Lock()
		conn, ok := s.connByFD[fd]
		s.connsMu.Unlock()
		if !ok {
			s.poller.remove(fd)
			return
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			s.closeConnection(conn, newError(ErrCancelled, "poll", conn.id, errors.New("socket error or hangup")))
			return
		}
		s.handleConnectionEvent(conn, ev.Events&unix.EPOLLIN != 0, ev.Events&unix.EPOLLOUT != 0)
	}
}

// acceptOperation drains the listening socket's accept backlog, assigning
// each new connection an id and placing it in pending (UDP enabled) or
// established (UDP disabled) per the registration lifecycle.
func (s *Server) acceptOperation() {
	for {
		fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}

		recordConnectionAccepted()
		id := s.registry.allocateID()
		framer := newFramer(fd, id, s.opts.Serialization, s.opts.ObjectBufferSize, s.opts.WriteBufferSize,
			s.opts.KeepAliveMillis, s.opts.TimeoutMillis, s.opts.IdleThreshold)
		conn := newConnection(id, framer)
		conn.onSendError = s.handleSendError
		framer.onWritePending = s.armWritable

		if err := s.poller.add(fd, true, false); err != nil {
			s.log.Warn("failed to register accepted connection with poller", zap.Int32("id", id), zap.Error(err))
			framer.close()
			continue
		}
		s.connsMu.Lock()
		s.connByFD[fd] = conn
		s.connsMu.Unlock()

		if _, err := conn.SendTCP(RegisterTCP{ConnectionID: id}); err != nil {
			s.log.Debug("failed to send registertcp welcome", zap.Int32("id", id), zap.Error(err))
			s.closeConnection(conn, err)
			continue
		}

		if s.udp == nil {
			s.registry.addEstablished(conn)
			conn.observedConnected.Store(true)
			recordConnectionEstablished()
			s.dispatcher.fireConnected(conn)
		} else {
			s.registry.addPending(conn)
		}
	}
}

// handleConnectionEvent drains readable objects then handles
// write-readiness for one TCP connection. Per the registration invariant,
// any TCP traffic on a connection still awaiting UDP binding is fatal.
func (s *Server) handleConnectionEvent(conn *Connection, readable, writable bool) {
	if s.udp != nil && conn.UDPRemoteAddress() == nil {
		s.closeConnection(conn, newError(ErrIllegalState, "tcp_before_udp_bind", conn.id,
			errors.New("tcp traffic observed before udp registration completed")))
		return
	}

	if readable {
		objs, err := conn.framer.drainReadable()
		for _, obj := range objs {
			recordFrameDecoded()
			s.dispatcher.dispatchReceived(conn, obj)
		}
		if err != nil {
			var meshErr *MeshError
			if errors.As(err, &meshErr) {
				recordFrameDropped(meshErr.Kind)
			}
			s.closeConnection(conn, err)
			return
		}
	}

	if writable {
		hasMore, err := conn.framer.writeOperation()
		if err != nil {
			s.closeConnection(conn, err)
			return
		}
		if !hasMore {
			s.poller.modify(conn.framer.fd(), true, false)
		}
	}
}

// handleUDPReadable drains every pending datagram on the shared UDP
// socket, handling the RegisterUDP handshake and delegating DiscoverHost
// to the discovery handler. Any other object is dispatched to the
// established connection bound to its source address; from an unbound
// source it is silently ignored.
func (s *Server) handleUDPReadable() {
	for {
		addr, ok, err := s.udp.readFromAddress()
		if err != nil {
			s.log.Warn("udp read failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}

		obj, err := s.udp.readObject()
		if err != nil {
			s.log.Debug("udp payload failed to decode", zap.Error(err))
			continue
		}

		switch m := obj.(type) {
		case RegisterUDP:
			s.handleRegisterUDP(m, addr)
		case DiscoverHost:
			if h := s.currentDiscoveryHandler(); h != nil {
				h.HandleDiscoverHost(s.udp, addr)
			}
		default:
			if conn, ok := s.registry.establishedByUDPAddress(addr); ok {
				recordFrameDecoded()
				s.dispatcher.dispatchReceived(conn, obj)
			}
		}
	}
}

// armWritable re-registers fd for write-readiness and wakes the poller, so
// a remainder left by a non-blocking send (framer.go's send) is picked up
// by writeOperation on the next cycle instead of sitting buffered forever.
// It may be called from any caller's goroutine, same as onSendError.
func (s *Server) armWritable(fd int) {
	s.poller.modify(fd, true, true)
	s.poller.wakeup()
}

// handleSendError is wired onto every accepted Connection as onSendError.
// It may run on any caller's goroutine, not just the I/O thread, since
// SendTo* is part of the concurrent-caller surface; per the propagation
// policy in errors.go, io/framing/serialization/buffer-overflow failures
// are fatal to the connection regardless of which goroutine observed them.
func (s *Server) handleSendError(conn *Connection, err error) {
	var meshErr *MeshError
	if !errors.As(err, &meshErr) {
		return
	}
	switch meshErr.Kind {
	case ErrIO, ErrFraming, ErrSerialization, ErrBufferOverflow:
		s.closeConnection(conn, err)
	}
}

func (s *Server) handleRegisterUDP(m RegisterUDP, addr *net.UDPAddr) {
	pending, ok := s.registry.pendingByID(m.ConnectionID)
	if !ok {
		recordUDPRegistrationIgnored()
		return
	}
	pending.setUDPRemoteAddress(addr)

	conn, ok := s.registry.promote(m.ConnectionID)
	if !ok {
		recordUDPRegistrationIgnored()
		return
	}

	recordUDPRegistration()
	recordConnectionEstablished()
	conn.observedConnected.Store(true)
	conn.SendTCP(RegisterUDP{ConnectionID: conn.id})
	s.dispatcher.fireConnected(conn)
}

func (s *Server) sweepKeepAlives() {
	now := nowMillis()
	for _, conn := range s.registry.establishedSnapshot() {
		if conn.framer.needsKeepAlive(now) {
			conn.SendTCP(KeepAlive{})
		}
	}
}

func (s *Server) sweepTimersAndIdle() {
	now := nowMillis()
	for _, conn := range s.registry.establishedSnapshot() {
		if conn.framer.isTimedOut(now) {
			s.closeConnection(conn, newError(ErrIO, "timeout", conn.id, errors.New("connection timed out")))
			continue
		}
		if conn.framer.needsKeepAlive(now) {
			conn.SendTCP(KeepAlive{})
		}
		if conn.framer.isIdle() {
			s.dispatcher.fireIdle(conn)
		}
	}
	established := len(s.registry.establishedSnapshot())
	pending := len(s.registry.pendingSnapshot())
	setActiveConnections(established)
	setPendingConnections(pending)

	if s.dashboard != nil {
		read, written := currentByteCounters()
		s.dashboard.Publish(Snapshot{
			Event:             "stats",
			Established:       established,
			Pending:           pending,
			BytesRead:         read,
			BytesWritten:      written,
			EmptySelectCycles: currentEmptySelectCycles(),
		})
	}
}

// closeConnection tears down one connection: deregisters it from the
// poller, closes its socket, removes it from the registry, and fires
// disconnected exactly once iff it was ever observed connected.
func (s *Server) closeConnection(conn *Connection, cause error) {
	if !conn.closing.CompareAndSwap(false, true) {
		return
	}

	fd := conn.framer.fd()
	s.poller.remove(fd)
	conn.framer.close()
	s.connsMu.Lock()
	delete(s.connByFD, fd)
	s.connsMu.Unlock()

	wasConnected := conn.observedConnected.Load()
	s.registry.remove(conn)

	if cause != nil {
		s.log.Debug("connection closed", zap.Int32("id", conn.id), zap.Error(cause))
	}
	recordConnectionClosed(closeReason(cause))

	if wasConnected {
		s.dispatcher.fireDisconnected(conn)
	}
}

func closeReason(cause error) string {
	if cause == nil {
		return "explicit"
	}
	var meshErr *MeshError
	if errors.As(cause, &meshErr) {
		return meshErr.Kind.String()
	}
	return "unknown"
}
