package meshnet

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ServerOptions configures a Server's buffers, timers and collaborators.
// Zero-valued fields are replaced by the same defaults the wire protocol
// specifies.
type ServerOptions struct {
	WriteBufferSize  int
	ObjectBufferSize int
	KeepAliveMillis  int64
	TimeoutMillis    int64
	IdleThreshold    float64
	Serialization    Serialization
	Logger           *zap.Logger
	Dashboard        *Dashboard
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 16384
	}
	if o.ObjectBufferSize <= 0 {
		o.ObjectBufferSize = 2048
	}
	switch {
	case o.KeepAliveMillis == 0:
		o.KeepAliveMillis = 8000
	case o.KeepAliveMillis < 0:
		o.KeepAliveMillis = 0 // explicitly disabled
	}
	switch {
	case o.TimeoutMillis == 0:
		o.TimeoutMillis = 12000
	case o.TimeoutMillis < 0:
		o.TimeoutMillis = 0 // explicitly disabled
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 0.1
	}
	if o.Serialization == nil {
		o.Serialization = NewTaggedJSONSerialization()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Server multiplexes many TCP sessions, with an optional parallel UDP
// registration channel, over a single readiness-driven I/O goroutine. All
// listener callbacks and protocol bookkeeping run on that goroutine;
// Bind/Close/Stop/SendTo* may be called concurrently from any goroutine.
type Server struct {
	opts ServerOptions
	log  *zap.Logger

	updateLock sync.Mutex
	poller     *poller
	registry   *Registry
	dispatcher *Dispatcher

	listenFD int
	udp      *UdpChannel

	connsMu  sync.Mutex
	connByFD map[int]*Connection

	discoveryMu      sync.RWMutex
	discoveryHandler ServerDiscoveryHandler

	dashboard *Dashboard

	shutdown         atomic.Bool
	running          atomic.Bool
	emptySelectCount int
}

// NewServer constructs a Server ready to Bind. It owns a poller from
// construction so SendTo*/AddListener can be exercised by tests before a
// socket is ever bound.
func NewServer(opts ServerOptions) (*Server, error) {
	opts = opts.withDefaults()
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:       opts,
		log:        opts.Logger,
		poller:     p,
		registry:   newRegistry(),
		dispatcher: newDispatcher(),
		connByFD:   make(map[int]*Connection),
		listenFD:   -1,
		dashboard:  opts.Dashboard,
	}, nil
}

// Bind opens the listening TCP socket at tcpAddr and, if udpAddr is
// non-empty, the shared UDP registration socket at udpAddr. It holds
// updateLock so a concurrently running event loop cycle never observes a
// partially configured server.
func (s *Server) Bind(tcpAddr, udpAddr string) error {
	s.updateLock.Lock()
	defer s.updateLock.Unlock()

	fd, err := bindListenSocket(tcpAddr)
	if err != nil {
		return newError(ErrIO, "bind", 0, err)
	}
	if err := s.poller.add(fd, true, false); err != nil {
		unix.Close(fd)
		return err
	}
	s.listenFD = fd

	if udpAddr != "" {
		ufd, err := bindUDPSocket(udpAddr)
		if err != nil {
			unix.Close(fd)
			return newError(ErrIO, "bind", 0, err)
		}
		if err := s.poller.add(ufd, true, false); err != nil {
			unix.Close(ufd)
			return err
		}
		s.udp = newUdpChannel(ufd, s.opts.Serialization, s.opts.ObjectBufferSize)
	}

	s.poller.wakeup()
	return nil
}

// TCPAddr returns the listening socket's bound address, including the
// kernel-assigned port when the caller bound to port 0.
func (s *Server) TCPAddr() (*net.TCPAddr, error) {
	if s.listenFD < 0 {
		return nil, newError(ErrIllegalState, "tcp_addr", 0, fmt.Errorf("server is not bound"))
	}
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return nil, newError(ErrIO, "tcp_addr", 0, err)
	}
	addr, err := sockaddrToUDPAddr(sa)
	if err != nil {
		return nil, newError(ErrIO, "tcp_addr", 0, err)
	}
	return &net.TCPAddr{IP: addr.IP, Port: addr.Port}, nil
}

// UDPAddr returns the shared UDP socket's bound address, or an error if
// UDP was not enabled at Bind time.
func (s *Server) UDPAddr() (*net.UDPAddr, error) {
	if s.udp == nil {
		return nil, newError(ErrIllegalState, "udp_addr", 0, fmt.Errorf("udp is not enabled"))
	}
	sa, err := unix.Getsockname(s.udp.fd())
	if err != nil {
		return nil, newError(ErrIO, "udp_addr", 0, err)
	}
	return sockaddrToUDPAddr(sa)
}

func bindListenSocket(addr string) (int, error) {
	resolved, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: resolved.Port}
	if ip4 := resolved.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func bindUDPSocket(addr string) (int, error) {
	resolved, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: resolved.Port}
	if ip4 := resolved.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Start runs the event loop on a new goroutine. Calling Start on an
// already-running server is a no-op.
func (s *Server) Start() {
	if s.running.CompareAndSwap(false, true) {
		go func() {
			defer s.running.Store(false)
			if err := s.Run(); err != nil {
				s.log.Error("event loop exited", zap.Error(err))
			}
		}()
	}
}

// Run drives the event loop on the calling goroutine until Stop is called
// or an unrecoverable I/O error escapes Update. The poll timeout adapts to
// the nearest upcoming keep-alive or timeout deadline across established
// connections, so a short keepAliveMillis/timeoutMillis is honored promptly
// instead of only on a fixed cadence.
func (s *Server) Run() error {
	for !s.shutdown.Load() {
		if err := s.Update(s.nextPollTimeoutMillis()); err != nil {
			s.log.Error("event loop iteration failed", zap.Error(err))
			s.Close()
			return err
		}
	}
	return nil
}

func (s *Server) nextPollTimeoutMillis() int {
	timeout := int64(shutdownPollTimeoutMillis)
	now := nowMillis()
	for _, conn := range s.registry.establishedSnapshot() {
		if d := conn.framer.nextDeadlineMillis(now); d < timeout {
			timeout = d
		}
	}
	if timeout < 1 {
		timeout = 1
	}
	return int(timeout)
}

// Stop requests the event loop to exit within one cycle and tears down
// every connection and bound socket.
func (s *Server) Stop() {
	s.shutdown.Store(true)
	s.Close()
}

// Close drains every connection, closes the listening and UDP sockets,
// and performs a final zero-timeout wait so the poller can finalize
// cancelled keys before returning.
func (s *Server) Close() error {
	s.updateLock.Lock()
	defer s.updateLock.Unlock()

	for _, conn := range s.registry.establishedSnapshot() {
		s.closeConnection(conn, nil)
	}
	for _, conn := range s.registry.pendingSnapshot() {
		s.closeConnection(conn, nil)
	}

	if s.listenFD >= 0 {
		s.poller.remove(s.listenFD)
		unix.Close(s.listenFD)
		s.listenFD = -1
	}
	if s.udp != nil {
		s.poller.remove(s.udp.fd())
		s.udp.close()
		s.udp = nil
	}

	events := make([]unix.EpollEvent, 16)
	s.poller.wait(0, events)
	s.poller.wakeup()
	return nil
}

// SetDiscoveryHandler installs the collaborator that answers DiscoverHost
// broadcasts. A nil handler disables discovery replies.
func (s *Server) SetDiscoveryHandler(h ServerDiscoveryHandler) {
	s.discoveryMu.Lock()
	s.discoveryHandler = h
	s.discoveryMu.Unlock()
}

func (s *Server) currentDiscoveryHandler() ServerDiscoveryHandler {
	s.discoveryMu.RLock()
	defer s.discoveryMu.RUnlock()
	return s.discoveryHandler
}

// AddListener registers a server-wide Listener.
func (s *Server) AddListener(l Listener) {
	s.dispatcher.AddListener(l)
}

// RemoveListener drops a previously registered server-wide Listener.
func (s *Server) RemoveListener(l Listener) {
	s.dispatcher.RemoveListener(l)
}

// GetConnections returns a snapshot of the currently established
// connections, newest-first.
func (s *Server) GetConnections() []*Connection {
	return s.registry.establishedSnapshot()
}

// SendToAllTCP queues obj for every established connection.
func (s *Server) SendToAllTCP(obj any) {
	s.registry.sendToAllTCP(obj)
}

// SendToAllExceptTCP queues obj for every established connection other
// than excludeID.
func (s *Server) SendToAllExceptTCP(excludeID int32, obj any) {
	s.registry.sendToAllExceptTCP(excludeID, obj)
}

// SendToTCP queues obj for the single connection identified by id.
func (s *Server) SendToTCP(id int32, obj any) (int, error) {
	return s.registry.sendToTCP(id, obj)
}

// SendToAllUDP transmits obj over UDP to every established connection
// with a bound datagram address.
func (s *Server) SendToAllUDP(obj any) error {
	if s.udp == nil {
		return newError(ErrIllegalState, "send_to_all_udp", 0, fmt.Errorf("udp is not enabled"))
	}
	s.registry.sendToAllUDP(s.udp, obj)
	return nil
}

// SendToAllExceptUDP transmits obj over UDP to every established
// connection other than excludeID.
func (s *Server) SendToAllExceptUDP(excludeID int32, obj any) error {
	if s.udp == nil {
		return newError(ErrIllegalState, "send_to_all_except_udp", excludeID, fmt.Errorf("udp is not enabled"))
	}
	s.registry.sendToAllExceptUDP(s.udp, excludeID, obj)
	return nil
}

// SendToUDP transmits obj over UDP to the connection identified by id.
func (s *Server) SendToUDP(id int32, obj any) (int, error) {
	if s.udp == nil {
		return 0, newError(ErrIllegalState, "send_to_udp", id, fmt.Errorf("udp is not enabled"))
	}
	return s.registry.sendToUDP(s.udp, id, obj)
}
