package meshnet

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// UdpChannel wraps the single shared, non-blocking datagram socket a
// server binds for UDP session registration and unreliable delivery.
// Unlike Framer there is no length prefix: one datagram carries exactly
// one serialized object, bounded by objectBufferSize.
type UdpChannel struct {
	sockFD           int
	ser              Serialization
	objectBufferSize int

	readBuf []byte
	readLen int

	writeMu  sync.Mutex
	writeBuf []byte
}

func newUdpChannel(fd int, ser Serialization, objectBufferSize int) *UdpChannel {
	return &UdpChannel{
		sockFD:           fd,
		ser:              ser,
		objectBufferSize: objectBufferSize,
		readBuf:          make([]byte, objectBufferSize),
		writeBuf:         make([]byte, objectBufferSize),
	}
}

func (u *UdpChannel) fd() int {
	return u.sockFD
}

func (u *UdpChannel) close() error {
	return unix.Close(u.sockFD)
}

// readFromAddress reads one pending datagram into the channel's internal
// buffer, returning its source address. ok is false if no datagram was
// ready (EAGAIN) rather than an error.
func (u *UdpChannel) readFromAddress() (addr *net.UDPAddr, ok bool, err error) {
	n, from, rerr := unix.Recvfrom(u.sockFD, u.readBuf, 0)
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, newError(ErrIO, "udp_read", 0, rerr)
	}
	addr, err = sockaddrToUDPAddr(from)
	if err != nil {
		return nil, false, newError(ErrIO, "udp_read", 0, err)
	}
	u.readLen = n
	return addr, true, nil
}

// readObject decodes the datagram most recently staged by readFromAddress.
func (u *UdpChannel) readObject() (any, error) {
	obj, err := u.ser.Deserialize(u.readBuf[:u.readLen])
	if err != nil {
		return nil, newError(ErrSerialization, "udp_read", 0, err)
	}
	return obj, nil
}

// send serializes obj and transmits it to addr, returning the number of
// bytes sent. A return of -1 with a nil error means the kernel send buffer
// was momentarily full; the caller should log and continue rather than
// treat it as fatal.
func (u *UdpChannel) send(obj any, addr *net.UDPAddr) (int, error) {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	payload, err := u.ser.Serialize(u.writeBuf[:0], obj)
	if err != nil {
		return 0, newError(ErrSerialization, "udp_send", 0, err)
	}
	if len(payload) > u.objectBufferSize {
		return 0, newError(ErrBufferOverflow, "udp_send", 0,
			fmt.Errorf("encoded object of %d bytes exceeds object buffer size %d", len(payload), u.objectBufferSize))
	}

	sa, err := udpAddrToSockaddr(addr)
	if err != nil {
		return 0, newError(ErrIO, "udp_send", 0, err)
	}
	if err := unix.Sendto(u.sockFD, payload, 0, sa); err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil
		}
		return 0, newError(ErrIO, "udp_send", 0, err)
	}
	return len(payload), nil
}

// sendRaw transmits data verbatim, bypassing the Serialization
// collaborator. It exists for collaborators that define their own wire
// format on top of the shared datagram socket (e.g. the discovery
// handler's identity replies).
func (u *UdpChannel) sendRaw(data []byte, addr *net.UDPAddr) (int, error) {
	if len(data) > u.objectBufferSize {
		return 0, newError(ErrBufferOverflow, "udp_send", 0,
			fmt.Errorf("payload of %d bytes exceeds object buffer size %d", len(data), u.objectBufferSize))
	}
	sa, err := udpAddrToSockaddr(addr)
	if err != nil {
		return 0, newError(ErrIO, "udp_send", 0, err)
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if err := unix.Sendto(u.sockFD, data, 0, sa); err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil
		}
		return 0, newError(ErrIO, "udp_send", 0, err)
	}
	return len(data), nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) (*net.UDPAddr, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	default:
		return nil, fmt.Errorf("meshnet: unsupported sockaddr type %T", sa)
	}
}

func udpAddrToSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("meshnet: invalid IP address %v", addr.IP)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, nil
}
