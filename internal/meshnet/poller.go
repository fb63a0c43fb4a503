package meshnet

import "golang.org/x/sys/unix"

// poller is the readiness-based I/O primitive the event loop selects on:
// a thin epoll(7) wrapper plus an eventfd(2) used purely to implement
// wakeup() — unblocking a goroutine parked in wait() so a concurrent bind
// or close can interpose between cycles, per the selector.wakeup() model.
type poller struct {
	epfd     int
	wakeupFD int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newError(ErrIO, "poller_create", 0, err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, newError(ErrIO, "poller_create", 0, err)
	}
	p := &poller{epfd: epfd, wakeupFD: wfd}
	if err := p.add(wfd, true, false); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func (p *poller) close() error {
	unix.Close(p.wakeupFD)
	return unix.Close(p.epfd)
}

func eventMask(readable, writable bool) uint32 {
	var mask uint32
	if readable {
		mask |= unix.EPOLLIN
	}
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *poller) add(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventMask(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return newError(ErrIO, "poller_add", 0, err)
	}
	return nil
}

func (p *poller) modify(fd int, readable, writable bool) error {
	ev := unix.EpollEvent{Events: eventMask(readable, writable), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return newError(ErrIO, "poller_modify", 0, err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return newError(ErrIO, "poller_remove", 0, err)
	}
	return nil
}

// wakeup unblocks a goroutine currently parked in wait, called from a
// thread other than the I/O thread (e.g. bind or close).
func (p *poller) wakeup() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(p.wakeupFD, buf[:])
}

func (p *poller) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeupFD, buf[:]); err != nil {
			return
		}
	}
}

// wait blocks for up to timeoutMillis (0 polls immediately, -1 blocks
// indefinitely) and reports the ready, non-wakeup events compacted to the
// front of events. woken reports whether wakeup() fired during this call.
func (p *poller) wait(timeoutMillis int, events []unix.EpollEvent) (n int, woken bool, err error) {
	n, err = unix.EpollWait(p.epfd, events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, false, nil
		}
		return 0, false, newError(ErrIO, "poller_wait", 0, err)
	}
	out := 0
	for i := 0; i < n; i++ {
		if int(events[i].Fd) == p.wakeupFD {
			woken = true
			p.drainWakeup()
			continue
		}
		events[out] = events[i]
		out++
	}
	return out, woken, nil
}
