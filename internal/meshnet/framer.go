package meshnet

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sys/unix"
)

// Framer owns one non-blocking TCP socket and implements the
// varint-length-prefixed object framing described by the wire protocol: a
// read buffer sized to hold exactly one maximal frame, and a write buffer
// that queues encoded objects until the kernel is ready to take them.
//
// The read side is only ever touched from the I/O goroutine. The write side
// is touched from the I/O goroutine (writeOperation, on write-readiness)
// and from arbitrary caller goroutines (send); writeMu serializes them.
type Framer struct {
	sockFD int
	connID int32
	ser    Serialization

	objectBufferSize int
	readBuf          []byte
	readLen          int

	writeMu         sync.Mutex
	writeBuf        []byte
	writeLen        int
	lastWriteTime   int64
	sendScratch     []byte

	lastReadTime    int64
	keepAliveMillis int64
	timeoutMillis   int64
	idleThreshold   float64

	// onWritePending is wired by the server at accept time. send calls it
	// when an immediate write leaves a remainder buffered, so the loop can
	// arm EPOLLOUT for this fd; without it the remainder is never flushed
	// and the write buffer only grows until it overflows.
	onWritePending func(fd int)
}

func newFramer(fd int, connID int32, ser Serialization, objectBufferSize, writeBufferSize int, keepAliveMillis, timeoutMillis int64, idleThreshold float64) *Framer {
	now := nowMillis()
	return &Framer{
		sockFD:           fd,
		connID:           connID,
		ser:              ser,
		objectBufferSize: objectBufferSize,
		readBuf:          make([]byte, objectBufferSize+maxVarintLen),
		writeBuf:         make([]byte, writeBufferSize),
		lastReadTime:     now,
		lastWriteTime:    now,
		keepAliveMillis:  keepAliveMillis,
		timeoutMillis:    timeoutMillis,
		idleThreshold:    idleThreshold,
	}
}

func (f *Framer) fd() int {
	return f.sockFD
}

func (f *Framer) close() error {
	return unix.Close(f.sockFD)
}

// drainReadable decodes every complete object currently sitting in the
// socket's receive buffer. It is invoked on read-readiness and keeps
// pulling frames until the socket has no more bytes to offer (EAGAIN) or a
// fatal error occurs, matching the "invoke read until no-object-yet"
// contract.
func (f *Framer) drainReadable() ([]any, error) {
	var objs []any
	for {
		obj, ok, err := f.parseOne()
		if err != nil {
			return objs, err
		}
		if ok {
			objs = append(objs, obj)
			continue
		}
		n, err := f.fillFromSocket()
		if err != nil {
			return objs, err
		}
		if n == 0 {
			return objs, nil
		}
	}
}

func (f *Framer) parseOne() (any, bool, error) {
	length, n, ok, err := readVarint(f.readBuf[:f.readLen])
	if err != nil {
		return nil, false, newError(ErrFraming, "read", f.connID, err)
	}
	if !ok {
		return nil, false, nil
	}
	if length > uint32(f.objectBufferSize) {
		return nil, false, newError(ErrFraming, "read", f.connID,
			fmt.Errorf("frame length %d exceeds object buffer size %d", length, f.objectBufferSize))
	}
	total := n + int(length)
	if f.readLen < total {
		return nil, false, nil
	}

	obj, err := f.ser.Deserialize(f.readBuf[n:total])
	if err != nil {
		return nil, false, newError(ErrSerialization, "read", f.connID, err)
	}

	copy(f.readBuf, f.readBuf[total:f.readLen])
	f.readLen -= total
	f.lastReadTime = nowMillis()
	return obj, true, nil
}

func (f *Framer) fillFromSocket() (int, error) {
	if f.readLen >= len(f.readBuf) {
		return 0, newError(ErrFraming, "read", f.connID, errors.New("read buffer full without a complete frame"))
	}
	n, err := unix.Read(f.sockFD, f.readBuf[f.readLen:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, newError(ErrIO, "read", f.connID, err)
	}
	if n == 0 {
		return 0, newError(ErrIO, "read", f.connID, errors.New("connection closed by peer"))
	}
	f.readLen += n
	recordBytesRead(n)
	return n, nil
}

// send serializes obj behind the varint prefix and queues it for delivery,
// attempting an immediate non-blocking write when the buffer was
// previously empty. It returns the number of payload bytes queued/written,
// or a BufferOverflow error if the write buffer has no room.
func (f *Framer) send(obj any) (int, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	payload, err := f.ser.Serialize(f.sendScratch[:0], obj)
	if err != nil {
		return 0, newError(ErrSerialization, "send", f.connID, err)
	}
	f.sendScratch = payload
	if len(payload) > f.objectBufferSize {
		return 0, newError(ErrBufferOverflow, "send", f.connID,
			fmt.Errorf("encoded object of %d bytes exceeds object buffer size %d", len(payload), f.objectBufferSize))
	}

	var prefix [maxVarintLen]byte
	prefixLen := putVarint(prefix[:], uint32(len(payload)))
	total := prefixLen + len(payload)
	if f.writeLen+total > len(f.writeBuf) {
		return 0, newError(ErrBufferOverflow, "send", f.connID,
			fmt.Errorf("write buffer has no room for %d bytes", total))
	}

	wasEmpty := f.writeLen == 0
	copy(f.writeBuf[f.writeLen:], prefix[:prefixLen])
	f.writeLen += prefixLen
	copy(f.writeBuf[f.writeLen:], payload)
	f.writeLen += len(payload)

	if wasEmpty {
		if err := f.drainWriteLocked(); err != nil {
			return 0, err
		}
		if f.writeLen > 0 && f.onWritePending != nil {
			f.onWritePending(f.sockFD)
		}
	}
	observeWriteBufferUtilization(float64(f.writeLen) / float64(len(f.writeBuf)))
	return len(payload), nil
}

// writeOperation drains as much of the write buffer as the socket will
// currently accept. It reports whether bytes remain queued, so the caller
// knows whether to keep write-readiness registered.
func (f *Framer) writeOperation() (hasMore bool, err error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := f.drainWriteLocked(); err != nil {
		return false, err
	}
	return f.writeLen > 0, nil
}

// drainWriteLocked requires writeMu to already be held.
func (f *Framer) drainWriteLocked() error {
	for f.writeLen > 0 {
		n, err := unix.Write(f.sockFD, f.writeBuf[:f.writeLen])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return newError(ErrIO, "write", f.connID, err)
		}
		if n <= 0 {
			return nil
		}
		recordBytesWritten(n)
		f.lastWriteTime = nowMillis()
		if n < f.writeLen {
			copy(f.writeBuf, f.writeBuf[n:f.writeLen])
			f.writeLen -= n
			return nil
		}
		f.writeLen = 0
	}
	return nil
}

func (f *Framer) needsKeepAlive(now int64) bool {
	f.writeMu.Lock()
	empty := f.writeLen == 0
	f.writeMu.Unlock()
	return f.keepAliveMillis > 0 && now-f.lastWriteTime > f.keepAliveMillis && empty
}

func (f *Framer) isTimedOut(now int64) bool {
	return f.timeoutMillis > 0 && now-f.lastReadTime > f.timeoutMillis
}

// nextDeadlineMillis returns how many milliseconds remain until this
// framer next needs attention from the keep-alive/timeout sweep (zero or
// negative means it is already due), or math.MaxInt64 if neither timer is
// enabled. The event loop uses this to size its poll timeout instead of
// waking on a fixed cadence, so a short keepAliveMillis is actually honored.
func (f *Framer) nextDeadlineMillis(now int64) int64 {
	best := int64(math.MaxInt64)
	f.writeMu.Lock()
	empty := f.writeLen == 0
	lastWrite := f.lastWriteTime
	f.writeMu.Unlock()

	if f.keepAliveMillis > 0 && empty {
		if d := f.keepAliveMillis - (now - lastWrite); d < best {
			best = d
		}
	}
	if f.timeoutMillis > 0 {
		if d := f.timeoutMillis - (now - f.lastReadTime); d < best {
			best = d
		}
	}
	return best
}

func (f *Framer) isIdle() bool {
	f.writeMu.Lock()
	ratio := float64(f.writeLen) / float64(len(f.writeBuf))
	f.writeMu.Unlock()
	return ratio < f.idleThreshold
}
