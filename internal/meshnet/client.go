package meshnet

import (
	"bufio"
	"fmt"
	"io"
)

// WriteFrame encodes obj behind its varint length prefix and writes it to
// w in one call, for callers outside the I/O goroutine — plain blocking
// net.Conn clients such as cmd/meshconsole — that need the same wire
// format the Framer speaks without reaching into its unexported internals.
func WriteFrame(w io.Writer, ser Serialization, obj any) error {
	payload, err := ser.Serialize(nil, obj)
	if err != nil {
		return fmt.Errorf("meshnet: encode frame: %w", err)
	}
	var prefix [maxVarintLen]byte
	n := putVarint(prefix[:], uint32(len(payload)))
	buf := append(prefix[:n:n], payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("meshnet: write frame: %w", err)
	}
	return nil
}

// ReadFrame blocks on r until one complete varint-length-prefixed frame has
// arrived, then decodes it. r must be a *bufio.Reader so the one-byte-at-a-
// time varint prefix read doesn't thrash the underlying connection.
func ReadFrame(r *bufio.Reader, ser Serialization) (any, error) {
	var lengthBuf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("meshnet: read frame length: %w", err)
		}
		lengthBuf = append(lengthBuf, b)
		if b&0x80 == 0 {
			break
		}
	}
	length, _, ok, err := readVarint(lengthBuf)
	if err != nil {
		return nil, fmt.Errorf("meshnet: decode frame length: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("meshnet: incomplete varint prefix")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("meshnet: read frame payload: %w", err)
	}
	obj, err := ser.Deserialize(payload)
	if err != nil {
		return nil, fmt.Errorf("meshnet: decode frame payload: %w", err)
	}
	return obj, nil
}
