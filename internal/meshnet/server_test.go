package meshnet

import (
	"bufio"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoMessage struct {
	Text string
}

func readFrame(t *testing.T, r *bufio.Reader, ser Serialization) any {
	t.Helper()
	obj, err := ReadFrame(r, ser)
	require.NoError(t, err)
	return obj
}

// tryReadFrame behaves like readFrame but returns ok=false instead of
// failing the test when deadline reports a timeout, for polling loops that
// need to observe "nothing arrived yet".
func tryReadFrame(t *testing.T, conn net.Conn, r *bufio.Reader, ser Serialization, deadline time.Duration) (any, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(deadline))
	defer conn.SetReadDeadline(time.Time{})

	b, err := r.ReadByte()
	if err != nil {
		return nil, false
	}
	lengthBuf := []byte{b}
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return nil, false
		}
		lengthBuf = append(lengthBuf, b)
	}
	length, _, ok, err := readVarint(lengthBuf)
	if err != nil || !ok {
		return nil, false
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false
	}
	obj, err := ser.Deserialize(payload)
	if err != nil {
		return nil, false
	}
	return obj, true
}

func writeFrame(t *testing.T, w io.Writer, ser Serialization, obj any) {
	t.Helper()
	require.NoError(t, WriteFrame(w, ser, obj))
}

func writeDatagram(t *testing.T, conn *net.UDPConn, ser Serialization, obj any) {
	t.Helper()
	payload, err := ser.Serialize(nil, obj)
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func newTestServer(t *testing.T, opts ServerOptions, udp bool) (*Server, Serialization) {
	t.Helper()
	if opts.Serialization == nil {
		opts.Serialization = NewTaggedJSONSerialization()
	}
	opts.Serialization.(*TaggedJSONSerialization).Register(echoMessage{})

	srv, err := NewServer(opts)
	require.NoError(t, err)

	udpAddr := ""
	if udp {
		udpAddr = "127.0.0.1:0"
	}
	require.NoError(t, srv.Bind("127.0.0.1:0", udpAddr))
	srv.Start()
	t.Cleanup(srv.Stop)
	return srv, opts.Serialization
}

func dialTCP(t *testing.T, srv *Server) (*net.TCPConn, *bufio.Reader) {
	t.Helper()
	addr, err := srv.TCPAddr()
	require.NoError(t, err)
	conn, err := net.DialTCP("tcp4", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func dialUDP(t *testing.T, srv *Server) *net.UDPConn {
	t.Helper()
	addr, err := srv.UDPAddr()
	require.NoError(t, err)
	conn, err := net.DialUDP("udp4", nil, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerScenarioTCPOnlyAcceptAndEcho(t *testing.T) {
	srv, ser := newTestServer(t, ServerOptions{}, false)

	rec := &recordingListener{}
	srv.AddListener(rec)

	conn, r := dialTCP(t, srv)
	welcome := readFrame(t, r, ser)
	assert.Equal(t, RegisterTCP{ConnectionID: 1}, welcome)

	require.Eventually(t, func() bool { return len(rec.connected) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{1}, rec.connected)
	require.Len(t, srv.GetConnections(), 1)

	writeFrame(t, conn, ser, echoMessage{Text: "hello"})
	_, err := srv.SendToTCP(1, echoMessage{Text: "reply"})
	require.NoError(t, err)

	echoed := readFrame(t, r, ser)
	assert.Equal(t, echoMessage{Text: "reply"}, echoed)

	require.Eventually(t, func() bool { return len(rec.received) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, echoMessage{Text: "hello"}, rec.received[0])
}

func TestServerScenarioUDPRegistrationRace(t *testing.T) {
	srv, ser := newTestServer(t, ServerOptions{}, true)

	rec := &recordingListener{}
	srv.AddListener(rec)

	conn1, r1 := dialTCP(t, srv)
	welcome1 := readFrame(t, r1, ser)
	assert.Equal(t, RegisterTCP{ConnectionID: 1}, welcome1)

	conn2, r2 := dialTCP(t, srv)
	welcome2 := readFrame(t, r2, ser)
	assert.Equal(t, RegisterTCP{ConnectionID: 2}, welcome2)

	assert.Empty(t, rec.connected)

	udp2 := dialUDP(t, srv)
	writeDatagram(t, udp2, ser, RegisterUDP{ConnectionID: 2})

	ack2 := readFrame(t, r2, ser)
	assert.Equal(t, RegisterUDP{ConnectionID: 2}, ack2)
	require.Eventually(t, func() bool { return len(rec.connected) == 1 }, time.Second, 5*time.Millisecond)

	udp1 := dialUDP(t, srv)
	writeDatagram(t, udp1, ser, RegisterUDP{ConnectionID: 1})

	ack1 := readFrame(t, r1, ser)
	assert.Equal(t, RegisterUDP{ConnectionID: 1}, ack1)
	require.Eventually(t, func() bool { return len(rec.connected) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []int32{2, 1}, rec.connected)

	conns := srv.GetConnections()
	require.Len(t, conns, 2)
	assert.Equal(t, int32(1), conns[0].ID()) // newest-first: id 1 was promoted most recently
	assert.Equal(t, int32(2), conns[1].ID())

	_ = conn1
	_ = conn2
}

func TestServerScenarioDuplicateUDPRegistrationIgnored(t *testing.T) {
	srv, ser := newTestServer(t, ServerOptions{}, true)

	rec := &recordingListener{}
	srv.AddListener(rec)

	_, r1 := dialTCP(t, srv)
	readFrame(t, r1, ser) // RegisterTCP welcome

	udp1a := dialUDP(t, srv)
	writeDatagram(t, udp1a, ser, RegisterUDP{ConnectionID: 1})
	readFrame(t, r1, ser) // RegisterUDP ack

	require.Eventually(t, func() bool { return len(rec.connected) == 1 }, time.Second, 5*time.Millisecond)
	conns := srv.GetConnections()
	require.Len(t, conns, 1)
	firstAddr := conns[0].UDPRemoteAddress()
	require.NotNil(t, firstAddr)

	udp1b := dialUDP(t, srv)
	writeDatagram(t, udp1b, ser, RegisterUDP{ConnectionID: 1})

	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []int32{1}, rec.connected)
	conns = srv.GetConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, firstAddr.String(), conns[0].UDPRemoteAddress().String())
}

func TestServerScenarioKeepAlive(t *testing.T) {
	srv, ser := newTestServer(t, ServerOptions{
		KeepAliveMillis: 100,
		TimeoutMillis:   1000,
	}, false)

	conn, r := dialTCP(t, srv)
	readFrame(t, r, ser) // RegisterTCP welcome

	count := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && count < 8 {
		if obj, ok := tryReadFrame(t, conn, r, ser, 150*time.Millisecond); ok {
			if _, isKeepAlive := obj.(KeepAlive); isKeepAlive {
				count++
			}
		}
	}
	assert.GreaterOrEqual(t, count, 8)
	require.Len(t, srv.GetConnections(), 1)
}

func TestServerScenarioTimeout(t *testing.T) {
	srv, ser := newTestServer(t, ServerOptions{
		KeepAliveMillis: -1,
		TimeoutMillis:   200,
	}, false)

	rec := &recordingListener{}
	srv.AddListener(rec)

	_, r := dialTCP(t, srv)
	readFrame(t, r, ser) // RegisterTCP welcome

	require.Eventually(t, func() bool { return len(rec.connected) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(400 * time.Millisecond)

	require.Eventually(t, func() bool { return len(rec.disconnected) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, srv.GetConnections())
}

func TestServerScenarioWriteOverflow(t *testing.T) {
	srv, ser := newTestServer(t, ServerOptions{
		WriteBufferSize: 64,
	}, false)

	rec := &recordingListener{}
	srv.AddListener(rec)

	_, r := dialTCP(t, srv)
	readFrame(t, r, ser) // RegisterTCP welcome

	require.Eventually(t, func() bool { return len(rec.connected) == 1 }, time.Second, 5*time.Millisecond)

	big := echoMessage{Text: strings.Repeat("x", 128)}
	n, err := srv.SendToTCP(1, big)
	assert.Equal(t, 0, n)
	assert.Error(t, err)

	require.Eventually(t, func() bool { return len(rec.disconnected) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, srv.GetConnections())
}
