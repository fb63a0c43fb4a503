package meshnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminListenerListReportsConnections(t *testing.T) {
	ser := NewTaggedJSONSerialization()
	RegisterAdminTypes(ser)

	srv, err := NewServer(ServerOptions{Serialization: ser})
	require.NoError(t, err)
	require.NoError(t, srv.Bind("127.0.0.1:0", ""))
	srv.Start()
	defer srv.Stop()
	srv.AddListener(NewAdminListener(srv))

	conn, r := dialTCP(t, srv)
	readFrame(t, r, ser) // RegisterTCP welcome

	writeFrame(t, conn, ser, AdminCommand{Op: "list"})
	reply := readFrame(t, r, ser)

	admin, ok := reply.(AdminReply)
	require.True(t, ok)
	assert.Equal(t, "list", admin.Op)
	require.Len(t, admin.Lines, 1)
	assert.Contains(t, admin.Lines[0], "Connection 1")
}

func TestAdminListenerBroadcastQueuesTextMessage(t *testing.T) {
	ser := NewTaggedJSONSerialization()
	RegisterAdminTypes(ser)

	srv, err := NewServer(ServerOptions{Serialization: ser})
	require.NoError(t, err)
	require.NoError(t, srv.Bind("127.0.0.1:0", ""))
	srv.Start()
	defer srv.Stop()
	srv.AddListener(NewAdminListener(srv))

	admin, ra := dialTCP(t, srv)
	readFrame(t, ra, ser)

	listener, rb := dialTCP(t, srv)
	readFrame(t, rb, ser)
	_ = listener

	writeFrame(t, admin, ser, AdminCommand{Op: "broadcast", Text: "hello everyone"})
	ack := readFrame(t, ra, ser)
	assert.Equal(t, AdminReply{Op: "broadcast", Lines: []string{"broadcast queued"}}, ack)

	received := readFrame(t, rb, ser)
	assert.Equal(t, TextMessage{Text: "hello everyone"}, received)
}

func TestAdminListenerUnknownCommand(t *testing.T) {
	ser := NewTaggedJSONSerialization()
	RegisterAdminTypes(ser)

	srv, err := NewServer(ServerOptions{Serialization: ser})
	require.NoError(t, err)
	require.NoError(t, srv.Bind("127.0.0.1:0", ""))
	srv.Start()
	defer srv.Stop()
	srv.AddListener(NewAdminListener(srv))

	conn, r := dialTCP(t, srv)
	readFrame(t, r, ser)

	writeFrame(t, conn, ser, AdminCommand{Op: "bogus"})
	reply := readFrame(t, r, ser).(AdminReply)
	assert.Contains(t, reply.Lines[0], "unknown command")
}
