package meshnet

import "fmt"

// TextMessage is a small reference application message, registered
// alongside AdminCommand/AdminReply so the operator console has something
// concrete to send/broadcast. It is an ordinary application object, not a
// FrameworkMessage: the dispatcher never intercepts it.
type TextMessage struct {
	Text string
}

// AdminCommand is sent by an operator console connection to query or
// instruct a running server. It rides the same tagged-JSON wire format as
// any other application message; only a connection with an AdminListener
// installed answers it.
type AdminCommand struct {
	Op   string // "list" | "send" | "broadcast" | "stat"
	ID   int32
	Text string
}

// AdminReply answers one AdminCommand.
type AdminReply struct {
	Op    string
	Lines []string
}

// RegisterAdminTypes binds AdminCommand/AdminReply/TextMessage to ser in a
// fixed order. Both the server and cmd/meshconsole must call this on their
// respective Serialization instances so the two sides assign the same tags.
func RegisterAdminTypes(ser *TaggedJSONSerialization) {
	ser.Register(AdminCommand{})
	ser.Register(AdminReply{})
	ser.Register(TextMessage{})
}

// AdminListener turns any connection that sends it an AdminCommand into an
// operator console for the lifetime of that connection. Install it as a
// server-wide Listener; it ignores every other received object.
type AdminListener struct {
	BaseListener
	server *Server
}

// NewAdminListener builds an AdminListener bound to server.
func NewAdminListener(server *Server) *AdminListener {
	return &AdminListener{server: server}
}

func (a *AdminListener) Received(c *Connection, obj any) {
	cmd, ok := obj.(AdminCommand)
	if !ok {
		return
	}

	switch cmd.Op {
	case "list":
		var lines []string
		for _, conn := range a.server.GetConnections() {
			lines = append(lines, fmt.Sprintf("%d\t%s\trtt=%dms", conn.ID(), conn.Name(), conn.ReturnTripTime()))
		}
		c.SendTCP(AdminReply{Op: cmd.Op, Lines: lines})

	case "send":
		n, err := a.server.SendToTCP(cmd.ID, TextMessage{Text: cmd.Text})
		if err != nil {
			c.SendTCP(AdminReply{Op: cmd.Op, Lines: []string{err.Error()}})
			return
		}
		c.SendTCP(AdminReply{Op: cmd.Op, Lines: []string{fmt.Sprintf("queued %d bytes to connection %d", n, cmd.ID)}})

	case "broadcast":
		a.server.SendToAllExceptTCP(c.ID(), TextMessage{Text: cmd.Text})
		c.SendTCP(AdminReply{Op: cmd.Op, Lines: []string{"broadcast queued"}})

	case "stat":
		conns := a.server.GetConnections()
		c.SendTCP(AdminReply{Op: cmd.Op, Lines: []string{
			fmt.Sprintf("established=%d", len(conns)),
		}})

	default:
		c.SendTCP(AdminReply{Op: cmd.Op, Lines: []string{fmt.Sprintf("unknown command %q", cmd.Op)}})
	}
}
