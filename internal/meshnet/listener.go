package meshnet

// Listener observes connection lifecycle and traffic. All four callbacks
// run on the I/O goroutine; implementations must not block or call back
// into the server synchronously in a way that could deadlock the loop.
type Listener interface {
	// Connected fires exactly once per connection that transitions to
	// established.
	Connected(c *Connection)
	// Disconnected fires exactly once per previously-connected connection
	// on close.
	Disconnected(c *Connection)
	// Received fires once per decoded application object. Framework
	// messages are intercepted by the dispatcher before reaching this
	// callback, except as documented on FrameworkMessage.
	Received(c *Connection, obj any)
	// Idle fires once per update cycle while the connection's write
	// buffer sits below the configured idle threshold.
	Idle(c *Connection)
}

// BaseListener provides no-op implementations of every Listener callback
// so application code can embed it and override only what it needs,
// mirroring the teacher's handler-interface convention.
type BaseListener struct{}

func (BaseListener) Connected(*Connection)     {}
func (BaseListener) Disconnected(*Connection)  {}
func (BaseListener) Received(*Connection, any) {}
func (BaseListener) Idle(*Connection)          {}
