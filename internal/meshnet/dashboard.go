package meshnet

import (
	"net/http"
	"sync"

	"github.com/btcsuite/websocket"
	"go.uber.org/zap"
)

// Snapshot is the periodic stats payload the Dashboard pushes to attached
// WebSocket admin clients.
type Snapshot struct {
	Event             string `json:"event"`
	Established       int    `json:"established"`
	Pending           int    `json:"pending"`
	BytesRead         uint64 `json:"bytes_read"`
	BytesWritten      uint64 `json:"bytes_written"`
	EmptySelectCycles uint64 `json:"empty_select_cycles"`
}

var dashboardUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dashboard is a best-effort WebSocket fan-out of server snapshots. It is
// purely observational: Publish never blocks the caller on a slow or dead
// client, grounded on the teacher's connectionsPool/PublishData broadcaster
// but made non-blocking per connection via a small buffered channel.
type Dashboard struct {
	log *zap.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]chan Snapshot
}

// NewDashboard constructs an empty Dashboard ready to accept connections.
func NewDashboard(log *zap.Logger) *Dashboard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dashboard{log: log, conns: make(map[*websocket.Conn]chan Snapshot)}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers it
// for future Publish calls until the client disconnects.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := dashboardUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn("dashboard upgrade failed", zap.Error(err))
		return
	}
	d.add(conn)
}

func (d *Dashboard) add(conn *websocket.Conn) {
	ch := make(chan Snapshot, 4)
	d.mu.Lock()
	d.conns[conn] = ch
	d.mu.Unlock()

	go d.pump(conn, ch)
}

func (d *Dashboard) pump(conn *websocket.Conn, ch chan Snapshot) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, conn)
		d.mu.Unlock()
		conn.Close()
	}()
	for snap := range ch {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

// Publish fans snap out to every attached client without blocking; a
// client whose channel is already full simply misses this tick.
func (d *Dashboard) Publish(snap Snapshot) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ch := range d.conns {
		select {
		case ch <- snap:
		default:
		}
	}
}

// ClientCount returns the number of currently attached dashboard clients.
func (d *Dashboard) ClientCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}
