package dashboard

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsHub manages the active websocket connections and broadcasts session
// log entries and confirmation prompts to all of them.
//
// A single hub goroutine handles registration, unregistration and
// broadcasting, so the connections map needs no lock.
type wsHub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
	stopOnce     sync.Once
	clients      atomic.Int32

	// onMessage receives every frame a client sends.
	onMessage func([]byte)
}

// wsConn wraps a single websocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // protects concurrent writes
}

// The dashboard is served from the same origin as the API; allow all
// origins so local dev tools can connect.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub(onMessage func([]byte)) *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
		onMessage:    onMessage,
	}
}

// run is the hub event loop.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			h.clients.Store(int32(len(h.connections)))
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				h.clients.Store(int32(len(h.connections)))
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Slow client: drop it rather than block every broadcast.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
			h.clients.Store(int32(len(h.connections)))

		case <-h.done:
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

// broadcast queues msg for every client. Drops the message when the
// queue is full; clients catch up on their next poll.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleWebSocket upgrades the connection and registers the client.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case d.wsHub.registerCh <- client:
	case <-d.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(d.wsHub)
}

// writePump sends queued messages to the connection.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump forwards client frames to the hub's handler and unregisters
// the client when it disconnects.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if hub.onMessage != nil {
			hub.onMessage(msg)
		}
	}
}
