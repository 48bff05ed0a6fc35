package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacond/errors"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound buffer per connection; overflow drops the message
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS middleware configuration.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one WebSocket connection. It satisfies registry.Sender through
// its buffered outbound channel.
type client struct {
	server    *Server
	conn      *websocket.Conn
	sendMsg   chan interface{}
	id        string
	closeOnce sync.Once
}

// Send queues msg for delivery. Never blocks: a full buffer means the peer
// is not draining, and the message is dropped with an error so the caller
// can log it.
func (c *client) Send(msg interface{}) error {
	select {
	case c.sendMsg <- msg:
		return nil
	default:
		return errors.Newf("send buffer full for connection %s", c.id)
	}
}

// handleWebSocket upgrades the connection and registers it under the
// token's teams.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token query parameter is required")
		return
	}
	teams, err := s.resolver.TeamsForToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		server:  s,
		conn:    conn,
		sendMsg: make(chan interface{}, sendBufferSize),
		id:      "conn_" + uuid.NewString(),
	}
	s.registry.Connect(c.id, teams, c)

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so pings and close frames are processed.
// Clients are push-only; inbound payloads are ignored.
func (c *client) readPump() {
	defer func() {
		c.server.registry.Disconnect(c.id)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("websocket read error",
					"connection_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump writes queued messages and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case msg, ok := <-c.sendMsg:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("websocket write error",
					"connection_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close safely closes the outbound channel.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.sendMsg)
	})
}
