package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Profile identifies one attached agent for the lifetime of its connection.
type Profile struct {
	AgentID string
	Role    string // "rider" or "driver"
	Name    string
	Rating  float64
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	profile Profile
}

// Attach upgrades the request and registers the connection. It returns once
// the pumps are running; the connection lives until the peer goes away or its
// send buffer overflows.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, profile Profile) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), profile: profile}
	h.register(c)
	go c.writePump()
	go c.readPump()
	return nil
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := models.DecodeEnvelope(raw)
		if err != nil {
			c.hub.log.Warn("dropping malformed frame", "agent", c.profile.AgentID, "error", err)
			continue
		}
		c.hub.route(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump. A full buffer marks the client as
// too slow; it is dropped rather than allowed to stall the fan-out path.
func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		observability.DroppedClients.Inc()
		c.hub.unregister(c)
		_ = c.conn.Close()
	}
}
