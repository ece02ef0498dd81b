package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/placesync/server/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// request-update floods are shed per connection
	updateRequestsPerSecond = 5
	updateRequestBurst      = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// One observer session. Identity and connect-time metadata never
// change after ServeWs builds the client.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	remoteAddr  string
	userAgent   string
	connectedAt time.Time
	limiter     *ratelimit.Limiter

	// Guards send against enqueue racing the close on disconnect
	mu     sync.Mutex
	closed bool

	// Set by readPump before unregistering
	reason string
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		id:          uuid.NewString(),
		remoteAddr:  r.RemoteAddr,
		userAgent:   r.UserAgent(),
		connectedAt: time.Now(),
		limiter:     ratelimit.NewLimiter(updateRequestsPerSecond, updateRequestBurst),
	}

	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// Non-blocking push into the send buffer. Returns false once the
// connection has been unregistered; the registry may close the channel
// while a fan-out still holds a stale reference to this client.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Closes the send buffer exactly once, mutually exclusive with enqueue
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.reason = "connection closed"

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
				c.reason = err.Error()
			}
			break
		}

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			log.Printf("⚠️ Invalid frame from client %s: %v", c.id, err)
			continue
		}

		c.handleEvent(envelope)
	}
}

func (c *Client) handleEvent(envelope Envelope) {
	switch envelope.Event {
	case EventRequestUpdate:
		if !c.limiter.Allow() {
			log.Printf("⚠️ Rate limit exceeded for client %s, dropping request-update", c.id)
			return
		}

		payload, err := EncodeGameUpdate(c.hub.store.Get(), "")
		if err != nil {
			log.Printf("Failed to encode update for client %s: %v", c.id, err)
			return
		}
		c.hub.SendTo(c.id, payload)

	case EventPing:
		// An observer that only sends app-level pings stays alive
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		pong, err := encodePong()
		if err != nil {
			return
		}
		c.enqueue(pong)

	default:
		log.Printf("Unknown event %q from client %s", envelope.Event, c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
