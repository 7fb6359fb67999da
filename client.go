package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"github.com/Karmagate/RoomSync/internal/protocol"
	"github.com/Karmagate/RoomSync/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

type Client struct {
	hub    *Hub
	room   *Room
	conn   *websocket.Conn
	roomID string
	kind   string
	// identity is the player id from a verified token, empty otherwise.
	identity string
	connID   registry.ConnID // assigned by the room on accept
	ip       string
	limiter  *rate.Limiter
	send     chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, roomID, kind, identity, ip string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		roomID:   roomID,
		kind:     kind,
		identity: identity,
		ip:       ip,
		limiter:  newMessageLimiter(hub.cfg.MessageRate),
		send:     make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logs.Warnf("read error conn=%d room=%s: %v", c.connID, c.roomID, err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.room.send(c, protocol.NewError(protocol.CodeRateLimited, "too many messages", ""))
			continue
		}

		c.room.Handle(c, message)
		if c.isClosed() {
			// The room evicted this socket.
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeQueued(message); err != nil {
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

// writeQueued writes message and whatever else is already queued, one JSON
// document per frame.
func (c *Client) writeQueued(message []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return err
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		next, ok := <-c.send
		if !ok {
			return websocket.ErrCloseSent
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
			return err
		}
	}
	return nil
}

// Send queues data without blocking. Messages for a client whose buffer is
// full, or that is closed, are dropped.
func (c *Client) Send(data []byte) bool {
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

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
