package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portside-dev/portside/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 * 1024 * 1024
)

// Conn wraps a WebSocket connection with a buffered outbound queue so
// session goroutines never write the socket directly. It implements
// sessions.Notifier.
type Conn struct {
	ws   *websocket.Conn
	send chan protocol.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan protocol.Message, 256),
		closed: make(chan struct{}),
	}
}

// Notify queues a message for delivery. A slow reader eventually fills
// the queue; further messages are dropped rather than blocking the
// sandbox output pump.
func (c *Conn) Notify(msg protocol.Message) {
	select {
	case <-c.closed:
	case c.send <- msg:
	default:
		log.Printf("[ws] outbound queue full, dropping %s", msg.Type)
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. Runs until the connection dies.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
