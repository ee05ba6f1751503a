package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/upass/nfc-bridge/internal/comm"
)

const (
	writeWait = 10 * time.Second
	sendQueue = 64
)

// Conn is a Session backed by a websocket connection. Messages are written
// by a single goroutine in the order they were queued.
type Conn struct {
	id   string
	conn *websocket.Conn

	send      chan comm.WSMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func NewConn(socketId string, conn *websocket.Conn) *Conn {
	c := &Conn{
		id:     socketId,
		conn:   conn,
		send:   make(chan comm.WSMessage, sendQueue),
		closed: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg comm.WSMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

func (c *Conn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Errorf("Error writing to socket %s: %v", c.id, err)
				c.Close()
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
