package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	// Read deadline; refreshed on every pong and inbound frame. Must exceed
	// the ping interval or healthy but idle connections get dropped.
	readTimeout = 60 * time.Second
)

// WSConn wraps an already-upgraded gorilla WebSocket connection in the Conn
// capability. One read loop goroutine per connection; writes are serialized
// under a mutex because gorilla allows only one concurrent writer.
type WSConn struct {
	conn     *websocket.Conn
	handlers Handlers

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn adopts conn and starts its read loop. The caller must not use
// conn directly afterwards.
func NewWSConn(conn *websocket.Conn, handlers Handlers) *WSConn {
	c := &WSConn{
		conn:     conn,
		handlers: handlers,
		done:     make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if c.handlers.OnPong != nil {
			c.handlers.OnPong()
		}
		return nil
	})
	go c.readLoop()
	return c
}

func (c *WSConn) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data)
		}
	}
}

// Send writes one binary frame to the client.
func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Ping sends a heartbeat probe; the peer's pong refreshes the read deadline.
func (c *WSConn) Ping() error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close performs the close handshake and tears the connection down. Safe to
// call more than once and from any goroutine.
func (c *WSConn) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	c.writeMu.Unlock()

	c.shutdown()
	return nil
}

func (c *WSConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		if c.handlers.OnClose != nil {
			c.handlers.OnClose()
		}
	})
}
