package ws

import (
	"errors"
	"sync"

	"github.com/dkeye/salescall/internal/core"
	"github.com/gorilla/websocket"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn is one live socket. The channel replaces it on every reconnect.
type wsConn struct {
	conn   *websocket.Conn
	binary chan core.Frame
	kick   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWsConn(conn *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		conn:   conn,
		binary: make(chan core.Frame, buffer),
		kick:   make(chan struct{}, 1),
	}
}

// TrySendBinary never blocks; a full buffer drops the frame.
func (c *wsConn) TrySendBinary(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrNotOpen
	}
	select {
	case c.binary <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Wake tells the write pump that control frames are pending.
func (c *wsConn) Wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
