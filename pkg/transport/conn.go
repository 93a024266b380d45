// Package transport carries layer traffic over websockets: the relay channel client, the peer mesh and
// the framed connection both sides of the relay share.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed = errors.New("connection closed")
	// ErrBackpressure is returned when the outgoing queue of a slow connection is full.
	ErrBackpressure = errors.New("send queue full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 << 20
	sendQueueSize  = 256
)

// Conn is a websocket with a read pump run by the caller and a write pump fed through a buffered queue.
// Close never blocks, so it can be called from inside the read handler.
type Conn struct {
	ws          *websocket.Conn
	messageType int
	log         *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewConn wraps ws. messageType is websocket.TextMessage or websocket.BinaryMessage and is used for
// every outgoing frame.
func NewConn(ws *websocket.Conn, messageType int, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ws:          ws,
		messageType: messageType,
		log:         log,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
	}
}

// Send queues one frame.
func (c *Conn) Send(raw []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Run starts the write pump and reads frames into onMessage until the connection fails or is closed.
// It returns nil when the connection was closed locally.
func (c *Conn) Run(onMessage func(raw []byte)) error {
	go c.writePump()
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != c.messageType {
			continue
		}
		onMessage(raw)
	}
}

func (c *Conn) writePump() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	defer c.Close()
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.messageType, raw); err != nil {
				c.log.Debug("failed to write message", "err", err)
				return
			}
		case <-t.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("failed to write ping", "err", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
