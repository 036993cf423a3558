package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 4096
)

// ErrConnClosed is returned by Send after the connection has closed.
var ErrConnClosed = errors.New("gateway: connection closed")

// WSConn adapts a gorilla WebSocket to Conn. Data writes are serialized
// through a one-slot semaphore whose acquisition honors the caller's ctx;
// pings and the close frame go through WriteControl, which gorilla allows
// concurrently with other writes. The read side only services control
// frames and detects disconnects.
type WSConn struct {
	id  string
	ws  *websocket.Conn
	log *zap.Logger

	wsem      chan struct{}
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSConn wraps ws. id identifies the peer in logs.
func NewWSConn(ws *websocket.Conn, id string, log *zap.Logger) *WSConn {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSConn{
		id:   id,
		ws:   ws,
		log:  log.With(zap.String("conn", id)),
		wsem: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Closed() bool { return c.closed.Load() }

// Send writes msg as one text frame. Waiting for an in-flight write and the
// write itself are both bounded by ctx; the write deadline is the earlier of
// ctx's deadline and writeWait. A failed write closes the connection.
func (c *WSConn) Send(ctx context.Context, msg []byte) error {
	if c.Closed() {
		return ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.wsem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	err := c.ws.WriteMessage(websocket.TextMessage, msg)
	<-c.wsem

	if err != nil {
		c.Close()
		return err
	}
	return nil
}

// Close marks the connection closed and releases the socket. Safe to call
// more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err = c.ws.Close()
	})
	return err
}

// Serve runs the keepalive pinger and the read loop until the peer goes
// away or ctx is cancelled. The connection is closed on return.
func (c *WSConn) Serve(ctx context.Context) error {
	defer c.Close()

	go c.pingLoop(ctx)

	c.ws.SetReadLimit(maxInboundSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if ctx.Err() != nil || c.Closed() {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("peer closed")
				return nil
			}
			return err
		}
		// Inbound messages only keep the connection alive.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (c *WSConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}
