package transport

import (
	"context"

	"classlock/internal/protocol"
	"classlock/internal/websocket"
)

// frameConn adapts a websocket to ClassConn.
type frameConn struct {
	conn     *websocket.Conn
	messages chan protocol.Frame
	done     chan struct{}
}

func newFrameConn(conn *websocket.Conn) *frameConn {
	c := &frameConn{
		conn:     conn,
		messages: make(chan protocol.Frame, 16),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		conn.Run(context.Background(), func(f protocol.Frame) {
			select {
			case c.messages <- protocol.Unwrap(f):
			case <-conn.Done():
			}
		})
	}()
	return c
}

func (c *frameConn) Messages() <-chan protocol.Frame { return c.messages }
func (c *frameConn) Done() <-chan struct{}           { return c.done }
func (c *frameConn) Close() error                    { return c.conn.Close() }
