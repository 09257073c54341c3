package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classlock/internal/protocol"
)

var (
	ErrClosed       = errors.New("websocket: connection closed")
	ErrSlowConsumer = errors.New("websocket: send buffer full")
)

const maxMessageSize = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade switches an HTTP request to a websocket. The caller still has
// to wrap the result with NewConn.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// Options tunes keepalive and buffering. A zero PingInterval disables
// pings; a zero PongTimeout disables the read deadline.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func DefaultOptions() Options {
	return Options{
		PingInterval: 2500 * time.Millisecond,
		PongTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   64,
	}
}

// Conn is a websocket carrying protocol frames. Writes go through a
// single pump goroutine so Send is safe from any goroutine and never
// blocks.
type Conn struct {
	ws   *websocket.Conn
	opts Options
	log  *zap.Logger

	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	pumpDone  chan struct{}
}

func NewConn(ws *websocket.Conn, opts Options, log *zap.Logger) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Conn{
		ws:       ws,
		opts:     opts,
		log:      log,
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues f for writing. A peer that lets the queue fill up is
// disconnected.
func (c *Conn) Send(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

func (c *Conn) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.log.Warn("send buffer full, dropping connection", zap.String("remote", c.RemoteAddr()))
		c.Close()
		return ErrSlowConsumer
	}
}

// Close flushes queued frames, sends a close message and closes the
// socket. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		started := c.started
		c.mu.Unlock()

		if !started {
			c.ws.Close()
			close(c.pumpDone)
		}
	})
	return nil
}

// Wait blocks until the socket is fully closed.
func (c *Conn) Wait() { <-c.pumpDone }

// Run pumps the connection until it fails, Close is called or ctx is
// done. handle runs on the reading goroutine, one frame at a time.
func (c *Conn) Run(ctx context.Context, handle func(protocol.Frame)) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.started = true
	c.mu.Unlock()

	go c.writePump()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	err := c.readPump(handle)
	c.Close()
	return err
}

func (c *Conn) extendDeadline() {
	if c.opts.PongTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	}
}

func (c *Conn) readPump(handle func(protocol.Frame)) error {
	c.ws.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	c.ws.SetPingHandler(func(msg string) error {
		c.extendDeadline()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(msg), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return err
		}
		c.extendDeadline()

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.log.Debug("ignoring malformed frame", zap.String("remote", c.RemoteAddr()))
			continue
		}
		handle(f)
	}
}

func (c *Conn) writePump() {
	defer close(c.pumpDone)
	defer c.ws.Close()

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.Close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.opts.WriteTimeout)
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// flush writes whatever is still queued.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
