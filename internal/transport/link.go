package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classlock/internal/protocol"
	"classlock/internal/websocket"
)

// RelayLink is one websocket to the relay with request/ack correlation.
// Frames that are not acks are queued on Frames.
type RelayLink struct {
	conn *websocket.Conn
	log  *zap.Logger

	seq     atomic.Uint64
	mu      sync.Mutex
	pending map[string]chan protocol.Ack

	frames chan protocol.Frame
	done   chan struct{}
}

// DialRelay connects to the relay websocket at url, retrying briefly.
func DialRelay(ctx context.Context, url string, opts websocket.Options, log *zap.Logger) (*RelayLink, error) {
	dialer := &gorilla.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, err := dialWithRetry(ctx, dialer, url, nil, 3, log)
	if err != nil {
		return nil, err
	}

	l := &RelayLink{
		conn:    websocket.NewConn(ws, opts, log),
		log:     log,
		pending: make(map[string]chan protocol.Ack),
		frames:  make(chan protocol.Frame, 64),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *RelayLink) run() {
	defer close(l.done)
	err := l.conn.Run(context.Background(), l.dispatch)
	l.log.Debug("relay link closed", zap.Error(err))
}

func (l *RelayLink) dispatch(f protocol.Frame) {
	if f.Event == protocol.EventAck && f.ID != "" {
		var ack protocol.Ack
		if err := f.Decode(&ack); err != nil {
			l.log.Debug("bad ack", zap.Error(err))
			return
		}
		l.mu.Lock()
		ch, ok := l.pending[f.ID]
		delete(l.pending, f.ID)
		l.mu.Unlock()
		if ok {
			ch <- ack
		}
		return
	}

	select {
	case l.frames <- f:
	default:
		l.log.Warn("relay frame queue full, dropping", zap.String("event", f.Event))
	}
}

// Request sends event and waits for its ack.
func (l *RelayLink) Request(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return protocol.Ack{}, err
	}
	f.ID = strconv.FormatUint(l.seq.Add(1), 10)

	ch := make(chan protocol.Ack, 1)
	l.mu.Lock()
	l.pending[f.ID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, f.ID)
		l.mu.Unlock()
	}()

	if err := l.conn.Send(f); err != nil {
		return protocol.Ack{}, fmt.Errorf("send %s: %w", event, err)
	}

	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	case <-l.done:
		return protocol.Ack{}, ErrClosed
	}
}

// Send fires event without waiting for an ack.
func (l *RelayLink) Send(event string, payload any) error {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return l.conn.Send(f)
}

// Forward sends event to one relay connection inside a relay-message.
func (l *RelayLink) Forward(target, event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return l.Send(protocol.EventRelayMessage, protocol.RelayMessage{
		TargetConnectionID: target,
		Event:              event,
		Data:               data,
	})
}

func (l *RelayLink) Frames() <-chan protocol.Frame { return l.frames }
func (l *RelayLink) Done() <-chan struct{}         { return l.done }
func (l *RelayLink) Close() error                  { return l.conn.Close() }

func (l *RelayLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// RelayClient owns a participant's single relay link. Discovery polls
// and joins share it; a new link is dialed once the old one is gone.
type RelayClient struct {
	url  string
	opts websocket.Options
	log  *zap.Logger

	mu   sync.Mutex
	link *RelayLink
}

func NewRelayClient(url string, opts websocket.Options, log *zap.Logger) *RelayClient {
	return &RelayClient{url: url, opts: opts, log: log.Named("relay")}
}

// Link returns the live link, dialing one if needed.
func (c *RelayClient) Link(ctx context.Context) (*RelayLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil && !c.link.closed() {
		return c.link, nil
	}
	link, err := DialRelay(ctx, c.url, c.opts, c.log)
	if err != nil {
		return nil, err
	}
	c.link = link
	return link, nil
}

// Close drops the current link, if any.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link == nil {
		return nil
	}
	err := c.link.Close()
	c.link = nil
	return err
}
