package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classlock/internal/discovery"
	"classlock/internal/metrics"
	"classlock/internal/models"
	"classlock/internal/protocol"
	"classlock/internal/websocket"
)

// LANOpener serves participants directly on the control port and
// advertises the session with beacons.
type LANOpener struct {
	addr       string
	advertiser *discovery.Advertiser
	opts       websocket.Options
	log        *zap.Logger
}

// NewLANOpener listens on port. adv may be nil to skip beacons.
func NewLANOpener(port int, adv *discovery.Advertiser, opts websocket.Options, log *zap.Logger) *LANOpener {
	return &LANOpener{
		addr:       fmt.Sprintf(":%d", port),
		advertiser: adv,
		opts:       opts,
		log:        log.Named("lan"),
	}
}

func (o *LANOpener) Open(ctx context.Context, a Announcement, h Handler) (Hub, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", o.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on control port: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	hub := &lanHub{
		handler: h,
		opts:    o.opts,
		log:     o.log,
		conns:   make(map[string]*websocket.Conn),
		ctx:     connCtx,
		cancel:  cancel,
		addr:    ln.Addr(),
	}

	r := chi.NewRouter()
	r.Get(protocol.WebSocketPath, hub.handleWebSocket)
	hub.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := hub.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.log.Error("control server stopped", zap.Error(err))
		}
	}()

	if o.advertiser != nil {
		beacon := protocol.Beacon{
			Teacher:   a.Teacher,
			Class:     a.Class,
			Port:      ln.Addr().(*net.TCPAddr).Port,
			IsSecured: a.IsSecured,
			SessionID: a.SessionID,
		}
		go func() {
			if err := o.advertiser.Run(connCtx, beacon); err != nil {
				o.log.Error("beacon failed", zap.Error(err))
			}
		}()
	}

	o.log.Info("accepting participants", zap.Stringer("addr", ln.Addr()))
	return hub, nil
}

type lanHub struct {
	handler Handler
	opts    websocket.Options
	log     *zap.Logger
	server  *http.Server
	addr    net.Addr
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*websocket.Conn
	closed bool
}

func (h *lanHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.handler.Authorize(r.Header.Get(protocol.PasswordHeader)); err != nil {
		metrics.AuthFailures.WithLabelValues("lan").Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Upgrade(w, r)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := websocket.NewConn(ws, h.opts, h.log)
	id := uuid.NewString()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[id] = conn
	h.mu.Unlock()

	addr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		addr = r.RemoteAddr
	}

	joined := false
	conn.Run(h.ctx, func(f protocol.Frame) {
		switch f.Event {
		case protocol.EventSetUserInfo:
			var info protocol.UserInfo
			if err := f.Decode(&info); err != nil {
				h.log.Debug("bad user info", zap.String("conn", id), zap.Error(err))
				return
			}
			info.Password = ""
			joined = true
			h.handler.Join(id, addr, info)
		default:
			h.log.Debug("ignoring event", zap.String("conn", id), zap.String("event", f.Event))
		}
	})

	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()

	if joined {
		h.handler.Leave(id)
	}
}

func (h *lanHub) conn(connID string) (*websocket.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil, ErrUnknownConn
	}
	return c, nil
}

func (h *lanHub) SendTo(connID, event string, payload any) error {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	c, err := h.conn(connID)
	if err != nil {
		return err
	}
	return c.Send(f)
}

func (h *lanHub) Broadcast(event string, payload any) error {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if err := c.Send(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Disconnect closes the socket after anything already queued is written.
func (h *lanHub) Disconnect(connID string) error {
	c, err := h.conn(connID)
	if err != nil {
		return err
	}
	return c.Close()
}

func (h *lanHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	return h.server.Close()
}

// LANDialer connects straight to a controller's control port.
type LANDialer struct {
	opts    websocket.Options
	log     *zap.Logger
	dialer  *gorilla.Dialer
	retries uint64
}

func NewLANDialer(opts websocket.Options, log *zap.Logger) *LANDialer {
	return &LANDialer{
		opts:    opts,
		log:     log.Named("lan"),
		dialer:  &gorilla.Dialer{HandshakeTimeout: 5 * time.Second},
		retries: 2,
	}
}

func (d *LANDialer) Dial(ctx context.Context, c models.Candidate, info protocol.UserInfo, password string) (ClassConn, error) {
	u := url.URL{Scheme: "ws", Host: c.Address(), Path: protocol.WebSocketPath}
	header := http.Header{}
	if password != "" {
		header.Set(protocol.PasswordHeader, password)
	}

	ws, err := dialWithRetry(ctx, d.dialer, u.String(), header, d.retries, d.log)
	if err != nil {
		return nil, err
	}

	conn := websocket.NewConn(ws, d.opts, d.log)
	cc := newFrameConn(conn)

	hello, err := protocol.NewFrame(protocol.EventSetUserInfo, protocol.UserInfo{Name: info.Name, Grade: info.Grade})
	if err != nil {
		cc.Close()
		return nil, err
	}
	if err := conn.Send(hello); err != nil {
		cc.Close()
		return nil, fmt.Errorf("send user info: %w", err)
	}
	return cc, nil
}

// dialWithRetry retries transient dial failures. A 401 is permanent and
// comes back as ErrAuth.
func dialWithRetry(ctx context.Context, dialer *gorilla.Dialer, target string, header http.Header, retries uint64, log *zap.Logger) (*gorilla.Conn, error) {
	var ws *gorilla.Conn
	operation := func() error {
		conn, resp, err := dialContext(ctx, dialer, target, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(ErrAuth)
			}
			return err
		}
		ws = conn
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	strategy := backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)

	err := backoff.RetryNotify(operation, strategy, func(err error, next time.Duration) {
		log.Debug("dial failed, retrying", zap.String("target", target), zap.Duration("in", next), zap.Error(err))
	})
	if err != nil {
		if errors.Is(err, ErrAuth) {
			return nil, ErrAuth
		}
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	return ws, nil
}

// dialContext is DialContext with the opening handshake aborted as soon
// as ctx is done. gorilla only stops a stalled handshake at
// HandshakeTimeout.
func dialContext(ctx context.Context, dialer *gorilla.Dialer, target string, header http.Header) (*gorilla.Conn, *http.Response, error) {
	var (
		mu  sync.Mutex
		raw net.Conn
	)
	d := *dialer
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		c, err := (&net.Dialer{}).DialContext(dctx, network, addr)
		if err == nil {
			mu.Lock()
			raw = c
			mu.Unlock()
		}
		return c, err
	}

	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if raw != nil {
			raw.SetDeadline(time.Now())
		}
	})
	conn, resp, err := d.DialContext(ctx, target, header)
	if !stop() && err == nil {
		// ctx ended just as the handshake finished
		conn.Close()
		return nil, resp, backoff.Permanent(ctx.Err())
	}
	if err != nil && ctx.Err() != nil {
		return nil, resp, backoff.Permanent(ctx.Err())
	}
	return conn, resp, err
}
