package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"classlock/internal/clock"
	"classlock/internal/metrics"
	"classlock/internal/models"
	"classlock/internal/protocol"
	"classlock/internal/websocket"
)

// relayAddr stands in for a participant's address when it is only
// reachable through the relay.
const relayAddr = "relay"

// RelayOpener registers the session with a relay and serves participants
// through it.
type RelayOpener struct {
	url     string
	timeout time.Duration
	opts    websocket.Options
	clock   clock.Clock
	log     *zap.Logger
}

// NewRelayOpener registers at url. Registration that is not acknowledged
// within timeout fails.
func NewRelayOpener(url string, timeout time.Duration, opts websocket.Options, clk clock.Clock, log *zap.Logger) *RelayOpener {
	return &RelayOpener{url: url, timeout: timeout, opts: opts, clock: clk, log: log.Named("relay")}
}

// Open dials and registers under a single deadline of o.timeout.
func (o *RelayOpener) Open(ctx context.Context, a Announcement, h Handler) (Hub, error) {
	regCtx, cancel := withTimeout(ctx, o.clock, o.timeout)
	defer cancel()

	link, err := DialRelay(regCtx, o.url, o.opts, o.log)
	switch {
	case err != nil && regCtx.Err() != nil && ctx.Err() == nil:
		return nil, ErrRegistrationTimeout
	case err != nil:
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	ack, err := link.Request(regCtx, protocol.EventRegister, protocol.Registration{
		Name:      a.Teacher,
		ClassName: a.Class,
		IsSecured: a.IsSecured,
		SessionID: a.SessionID,
	})
	switch {
	case err != nil && regCtx.Err() != nil && ctx.Err() == nil:
		link.Close()
		return nil, ErrRegistrationTimeout
	case err != nil:
		link.Close()
		return nil, fmt.Errorf("register with relay: %w", err)
	case !ack.OK:
		link.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}

	hub := &relayHub{
		link:    link,
		handler: h,
		room:    ack.Room,
		log:     o.log.With(zap.String("relay_conn", ack.ConnectionID)),
		members: make(map[string]struct{}),
		stopped: make(chan struct{}),
	}
	go hub.run()

	o.log.Info("registered with relay", zap.String("class", a.Class), zap.String("room", ack.Room))
	return hub, nil
}

type relayHub struct {
	link    *RelayLink
	handler Handler
	room    string
	log     *zap.Logger

	mu      sync.Mutex
	members map[string]struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

func (h *relayHub) run() {
	for {
		select {
		case f := <-h.link.Frames():
			h.handle(f)
		case <-h.link.Done():
			h.dropAll()
			return
		}
	}
}

func (h *relayHub) handle(f protocol.Frame) {
	switch f.Event {
	case protocol.EventParticipantJoined:
		var pj protocol.ParticipantJoined
		if err := f.Decode(&pj); err != nil {
			h.log.Debug("bad join notice", zap.Error(err))
			return
		}
		if err := h.handler.Authorize(pj.Info.Password); err != nil {
			metrics.AuthFailures.WithLabelValues("relay").Inc()
			if err := h.link.Forward(pj.ConnectionID, protocol.EventAuthError, protocol.ErrorMessage{Message: err.Error()}); err != nil {
				h.log.Debug("send auth error", zap.Error(err))
			}
			return
		}

		h.mu.Lock()
		h.members[pj.ConnectionID] = struct{}{}
		h.mu.Unlock()

		// Room membership goes out before Join so that a broadcast issued
		// as soon as the participant counts as connected reaches it.
		if err := h.link.Send(protocol.EventAddToRoom, protocol.AddToRoom{ConnectionID: pj.ConnectionID}); err != nil {
			h.log.Debug("add to room", zap.Error(err))
		}
		if err := h.link.Forward(pj.ConnectionID, protocol.EventWelcome, nil); err != nil {
			h.log.Debug("send welcome", zap.Error(err))
		}
		info := pj.Info
		info.Password = ""
		h.handler.Join(pj.ConnectionID, relayAddr, info)

	case protocol.EventParticipantLeft:
		var pl protocol.ParticipantLeft
		if err := f.Decode(&pl); err != nil {
			return
		}
		h.mu.Lock()
		_, known := h.members[pl.ConnectionID]
		delete(h.members, pl.ConnectionID)
		h.mu.Unlock()
		if known {
			h.handler.Leave(pl.ConnectionID)
		}

	case protocol.EventError:
		var msg protocol.ErrorMessage
		f.Decode(&msg)
		h.log.Warn("relay reported an error", zap.String("message", msg.Message))

	default:
		h.log.Debug("ignoring relay event", zap.String("event", f.Event))
	}
}

// dropAll reports every member as gone once the relay link is lost.
func (h *relayHub) dropAll() {
	h.mu.Lock()
	members := h.members
	h.members = make(map[string]struct{})
	h.mu.Unlock()

	select {
	case <-h.stopped:
	default:
		h.log.Error("lost connection to relay", zap.Int("participants", len(members)))
	}
	for id := range members {
		h.handler.Leave(id)
	}
}

func (h *relayHub) SendTo(connID, event string, payload any) error {
	return h.link.Forward(connID, event, payload)
}

func (h *relayHub) Broadcast(event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return h.link.Send(protocol.EventRoomMessage, protocol.RoomMessage{Room: h.room, Event: event, Data: data})
}

// Disconnect is a no-op: the participant owns its relay socket and
// closes it when it handles the kick.
func (h *relayHub) Disconnect(string) error { return nil }

func (h *relayHub) Close() error {
	h.stopOnce.Do(func() { close(h.stopped) })
	return h.link.Close()
}

// RelayDialer joins a controller through the participant's relay link.
type RelayDialer struct {
	client  *RelayClient
	timeout time.Duration
	clock   clock.Clock
	log     *zap.Logger
}

// NewRelayDialer waits up to timeout for the controller to accept a join.
func NewRelayDialer(client *RelayClient, timeout time.Duration, clk clock.Clock, log *zap.Logger) *RelayDialer {
	return &RelayDialer{client: client, timeout: timeout, clock: clk, log: log.Named("relay")}
}

func (d *RelayDialer) Dial(ctx context.Context, c models.Candidate, info protocol.UserInfo, password string) (ClassConn, error) {
	link, err := d.client.Link(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to relay: %w", err)
	}

	// leftovers from discovery polls are not about this join
	for drained := false; !drained; {
		select {
		case <-link.Frames():
		default:
			drained = true
		}
	}

	joinCtx, cancel := withTimeout(ctx, d.clock, d.timeout)
	defer cancel()

	ack, err := link.Request(joinCtx, protocol.EventJoin, protocol.JoinRequest{
		ControllerID: c.RelayID,
		Info:         protocol.UserInfo{Name: info.Name, Grade: info.Grade, Password: password},
	})
	if err != nil {
		d.client.Close()
		return nil, fmt.Errorf("join session: %w", err)
	}
	if !ack.OK {
		// the link is still unregistered and can be reused
		return nil, fmt.Errorf("join session: %s", ack.Error)
	}

	// The join is only accepted once the controller has checked the
	// password.
	var early []protocol.Frame
	for {
		select {
		case f := <-link.Frames():
			f = protocol.Unwrap(f)
			switch f.Event {
			case protocol.EventWelcome:
				return newRelayConn(link, early, d.log), nil
			case protocol.EventAuthError:
				d.client.Close()
				return nil, ErrAuth
			case protocol.EventError:
				var msg protocol.ErrorMessage
				f.Decode(&msg)
				d.client.Close()
				return nil, fmt.Errorf("join session: %s", msg.Message)
			default:
				early = append(early, f)
			}
		case <-link.Done():
			return nil, fmt.Errorf("join session: %w", ErrClosed)
		case <-joinCtx.Done():
			d.client.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.New("join session: controller did not respond")
		}
	}
}

// relayConn is a joined relay link seen as a ClassConn. Done closes
// only after frames that arrived before the link dropped are queued.
type relayConn struct {
	link     *RelayLink
	messages chan protocol.Frame
	done     chan struct{}
	log      *zap.Logger
}

func newRelayConn(link *RelayLink, early []protocol.Frame, log *zap.Logger) *relayConn {
	c := &relayConn{
		link:     link,
		messages: make(chan protocol.Frame, 16+len(early)),
		done:     make(chan struct{}),
		log:      log,
	}
	for _, f := range early {
		c.messages <- f
	}
	go c.pump()
	return c
}

func (c *relayConn) pump() {
	defer close(c.done)
	for {
		select {
		case f := <-c.link.Frames():
			c.queue(f)
		case <-c.link.Done():
			for {
				select {
				case f := <-c.link.Frames():
					c.queue(f)
				default:
					return
				}
			}
		}
	}
}

func (c *relayConn) queue(f protocol.Frame) {
	select {
	case c.messages <- protocol.Unwrap(f):
	default:
		c.log.Warn("participant queue full, dropping", zap.String("event", f.Event))
	}
}

func (c *relayConn) Messages() <-chan protocol.Frame { return c.messages }
func (c *relayConn) Done() <-chan struct{}           { return c.done }
func (c *relayConn) Close() error                    { return c.link.Close() }

// RelayDiscovery lists the relay's sessions on an interval and emits them
// as relay candidates.
type RelayDiscovery struct {
	client   *RelayClient
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger
}

func NewRelayDiscovery(client *RelayClient, interval time.Duration, clk clock.Clock, log *zap.Logger) *RelayDiscovery {
	return &RelayDiscovery{client: client, interval: interval, clock: clk, log: log.Named("relay-discovery")}
}

func (d *RelayDiscovery) Run(ctx context.Context, out chan<- models.Candidate) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.poll(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.poll(ctx, out)
		}
	}
}

func (d *RelayDiscovery) poll(ctx context.Context, out chan<- models.Candidate) {
	link, err := d.client.Link(ctx)
	if err != nil {
		d.log.Debug("relay unreachable", zap.Error(err))
		return
	}

	reqCtx, cancel := withTimeout(ctx, d.clock, d.interval)
	defer cancel()
	ack, err := link.Request(reqCtx, protocol.EventListSessions, nil)
	if err != nil {
		d.log.Debug("list sessions failed", zap.Error(err))
		return
	}

	now := d.clock.Now()
	for _, e := range ack.Sessions {
		c := models.Candidate{
			SessionID: e.SessionID,
			Teacher:   e.Name,
			Class:     e.ClassName,
			Host:      protocol.RelayHost,
			IsSecured: e.IsSecured,
			RelayID:   e.SocketID,
			LastSeen:  now,
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return
		}
	}
}
