// Package relay implements the rendezvous service used when a controller
// and its participants cannot reach each other directly. It keeps the
// directory of registered controllers and forwards named events between
// connections by id. It never inspects passwords or command payloads.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classlock/internal/metrics"
	"classlock/internal/protocol"
)

var (
	ErrDuplicateLabel = errors.New("class name already registered")
	ErrNotFound       = errors.New("controller not found")
	ErrWrongRole      = errors.New("operation not allowed for this connection")
	ErrGone           = errors.New("connection closed")
)

// Peer is the gateway's handle on one live connection. Send must not
// block.
type Peer interface {
	Send(f protocol.Frame) error
}

type role int

const (
	roleUnregistered role = iota
	roleController
	roleParticipant
)

type peerState struct {
	peer         Peer
	role         role
	controllerID string
}

// Delivery is a frame addressed to a connection owned by another relay
// replica.
type Delivery struct {
	Target string         `json:"target"`
	Frame  protocol.Frame `json:"frame"`
}

// Bus carries deliveries between relay replicas sharing a directory.
type Bus interface {
	Publish(ctx context.Context, instance string, d Delivery) error
	Run(ctx context.Context, instance string, handle func(Delivery)) error
}

type Gateway struct {
	mu       sync.Mutex
	instance string
	dir      Directory
	bus      Bus
	log      *zap.Logger
	peers    map[string]*peerState
	rooms    map[string]map[string]struct{}
}

// NewGateway builds a gateway. bus may be nil for a single relay.
func NewGateway(instance string, dir Directory, bus Bus, log *zap.Logger) *Gateway {
	return &Gateway{
		instance: instance,
		dir:      dir,
		bus:      bus,
		log:      log.Named("gateway"),
		peers:    make(map[string]*peerState),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// NewInstanceID returns a short random relay replica id.
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (g *Gateway) Instance() string { return g.instance }

// Connect admits a new connection and returns its id. Ids embed the
// instance so other replicas know where to route.
func (g *Gateway) Connect(p Peer) string {
	id := g.instance + "." + uuid.NewString()

	g.mu.Lock()
	g.peers[id] = &peerState{peer: p}
	g.mu.Unlock()

	metrics.RelayConnections.Inc()
	g.log.Debug("connection opened", zap.String("conn", id))
	return id
}

func roomFor(controllerID string) string {
	return "class_" + controllerID
}

func instanceOf(connID string) string {
	instance, _, _ := strings.Cut(connID, ".")
	return instance
}

// Register makes connID a controller advertising reg.
func (g *Gateway) Register(ctx context.Context, connID string, reg protocol.Registration) (protocol.Ack, error) {
	g.mu.Lock()
	st, ok := g.peers[connID]
	if !ok {
		g.mu.Unlock()
		return protocol.Ack{Error: ErrGone.Error()}, ErrGone
	}
	if st.role != roleUnregistered {
		g.mu.Unlock()
		metrics.RelayRegistrationsRejected.WithLabelValues("role").Inc()
		return protocol.Ack{Error: ErrWrongRole.Error()}, ErrWrongRole
	}
	g.mu.Unlock()

	entry := protocol.DirectoryEntry{
		SocketID:  connID,
		Name:      reg.Name,
		ClassName: reg.ClassName,
		IsSecured: reg.IsSecured,
		SessionID: reg.SessionID,
	}
	if err := g.dir.Register(ctx, entry); err != nil {
		reason := "error"
		if errors.Is(err, ErrDuplicateLabel) {
			reason = "duplicate"
		}
		metrics.RelayRegistrationsRejected.WithLabelValues(reason).Inc()
		g.log.Info("registration rejected",
			zap.String("conn", connID),
			zap.String("class", reg.ClassName),
			zap.Error(err),
		)
		return protocol.Ack{Error: err.Error()}, err
	}

	g.mu.Lock()
	st, ok = g.peers[connID]
	if !ok {
		// closed while the directory call was in flight
		g.mu.Unlock()
		g.dir.Remove(ctx, connID)
		return protocol.Ack{Error: ErrGone.Error()}, ErrGone
	}
	st.role = roleController
	room := roomFor(connID)
	g.rooms[room] = make(map[string]struct{})
	g.mu.Unlock()

	metrics.RelayControllers.Inc()
	g.log.Info("controller registered",
		zap.String("conn", connID),
		zap.String("teacher", reg.Name),
		zap.String("class", reg.ClassName),
	)
	return protocol.Ack{OK: true, ConnectionID: connID, Room: room}, nil
}

func (g *Gateway) ListSessions(ctx context.Context) ([]protocol.DirectoryEntry, error) {
	return g.dir.List(ctx)
}

// Join attaches connID to a controller and tells the controller about it.
func (g *Gateway) Join(ctx context.Context, connID string, req protocol.JoinRequest) error {
	g.mu.Lock()
	st, ok := g.peers[connID]
	if !ok {
		g.mu.Unlock()
		return ErrGone
	}
	if st.role != roleUnregistered {
		g.mu.Unlock()
		return ErrWrongRole
	}
	g.mu.Unlock()

	if _, err := g.dir.Get(ctx, req.ControllerID); err != nil {
		g.log.Info("join for unknown controller",
			zap.String("conn", connID),
			zap.String("controller", req.ControllerID),
		)
		return err
	}

	g.mu.Lock()
	st, ok = g.peers[connID]
	if !ok {
		g.mu.Unlock()
		return ErrGone
	}
	st.role = roleParticipant
	st.controllerID = req.ControllerID
	g.mu.Unlock()

	g.log.Info("participant joined",
		zap.String("conn", connID),
		zap.String("controller", req.ControllerID),
		zap.String("name", req.Info.Name),
	)
	return g.deliverPayload(ctx, req.ControllerID, protocol.EventParticipantJoined, protocol.ParticipantJoined{
		ConnectionID: connID,
		Info:         req.Info,
	})
}

// RelayMessage forwards an event verbatim to one connection.
func (g *Gateway) RelayMessage(ctx context.Context, from string, m protocol.RelayMessage) error {
	if m.TargetConnectionID == "" || m.Event == "" {
		return errors.New("relay message needs a target and an event")
	}
	return g.Deliver(ctx, m.TargetConnectionID, protocol.Frame{Event: m.Event, Data: m.Data})
}

// AddToRoom puts a participant into the sending controller's room.
func (g *Gateway) AddToRoom(_ context.Context, from string, m protocol.AddToRoom) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.peers[from]
	if !ok || st.role != roleController {
		return ErrWrongRole
	}
	if member, local := g.peers[m.ConnectionID]; local && member.controllerID != from {
		return ErrWrongRole
	}
	g.rooms[roomFor(from)][m.ConnectionID] = struct{}{}
	return nil
}

// RoomMessage sends an event to every member of the sender's own room.
func (g *Gateway) RoomMessage(ctx context.Context, from string, m protocol.RoomMessage) error {
	g.mu.Lock()
	st, ok := g.peers[from]
	if !ok || st.role != roleController || m.Room != roomFor(from) {
		g.mu.Unlock()
		return ErrWrongRole
	}
	members := make([]string, 0, len(g.rooms[m.Room]))
	for id := range g.rooms[m.Room] {
		members = append(members, id)
	}
	g.mu.Unlock()

	frame := protocol.Frame{Event: m.Event, Data: m.Data}
	for _, id := range members {
		if err := g.Deliver(ctx, id, frame); err != nil {
			g.log.Debug("room delivery failed", zap.String("conn", id), zap.Error(err))
		}
	}
	return nil
}

// Disconnect forgets connID. A controller's registration disappears at
// once; participants are not told and find out through their own
// connection. A participant's controller is told it left.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	g.mu.Lock()
	st, ok := g.peers[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.peers, connID)
	if st.role == roleController {
		delete(g.rooms, roomFor(connID))
	}
	for _, members := range g.rooms {
		delete(members, connID)
	}
	g.mu.Unlock()

	metrics.RelayConnections.Dec()

	switch st.role {
	case roleController:
		if err := g.dir.Remove(ctx, connID); err != nil {
			g.log.Warn("remove registration", zap.String("conn", connID), zap.Error(err))
		}
		metrics.RelayControllers.Dec()
		g.log.Info("controller removed", zap.String("conn", connID))
	case roleParticipant:
		g.log.Info("participant left",
			zap.String("conn", connID),
			zap.String("controller", st.controllerID),
		)
		err := g.deliverPayload(ctx, st.controllerID, protocol.EventParticipantLeft, protocol.ParticipantLeft{ConnectionID: connID})
		if err != nil {
			g.log.Debug("notify controller of leave", zap.Error(err))
		}
	default:
		g.log.Debug("connection closed", zap.String("conn", connID))
	}
}

// Deliver sends f to target, locally or through the bus. Frames for
// connections that no longer exist are dropped.
func (g *Gateway) Deliver(ctx context.Context, target string, f protocol.Frame) error {
	g.mu.Lock()
	st, ok := g.peers[target]
	g.mu.Unlock()

	if ok {
		metrics.RelayFramesForwarded.WithLabelValues("local").Inc()
		return st.peer.Send(f)
	}

	instance := instanceOf(target)
	if g.bus != nil && instance != "" && instance != g.instance {
		metrics.RelayFramesForwarded.WithLabelValues("backplane").Inc()
		return g.bus.Publish(ctx, instance, Delivery{Target: target, Frame: f})
	}

	g.log.Debug("dropping frame for unknown connection",
		zap.String("target", target),
		zap.String("event", f.Event),
	)
	return nil
}

// HandleDelivery hands a frame from another replica to a local connection.
func (g *Gateway) HandleDelivery(d Delivery) {
	g.mu.Lock()
	st, ok := g.peers[d.Target]
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := st.peer.Send(d.Frame); err != nil {
		g.log.Debug("backplane delivery failed", zap.String("target", d.Target), zap.Error(err))
	}
}

func (g *Gateway) deliverPayload(ctx context.Context, target, event string, payload any) error {
	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return g.Deliver(ctx, target, f)
}
