package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"classlock/internal/protocol"
	"classlock/internal/websocket"
)

// Server accepts relay websocket connections and feeds their frames to
// the gateway.
type Server struct {
	gateway *Gateway
	opts    websocket.Options
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewServer(g *Gateway, opts websocket.Options, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		gateway: g,
		opts:    opts,
		log:     log.Named("relay"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Shutdown drops every connection.
func (s *Server) Shutdown() {
	s.cancel()
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Upgrade(w, r)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := websocket.NewConn(ws, s.opts, s.log)
	id := s.gateway.Connect(conn)
	defer s.gateway.Disconnect(context.Background(), id)

	err = conn.Run(s.ctx, func(f protocol.Frame) {
		s.dispatch(id, conn, f)
	})
	if err != nil && !errors.Is(err, websocket.ErrClosed) {
		s.log.Debug("connection ended", zap.String("conn", id), zap.Error(err))
	}
}

func (s *Server) dispatch(id string, conn *websocket.Conn, f protocol.Frame) {
	ctx := s.ctx
	var (
		ack protocol.Ack
		err error
	)

	switch f.Event {
	case protocol.EventRegister:
		var reg protocol.Registration
		if err = f.Decode(&reg); err == nil {
			ack, err = s.gateway.Register(ctx, id, reg)
		}
	case protocol.EventListSessions:
		ack.Sessions, err = s.gateway.ListSessions(ctx)
	case protocol.EventJoin:
		var req protocol.JoinRequest
		if err = f.Decode(&req); err == nil {
			err = s.gateway.Join(ctx, id, req)
		}
	case protocol.EventRelayMessage:
		var m protocol.RelayMessage
		if err = f.Decode(&m); err == nil {
			err = s.gateway.RelayMessage(ctx, id, m)
		}
	case protocol.EventAddToRoom:
		var m protocol.AddToRoom
		if err = f.Decode(&m); err == nil {
			err = s.gateway.AddToRoom(ctx, id, m)
		}
	case protocol.EventRoomMessage:
		var m protocol.RoomMessage
		if err = f.Decode(&m); err == nil {
			err = s.gateway.RoomMessage(ctx, id, m)
		}
	default:
		err = fmt.Errorf("unknown event %q", f.Event)
	}

	if err != nil {
		ack.OK = false
		ack.Error = err.Error()
	} else {
		ack.OK = true
	}

	reply := func(event string, payload any) {
		out, ferr := protocol.NewFrame(event, payload)
		if ferr != nil {
			s.log.Warn("encode reply", zap.Error(ferr))
			return
		}
		out.ID = f.ID
		conn.Send(out)
	}

	switch {
	case f.ID != "":
		reply(protocol.EventAck, ack)
	case err != nil:
		reply(protocol.EventError, protocol.ErrorMessage{Message: err.Error()})
	}
}
