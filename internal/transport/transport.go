// Package transport puts the direct LAN websocket and the relay behind
// one surface. The controller talks to a Hub and never learns which
// transport carries it; the participant gets a ClassConn from a Dialer.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"classlock/internal/clock"
	"classlock/internal/models"
	"classlock/internal/protocol"
)

var (
	ErrAuth                = errors.New("incorrect session password")
	ErrRejected            = errors.New("relay rejected the session")
	ErrRegistrationTimeout = errors.New("relay did not acknowledge the session")
	ErrUnknownConn         = errors.New("unknown connection")
	ErrClosed              = errors.New("transport closed")
)

// Announcement is what a controller publishes about its session.
type Announcement struct {
	SessionID string
	Teacher   string
	Class     string
	IsSecured bool
}

// Handler receives inbound participant activity. Calls for different
// connections may arrive concurrently.
type Handler interface {
	// Authorize checks a presented password. A non-nil error rejects the
	// attempt before Join.
	Authorize(password string) error
	Join(connID, addr string, info protocol.UserInfo)
	Leave(connID string)
}

// Hub is the controller's view of every connected participant.
type Hub interface {
	SendTo(connID, event string, payload any) error
	Broadcast(event string, payload any) error
	// Disconnect drops a participant where the transport allows it.
	Disconnect(connID string) error
	Close() error
}

type Opener interface {
	Open(ctx context.Context, a Announcement, h Handler) (Hub, error)
}

// ClassConn is a participant's live connection to one controller.
// Messages carries command frames with any relay envelope removed.
type ClassConn interface {
	Messages() <-chan protocol.Frame
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, c models.Candidate, info protocol.UserInfo, password string) (ClassConn, error)
}

// AutoDialer picks the relay for relay candidates and the direct path
// for everything else.
type AutoDialer struct {
	LAN   Dialer
	Relay Dialer
}

func (d AutoDialer) Dial(ctx context.Context, c models.Candidate, info protocol.UserInfo, password string) (ClassConn, error) {
	if c.ViaRelay() {
		if d.Relay == nil {
			return nil, errors.New("relay is not configured")
		}
		return d.Relay.Dial(ctx, c, info, password)
	}
	if d.LAN == nil {
		return nil, errors.New("direct connections are not configured")
	}
	return d.LAN.Dial(ctx, c, info, password)
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// withTimeout is context.WithTimeout on an injected clock.
func withTimeout(ctx context.Context, clk clock.Clock, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	t := clk.AfterFunc(d, cancel)
	return ctx, func() {
		t.Stop()
		cancel()
	}
}
