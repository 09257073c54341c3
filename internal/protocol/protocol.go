// Package protocol defines what travels on the wire: the discovery beacon,
// the JSON frame shared by the direct and relay websockets, and the
// payloads of every event.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Commands and identity, identical on the direct and relayed paths.
const (
	EventLock        = "lock-student"
	EventUnlock      = "unlock-student"
	EventKick        = "kick-student"
	EventSetUserInfo = "set-user-info"
	EventAuthError   = "auth-error"

	// EventWelcome confirms a relayed join passed the password gate.
	EventWelcome = "session-welcome"
)

// Relay control events.
const (
	EventRegister          = "register-controller"
	EventListSessions      = "list-sessions"
	EventJoin              = "join-session"
	EventRelayMessage      = "relay-message"
	EventAddToRoom         = "add-to-room"
	EventRoomMessage       = "relay-room-message"
	EventAck               = "ack"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-disconnected"
	EventError             = "error"
)

const (
	BeaconType = "BEACON"

	// RelayHost is the candidate host meaning "reach via relay".
	RelayHost = "RELAY"

	// PasswordHeader carries the session password on the direct upgrade.
	PasswordHeader = "X-Session-Password"

	WebSocketPath = "/ws"
)

var ErrNotBeacon = errors.New("protocol: not a beacon")

// Frame is the unit exchanged on every websocket. ID is set on requests
// that expect an ack and echoed on the ack.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload into a frame. A nil payload leaves Data empty.
func NewFrame(event string, payload any) (Frame, error) {
	f := Frame{Event: event}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	f.Data = data
	return f, nil
}

// Decode unmarshals the frame payload into v. An empty payload leaves v
// untouched.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Event, err)
	}
	return nil
}

// Unwrap turns a relay-message envelope into the frame it carries. Other
// frames are returned as they are.
func Unwrap(f Frame) Frame {
	if f.Event != EventRelayMessage {
		return f
	}
	var m RelayMessage
	if err := f.Decode(&m); err != nil || m.Event == "" {
		return f
	}
	return Frame{Event: m.Event, Data: m.Data}
}

type Beacon struct {
	Type      string `json:"type"`
	Teacher   string `json:"teacher"`
	Class     string `json:"class"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	IsSecured bool   `json:"isSecured"`
	SessionID string `json:"sessionId,omitempty"`
	RelayID   string `json:"relayId,omitempty"`
}

// ParseBeacon decodes a discovery datagram. Unknown fields are ignored;
// anything that is not a JSON BEACON object is an error.
func ParseBeacon(b []byte) (Beacon, error) {
	var beacon Beacon
	if err := json.Unmarshal(b, &beacon); err != nil {
		return Beacon{}, fmt.Errorf("%w: %v", ErrNotBeacon, err)
	}
	if beacon.Type != BeaconType {
		return Beacon{}, ErrNotBeacon
	}
	return beacon, nil
}

type LockCommand struct {
	Timeout int `json:"timeout"`
}

// UserInfo is what a participant announces. Password is only populated on
// the relay join, where the controller checks it.
type UserInfo struct {
	Name     string `json:"name"`
	Grade    string `json:"grade"`
	Password string `json:"password,omitempty"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

type Registration struct {
	Name      string `json:"name"`
	ClassName string `json:"className"`
	IsSecured bool   `json:"isSecured"`
	SessionID string `json:"sessionId"`
}

// DirectoryEntry is one registered controller as listed by the relay.
type DirectoryEntry struct {
	SocketID  string `json:"socketId"`
	Name      string `json:"name"`
	ClassName string `json:"className"`
	IsSecured bool   `json:"isSecured"`
	SessionID string `json:"sessionId"`
}

type Ack struct {
	OK           bool             `json:"ok"`
	Error        string           `json:"error,omitempty"`
	ConnectionID string           `json:"connectionId,omitempty"`
	Room         string           `json:"room,omitempty"`
	Sessions     []DirectoryEntry `json:"sessions,omitempty"`
}

type JoinRequest struct {
	ControllerID string   `json:"controllerId"`
	Info         UserInfo `json:"info"`
}

type ParticipantJoined struct {
	ConnectionID string   `json:"connectionId"`
	Info         UserInfo `json:"info"`
}

type ParticipantLeft struct {
	ConnectionID string `json:"connectionId"`
}

type RelayMessage struct {
	TargetConnectionID string          `json:"targetConnectionId"`
	Event              string          `json:"event"`
	Data               json.RawMessage `json:"data,omitempty"`
}

type AddToRoom struct {
	ConnectionID string `json:"connectionId"`
}

type RoomMessage struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
