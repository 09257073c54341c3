package models

import "time"

// SessionInfo is the UI-facing view of the controller's running session.
// The password itself never leaves the session manager.
type SessionInfo struct {
	ID             string    `json:"id"`
	TeacherName    string    `json:"teacherName"`
	ClassName      string    `json:"className"`
	IsSecured      bool      `json:"isSecured"`
	TimeoutMinutes int       `json:"timeoutMinutes"`
	Locked         bool      `json:"locked"`
	StartedAt      time.Time `json:"startedAt"`
}

// ConnectionStatus values reported by the participant client.
const (
	ConnDiscovering    = "discovering"
	ConnConnecting     = "connecting"
	ConnConnected      = "connected"
	ConnLocked         = "locked"
	ConnActive         = "active"
	ConnKicked         = "kicked"
	ConnConnectionLost = "connection_lost"
	ConnError          = "error"
)

// StatusEvent is pushed to the participant UI on every state change.
type StatusEvent struct {
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// WSMessage is the envelope on the local UI event stream.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
