package models

import (
	"encoding/json"
	"time"
)

type ParticipantStatus string

const (
	StatusActive       ParticipantStatus = "active"
	StatusLocked       ParticipantStatus = "locked"
	StatusDisconnected ParticipantStatus = "disconnected"
	// StatusIdle is reserved and never assigned.
	StatusIdle ParticipantStatus = "idle"
)

// Participant is one student in the controller's roster. It is keyed by
// Key, which survives reconnects; ConnectionID changes on every connect.
type Participant struct {
	Key           string            `json:"id"`
	Name          string            `json:"name"`
	Grade         string            `json:"grade"`
	ConnectionID  string            `json:"socketId,omitempty"`
	Address       string            `json:"ip"`
	Status        ParticipantStatus `json:"status"`
	LastSeen      time.Time         `json:"lastSeen"`
	ConnectedAt   *time.Time        `json:"connectedAt,omitempty"`
	TotalDuration time.Duration     `json:"-"`
}

// StudentKey derives the stable roster key from the announced identity.
func StudentKey(name, grade string) string {
	return name + "_" + grade
}

// Connected reports whether the participant currently has a live connection.
func (p Participant) Connected() bool {
	return p.ConnectionID != ""
}

// Attendance is the connected time across all connections, including the
// current one up to now.
func (p Participant) Attendance(now time.Time) time.Duration {
	total := p.TotalDuration
	if p.ConnectedAt != nil {
		total += now.Sub(*p.ConnectedAt)
	}
	return total
}

func (p Participant) MarshalJSON() ([]byte, error) {
	type alias Participant
	return json.Marshal(struct {
		alias
		TotalDurationMS int64 `json:"totalDuration"`
	}{alias(p), p.TotalDuration.Milliseconds()})
}

// AttendanceRecord is one row of the end-of-class attendance report.
type AttendanceRecord struct {
	Key        string            `json:"id"`
	Name       string            `json:"name"`
	Grade      string            `json:"grade"`
	Status     ParticipantStatus `json:"status"`
	DurationMS int64             `json:"durationMs"`
}
