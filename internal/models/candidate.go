package models

import (
	"net"
	"strconv"
	"time"

	"classlock/internal/protocol"
)

// Candidate is a discovered session a participant may join.
type Candidate struct {
	SessionID string    `json:"sessionId,omitempty"`
	Teacher   string    `json:"teacher"`
	Class     string    `json:"class"`
	Host      string    `json:"ip"`
	Port      int       `json:"port"`
	IsSecured bool      `json:"isSecured"`
	RelayID   string    `json:"relayId,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

func CandidateFromBeacon(b protocol.Beacon, seen time.Time) Candidate {
	return Candidate{
		SessionID: b.SessionID,
		Teacher:   b.Teacher,
		Class:     b.Class,
		Host:      b.IP,
		Port:      b.Port,
		IsSecured: b.IsSecured,
		RelayID:   b.RelayID,
		LastSeen:  seen,
	}
}

// Key identifies the candidate for de-duplication: the session id when
// the controller sent one, the address otherwise.
func (c Candidate) Key() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.Address()
}

func (c Candidate) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Candidate) ViaRelay() bool {
	return c.Host == protocol.RelayHost
}

// SameContent compares every field except LastSeen.
func (c Candidate) SameContent(o Candidate) bool {
	c.LastSeen = time.Time{}
	o.LastSeen = time.Time{}
	return c == o
}
