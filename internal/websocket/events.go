package websocket

import "classlock/internal/models"

// UI event types on the local event stream.
const (
	EventRoster     = "roster"
	EventLog        = "log"
	EventStatus     = "status"
	EventCandidates = "candidates"
)

// Events publishes controller and participant updates to the UI clients
// attached to a Hub. It satisfies both session.Notifier and
// participant.Observer.
type Events struct {
	hub *Hub
}

func NewEvents(hub *Hub) *Events {
	return &Events{hub: hub}
}

func (e *Events) RosterChanged(roster []models.Participant) {
	if roster == nil {
		roster = []models.Participant{}
	}
	e.hub.Broadcast(models.WSMessage{Type: EventRoster, Payload: roster})
}

func (e *Events) Log(entry models.LogEntry) {
	e.hub.Broadcast(models.WSMessage{Type: EventLog, Payload: entry})
}

func (e *Events) Status(ev models.StatusEvent) {
	e.hub.Broadcast(models.WSMessage{Type: EventStatus, Payload: ev})
}

func (e *Events) CandidatesChanged(candidates []models.Candidate) {
	if candidates == nil {
		candidates = []models.Candidate{}
	}
	e.hub.Broadcast(models.WSMessage{Type: EventCandidates, Payload: candidates})
}
