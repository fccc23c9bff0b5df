package domain

import "time"

// EventType names a committed change to a session.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionUpdated EventType = "session.updated"
	EventSessionDeleted EventType = "session.deleted"
	EventHistoryAppend  EventType = "history.appended"
	EventRunAppend      EventType = "run.appended"
)

// Event is published after a mutation has been committed to the backend.
// Count is the number of entries appended, zero for other event types.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Count     int       `json:"count,omitempty"`
	At        time.Time `json:"at"`
}
