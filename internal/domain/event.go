package domain

import "time"

type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventSessionDeleted    EventType = "session_deleted"
	EventSessionExpired    EventType = "session_expired"
	EventSubscriberAdded   EventType = "subscriber_added"
	EventSubscriberRemoved EventType = "subscriber_removed"
)

// Event describes a lifecycle change of a session or its subscriber set.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  SessionID `json:"session_id"`
	SSRC       uint32    `json:"ssrc"`
	Subscriber string    `json:"subscriber,omitempty"`
	At         time.Time `json:"at"`
}
