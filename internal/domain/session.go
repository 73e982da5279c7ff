// Package domain contains entities without logic, just meta-data
package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID never reuses an identifier, even for an SSRC that had a session before.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ParseSessionID accepts only canonical UUID strings.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", ErrInvalidArgument
	}
	return SessionID(id.String()), nil
}

type SessionState int32

const (
	SessionActive SessionState = iota
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SubscriberView is a read-only view of one destination.
type SubscriberView struct {
	Address     string    `json:"address"`
	AddedAt     time.Time `json:"added_at"`
	PacketsSent uint64    `json:"packets_sent"`
	SendErrors  uint64    `json:"send_errors"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`
}

// SessionView is a point-in-time copy of a session for APIs.
type SessionView struct {
	ID            SessionID        `json:"session_id"`
	SSRC          uint32           `json:"ssrc"`
	SourceAddress string           `json:"source_address"`
	MediaType     string           `json:"media_type"`
	State         SessionState     `json:"state"`
	CreatedAt     time.Time        `json:"created_at"`
	LastActivity  time.Time        `json:"last_activity"`
	Subscribers   []SubscriberView `json:"subscribers"`
	Stats         SessionStats     `json:"stats"`
}

// SessionStats holds the counters of one session. Fields are read independently,
// so packets_received may run slightly ahead of bytes_received.
type SessionStats struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsSent     uint64 `json:"packets_sent"`
	BytesReceived   uint64 `json:"bytes_received"`
	SendErrors      uint64 `json:"send_errors"`
	SubscriberCount int    `json:"subscriber_count"`
}
