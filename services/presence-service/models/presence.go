package models

import "time"

// Status is the user-facing presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// StatusRecord is the stored semantic status of a user. Zero times mean the
// field was never written.
type StatusRecord struct {
	UserID          int64     `json:"user_id"`
	Status          Status    `json:"status"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// EventStatusChanged is the bus event type for status transitions.
const EventStatusChanged = "presence.status.changed"

// StatusEvent is published on a user's status topic.
type StatusEvent struct {
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// NewStatusEvent builds a status-changed event stamped with at.
func NewStatusEvent(userID int64, status Status, at time.Time) StatusEvent {
	return StatusEvent{
		Type:      EventStatusChanged,
		UserID:    userID,
		Status:    status,
		Timestamp: at.Unix(),
	}
}

// EffectiveStatus is the status a subscriber should render.
type EffectiveStatus struct {
	UserID    int64  `json:"user_id"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type StatusResponse struct {
	UserID    int64  `json:"user_id"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
	IsOnline  bool   `json:"is_online"`
}

type OnlineCountResponse struct {
	Count int64 `json:"count"`
}
