package domain

import "time"

const ProximityThresholdMeters = 100.0

type NotificationHandle string

type NotificationEventType string

const (
	NotificationShow   NotificationEventType = "show"
	NotificationCancel NotificationEventType = "cancel"
)

type Notification struct {
	MarkerID int64  `json:"marker_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// ProximityState is the engine's view of one marker. It is never persisted.
type ProximityState struct {
	MarkerID       int64              `json:"marker_id"`
	Active         bool               `json:"active"`
	LastNotifiedAt time.Time          `json:"last_notified_at"`
	LastDistance   float64            `json:"last_distance"`
	Handle         NotificationHandle `json:"-"`
}
