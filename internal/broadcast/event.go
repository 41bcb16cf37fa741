package broadcast

import "time"

// EventType names the kind of change an Event describes.
type EventType string

// Event types carried on the push channel.
const (
	EventDeviceUpdate  EventType = "device-update"
	EventDeviceCreated EventType = "device-created"
	EventDeviceRemoved EventType = "device-removed"
)

// Event is one registry change as delivered to observers. It never carries
// credentials.
//
// SystemInfo is shared by every observer that receives the event and must
// be treated as read-only.
type Event struct {
	Type       EventType      `json:"type"`
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	LastSeen   *time.Time     `json:"lastSeen"`
	SystemInfo map[string]any `json:"systemInfo,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
