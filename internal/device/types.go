package device

import (
	"strings"
	"time"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
)

// Status is a device's liveness state.
type Status string

// Device statuses.
const (
	// StatusWaiting is the initial state: registered, no heartbeat yet.
	StatusWaiting Status = "WAITING_FOR_AGENT"

	// StatusOnline means a valid heartbeat arrived within the timeout.
	StatusOnline Status = "ONLINE"

	// StatusOffline means the heartbeat timed out or the agent shut down.
	StatusOffline Status = "OFFLINE"
)

// Reasons recorded when a device goes OFFLINE.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonAgentShutdown    = "agent_shutdown"
)

// Metadata is descriptive information supplied at registration. It is never
// used for authorisation.
type Metadata struct {
	Name        string `json:"name"`
	Location    string `json:"location,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Device is a registered device.
//
// ID, AuthToken and CreatedAt never change after registration.
// LastHeartbeatAt never moves backwards.
type Device struct {
	ID              string         `json:"id"`
	AuthToken       string         `json:"authToken,omitempty"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastHeartbeatAt *time.Time     `json:"lastHeartbeatAt"`
	LastUpdatedAt   time.Time      `json:"lastUpdatedAt"`
	Metadata        Metadata       `json:"metadata"`
	SystemInfo      map[string]any `json:"systemInfo"`
	OfflineReason   string         `json:"offlineReason,omitempty"`
}

// DeepCopy creates a complete independent copy of the Device.
// Nested maps and slices in SystemInfo are copied recursively.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	cpy.SystemInfo = deepCopyMap(d.SystemInfo)
	if d.LastHeartbeatAt != nil {
		t := *d.LastHeartbeatAt
		cpy.LastHeartbeatAt = &t
	}
	return &cpy
}

// Redacted returns a deep copy with the credential removed. Everything
// leaving the registry through List, Get or events is redacted.
func (d *Device) Redacted() *Device {
	cpy := d.DeepCopy()
	if cpy != nil {
		cpy.AuthToken = ""
	}
	return cpy
}

// Event describes d as a push event of the given kind. The event shares
// SystemInfo with d, so d must not be mutated afterwards.
func (d *Device) Event(kind broadcast.EventType, at time.Time) broadcast.Event {
	return broadcast.Event{
		Type:       kind,
		ID:         d.ID,
		Status:     string(d.Status),
		LastSeen:   d.LastHeartbeatAt,
		SystemInfo: d.SystemInfo,
		Reason:     d.OfflineReason,
		Timestamp:  at,
	}
}

// Beat is the payload of one heartbeat.
type Beat struct {
	// SystemInfo replaces the stored snapshot when non-nil.
	SystemInfo map[string]any

	// Status is an advisory hint from the agent. Only "offline" has an
	// effect; the server decides every other transition.
	Status string
}

// Shutdown reports whether the agent announced it is going away.
func (b Beat) Shutdown() bool {
	return strings.EqualFold(strings.TrimSpace(b.Status), "offline")
}

// Expiry identifies an ONLINE device whose heartbeat deadline has passed.
// LastHeartbeatAt is the value observed when the deadline was taken, so a
// racing heartbeat can be detected by MarkOffline.
type Expiry struct {
	ID              string
	LastHeartbeatAt time.Time
}

// Stats counts devices by status.
type Stats struct {
	Total         int `json:"total"`
	Waiting       int `json:"waiting"`
	Online        int `json:"online"`
	Offline       int `json:"offline"`
	PendingWrites int `json:"pending_writes"`
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, float64, json.Number) copy by value.
		return v
	}
}
