package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every fleetbeat topic when the config
// does not override it.
const DefaultTopicPrefix = "fleetbeat"

// Topics builds fleetbeat MQTT topics under a configurable prefix.
//
// Device topics use the scheme {prefix}/device/{id}/{kind}:
//
//	topics := mqtt.NewTopics("fleetbeat")
//	topics.DeviceStatus("dev-0190")
//	// Returns: "fleetbeat/device/dev-0190/status"
type Topics struct {
	Prefix string
}

// NewTopics returns a topic builder rooted at prefix. An empty or
// slash-only prefix falls back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) root() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// DeviceStatus returns the retained status topic for a device.
//
// Example: fleetbeat/device/dev-0190/status
func (t Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/status", t.root(), deviceID)
}

// DeviceHeartbeat returns the topic a device agent publishes heartbeats on.
//
// Example: fleetbeat/device/dev-0190/heartbeat
func (t Topics) DeviceHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/heartbeat", t.root(), deviceID)
}

// RegistryStatus returns the retained online/offline topic for the
// registry process itself. The broker publishes the will message here.
//
// Example: fleetbeat/registry/status
func (t Topics) RegistryStatus() string {
	return fmt.Sprintf("%s/registry/status", t.root())
}

// AllDeviceHeartbeats returns a pattern matching every device heartbeat.
//
// Pattern: fleetbeat/device/+/heartbeat
func (t Topics) AllDeviceHeartbeats() string {
	return fmt.Sprintf("%s/device/+/heartbeat", t.root())
}

// DeviceIDFromTopic extracts the device id from a device topic of the given
// kind ("status" or "heartbeat"). It returns false when the topic does not
// belong to this prefix or has a different shape.
func (t Topics) DeviceIDFromTopic(topic, kind string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.root()+"/device/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/"+kind)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
