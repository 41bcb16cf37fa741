package mqtt

import (
	"fmt"
	"strings"
)

// maxPayloadSize caps one outgoing message (1MB). A status event is a few
// hundred bytes; the cap only trips on a runaway systemInfo snapshot.
const maxPayloadSize = 1 << 20

// PublishDeviceStatus publishes a device's status event, retained, on
// {prefix}/device/{id}/status at the configured QoS. Late subscribers get
// the last known status of every device straight away.
//
// An empty payload is refused; use ClearDeviceStatus to drop the topic.
func (c *Client) PublishDeviceStatus(deviceID string, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty status for %s", ErrPublishFailed, deviceID)
	}
	return c.publishDevice(deviceID, c.topics.DeviceStatus, payload, true)
}

// ClearDeviceStatus removes a deleted device's retained status. An empty
// retained message tells the broker to forget the topic.
func (c *Client) ClearDeviceStatus(deviceID string) error {
	return c.publishDevice(deviceID, c.topics.DeviceStatus, nil, true)
}

// PublishHeartbeat sends one heartbeat for deviceID, not retained, the way
// a device agent does. The registry only consumes heartbeats; this is the
// agent side of SubscribeHeartbeats.
func (c *Client) PublishHeartbeat(deviceID string, payload []byte) error {
	return c.publishDevice(deviceID, c.topics.DeviceHeartbeat, payload, false)
}

func (c *Client) publishDevice(deviceID string, topic func(string) string, payload []byte, retained bool) error {
	if !validDeviceID(deviceID) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	t := topic(deviceID)
	token := c.client.Publish(t, c.QoS(), retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, t, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, t, err)
	}
	return nil
}

// validDeviceID reports whether id fits in a single topic level.
func validDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}
