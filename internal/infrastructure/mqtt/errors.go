package mqtt

import "errors"

var (
	// ErrNotConnected is returned while the broker connection is down.
	// Retained device statuses missed in that window are resent on reconnect.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps a broker-side publish failure or timeout.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrPayloadTooLarge is returned for a message over maxPayloadSize.
	ErrPayloadTooLarge = errors.New("mqtt: payload too large")

	// ErrSubscribeFailed wraps a failed heartbeat subscription.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrUnsubscribeFailed wraps a failed unsubscribe.
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidDeviceID is returned for a device id that cannot be used as
	// a single topic level (empty, or containing '/', '+' or '#').
	ErrInvalidDeviceID = errors.New("mqtt: invalid device id for topic")

	// ErrInvalidTopic is returned when a message arrives on a topic that is
	// not a device heartbeat topic under the configured prefix.
	ErrInvalidTopic = errors.New("mqtt: not a device heartbeat topic")
)
