package mqttbridge

import "errors"

// Errors returned from HandleHeartbeat for malformed messages.
var (
	// ErrInvalidPayload means the message body is not a heartbeat.
	ErrInvalidPayload = errors.New("mqttbridge: invalid heartbeat payload")

	// ErrPayloadTooLarge means the message body exceeds the heartbeat limit.
	ErrPayloadTooLarge = errors.New("mqttbridge: heartbeat payload too large")
)
