package influxdb

import "time"

// Measurement names written by the registry.
const (
	// MeasurementHeartbeat holds numeric systemInfo values reported with
	// each heartbeat, one field per key.
	MeasurementHeartbeat = "device_heartbeat"

	// MeasurementStatus holds one point per status transition.
	MeasurementStatus = "device_status"
)

// WriteHeartbeat records the numeric systemInfo values of one heartbeat.
//
// Points with no fields are skipped since InfluxDB rejects them.
//
// Parameters:
//   - deviceID: Registry id of the device (tagged as device_id)
//   - fields: Numeric values keyed by their systemInfo name
//   - ts: Heartbeat time as recorded by the registry
func (c *Client) WriteHeartbeat(deviceID string, fields map[string]interface{}, ts time.Time) {
	if len(fields) == 0 {
		return
	}
	c.writePoint(MeasurementHeartbeat, map[string]string{"device_id": deviceID}, fields, ts)
}

// WriteStatus records a status transition for a device.
//
// Example:
//
//	client.WriteStatus("dev-0190", "OFFLINE", "heartbeat_timeout", time.Now())
func (c *Client) WriteStatus(deviceID, status, reason string, ts time.Time) {
	tags := map[string]string{
		"device_id": deviceID,
		"status":    status,
	}
	fields := map[string]interface{}{"value": 1}
	if reason != "" {
		fields["reason"] = reason
	}
	c.writePoint(MeasurementStatus, tags, fields, ts)
}
