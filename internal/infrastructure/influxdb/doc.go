// Package influxdb provides InfluxDB connectivity for the fleetbeat registry.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched point writes, write counters and health checks. The registry
// writes two measurements:
//
//	device_heartbeat  numeric systemInfo values, tagged by device_id
//	device_status     one point per status transition, tagged by device_id and status
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteHeartbeat("dev-0190", map[string]interface{}{"cpu": 0.42}, time.Now())
//
// Writes are non-blocking. Async failures are delivered to the callback set
// with SetOnError, and points written after Close are counted as
// dropped in Stats.
package influxdb
