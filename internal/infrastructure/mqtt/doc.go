// Package mqtt provides MQTT client connectivity for the fleetbeat registry.
//
// The client speaks only the registry's topic scheme: retained device
// status, device heartbeats and the registry's own online/offline status,
// which the broker publishes as the Last Will if the process dies.
//
// # Topics
//
// All topics live under a configurable prefix (default "fleetbeat"):
//
//	fleetbeat/registry/status          registry online/offline (retained, LWT)
//	fleetbeat/device/{id}/status       device status events (retained)
//	fleetbeat/device/{id}/heartbeat    heartbeats published by device agents
//
// # Security Considerations
//
//   - Use TLS outside of local development (cfg.Broker.TLS=true)
//   - Heartbeats received over MQTT still carry the device token; the broker
//     ACL is not trusted for device identity
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.SubscribeHeartbeats(func(deviceID string, payload []byte) error {
//	    return handle(deviceID, payload)
//	})
//
//	err = client.PublishDeviceStatus("dev-0190", eventJSON)
package mqtt
