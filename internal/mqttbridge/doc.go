// Package mqttbridge connects the device registry to an MQTT broker.
//
// Outbound, every registry event is published retained on
// {prefix}/device/{id}/status so late subscribers see each device's last
// known state. Removing a device publishes an empty retained message,
// which clears the topic.
//
// Inbound, device agents may publish heartbeats on
// {prefix}/device/{id}/heartbeat with the same JSON body as the HTTP
// heartbeat endpoint. The token in the body is checked exactly as it is
// over HTTP; broker credentials do not identify a device.
package mqttbridge
