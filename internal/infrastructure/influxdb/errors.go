package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when telemetry is switched off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed means the server could not be reached at startup.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close or before Connect.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrUnhealthy means a ping failed or the server reported itself unhealthy.
	ErrUnhealthy = errors.New("influxdb: server unhealthy")
)
