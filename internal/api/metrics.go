package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/fleetbeat/internal/broadcast"
	"github.com/nerrad567/fleetbeat/internal/device"
	"github.com/nerrad567/fleetbeat/internal/infrastructure/influxdb"
)

// telemetryStats is implemented by the InfluxDB client.
type telemetryStats interface {
	Stats() influxdb.Stats
}

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Events        broadcast.Stats  `json:"events"`
	Devices       device.Stats     `json:"devices"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	Telemetry     *influxdb.Stats  `json:"telemetry,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
	PendingTickets   int `json:"pending_tickets"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns runtime, registry and fan-out statistics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			PendingTickets:   s.tickets.len(),
		},
		Events:  s.broadcaster.Stats(),
		Devices: s.registry.Stats(),
	}

	if s.mqtt != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.HealthCheck(ctx) == nil}
		cancel()
	}

	if ts, ok := s.influx.(telemetryStats); ok {
		stats := ts.Stats()
		metrics.Telemetry = &stats
	}

	if s.db != nil {
		stats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
