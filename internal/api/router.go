package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetbeat/internal/auth"
)

// healthCheckTimeout bounds each dependency check made by /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Device agents and dashboards use the bare paths; /api/v1 mirrors them.
	s.mountRoutes(r)
	r.Route("/api/v1", s.mountRoutes)

	return r
}

// mountRoutes registers every endpoint on r.
func (s *Server) mountRoutes(r chi.Router) {
	// Open endpoints
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// Heartbeats authenticate with the device token, never an operator token.
	r.Post("/devices/{id}/heartbeat", s.handleHeartbeat)

	// Management endpoints
	r.Group(func(r chi.Router) {
		r.Use(s.requirePermission(auth.PermDeviceRead))
		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{id}", s.handleGetDevice)
		r.Post("/auth/ws-ticket", s.handleWSTicket)
		r.Get("/ws", s.handleWebSocket)
	})
	r.With(s.requirePermission(auth.PermDeviceRegister)).Post("/devices", s.handleCreateDevice)
	r.With(s.requirePermission(auth.PermDeviceDelete)).Delete("/devices/{id}", s.handleDeleteDevice)
	r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAuditLogs)
}

// handleHealth reports overall status and the state of each dependency.
// It answers 200 while the registry is serving; a failed dependency only
// marks the response "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "ok"

	check := func(name string, hc HealthChecker) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := hc.HealthCheck(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}

	if s.db != nil {
		check("database", s.db)
	}
	if s.mqtt != nil {
		check("mqtt", s.mqtt)
	}
	if s.influx != nil {
		check("influxdb", s.influx)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"devices": s.registry.Count(),
		"checks":  checks,
	})
}
