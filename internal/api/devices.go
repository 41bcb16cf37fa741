package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetbeat/internal/device"
)

// createDeviceResponse is returned once, at registration. It is the only
// response that ever carries the device token.
type createDeviceResponse struct {
	ID        string          `json:"id"`
	AuthToken string          `json:"authToken"`
	Status    device.Status   `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	Metadata  device.Metadata `json:"metadata"`
}

// heartbeatRequest is the body of POST /devices/{id}/heartbeat.
type heartbeatRequest struct {
	AuthToken  string         `json:"authToken"`
	SystemInfo map[string]any `json:"systemInfo"`
	Status     string         `json:"status"`
}

// heartbeatResponse reports the device's state after the heartbeat.
type heartbeatResponse struct {
	ID              string        `json:"id"`
	Status          device.Status `json:"status"`
	LastHeartbeatAt *time.Time    `json:"lastHeartbeatAt"`
}

// detached returns a context that keeps the request's values but not its
// cancellation. Registry writes run to completion once started, even if
// the client goes away.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// handleCreateDevice registers a new device from its metadata.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var meta device.Metadata
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, err := s.registry.Create(detached(r), meta)
	if err != nil {
		writeRegistryError(w, err, "failed to register device")
		return
	}

	if op := operatorFromContext(r.Context()); op != nil {
		s.logger.Info("device registered by operator", "device_id", dev.ID, "operator", op.Subject)
	}

	writeJSON(w, http.StatusCreated, createDeviceResponse{
		ID:        dev.ID,
		AuthToken: dev.AuthToken,
		Status:    dev.Status,
		CreatedAt: dev.CreatedAt,
		Metadata:  dev.Metadata,
	})
}

// handleHeartbeat records a heartbeat from a device agent.
//
// The token is read from the body, or from an Authorization bearer header
// when the body omits it. An empty body is a valid heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.AuthToken == "" {
		req.AuthToken = bearerToken(r)
	}

	dev, err := s.registry.Heartbeat(detached(r), id, req.AuthToken, device.Beat{
		SystemInfo: req.SystemInfo,
		Status:     req.Status,
	})
	if err != nil {
		if errors.Is(err, device.ErrInvalidCredentials) {
			s.logger.Warn("heartbeat rejected", "device_id", id, "remote", r.RemoteAddr)
		}
		writeRegistryError(w, err, "failed to record heartbeat")
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{
		ID:              dev.ID,
		Status:          dev.Status,
		LastHeartbeatAt: dev.LastHeartbeatAt,
	})
}

// handleListDevices returns every device without credentials as a JSON
// array. The count is also sent in X-Total-Count.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.List()
	w.Header().Set("X-Total-Count", strconv.Itoa(len(devices)))
	writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeRegistryError(w, err, "failed to get device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device. Its id is never reissued.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.Delete(detached(r), id); err != nil {
		writeRegistryError(w, err, "failed to delete device")
		return
	}

	if op := operatorFromContext(r.Context()); op != nil {
		s.logger.Info("device deleted by operator", "device_id", id, "operator", op.Subject)
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
