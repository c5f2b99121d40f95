package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pairlink/relay-server-go/internal/audit"
	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/session"
)

// Disconnector frees a device slot and tells the rest of the session.
type Disconnector interface {
	Disconnect(ctx context.Context, sessionID, deviceID string) bool
}

type ConnectionHandler struct {
	registry     *session.Registry
	disconnector Disconnector
}

func NewConnectionHandler(registry *session.Registry, disconnector Disconnector) *ConnectionHandler {
	return &ConnectionHandler{
		registry:     registry,
		disconnector: disconnector,
	}
}

func (h *ConnectionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/devices/{userId}", h.Devices)
	r.Post("/disconnect", h.Disconnect)
	return r
}

type devicesResponse struct {
	UserID  string             `json:"userId"`
	Devices []model.DeviceSlot `json:"devices"`
}

type disconnectRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// GET /api/connection/devices/{userId}
func (h *ConnectionHandler) Devices(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "userId")

	devices, ok := h.registry.Devices(sessionID)
	if !ok {
		writeError(w, apperrors.NotFound("Session"))
		return
	}

	// Connection handles are internal.
	for i := range devices {
		devices[i].ConnectionHandle = ""
	}

	writeJSON(w, http.StatusOK, devicesResponse{
		UserID:  sessionID,
		Devices: devices,
	})
}

// POST /api/connection/disconnect
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, apperrors.MissingRequired("userId"))
		return
	}
	if req.DeviceID == "" {
		writeError(w, apperrors.MissingRequired("deviceId"))
		return
	}

	if !h.disconnector.Disconnect(r.Context(), req.UserID, req.DeviceID) {
		writeError(w, apperrors.NotFound("Device"))
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventDeviceDisconnect,
		SessionID: req.UserID,
		DeviceID:  req.DeviceID,
	})

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
