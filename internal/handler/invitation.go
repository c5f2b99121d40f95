package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/relay-server-go/internal/audit"
	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/httputil"
	"github.com/pairlink/relay-server-go/internal/session"
	"github.com/pairlink/relay-server-go/internal/util"
)

type InvitationHandler struct {
	registry *session.Registry
}

func NewInvitationHandler(registry *session.Registry) *InvitationHandler {
	return &InvitationHandler{registry: registry}
}

// Routes mounts the invitation endpoints. authLimit wraps authenticate only,
// which is where codes can be guessed.
func (h *InvitationHandler) Routes(authLimit ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/generate", h.Generate)
	r.With(authLimit...).Post("/authenticate", h.Authenticate)
	return r
}

type generateResponse struct {
	InvitationCode string `json:"invitationCode"`
	UserID         string `json:"userId"`
}

type authenticateRequest struct {
	InvitationCode string `json:"invitationCode"`
}

type authenticateResponse struct {
	UserID   string              `json:"userId,omitempty"`
	DeviceID string              `json:"deviceId,omitempty"`
	Success  bool                `json:"success"`
	Message  string              `json:"message"`
	Code     apperrors.ErrorCode `json:"code,omitempty"`
}

// POST /api/invitation/generate
func (h *InvitationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	code, sessionID, err := h.registry.IssueCode()
	if err != nil {
		log.Error().Err(err).Msg("failed to issue invitation code")
		writeError(w, apperrors.Internal("Failed to generate invitation code"))
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCodeGenerate,
		SessionID: sessionID,
		Details:   map[string]interface{}{"code": util.MaskCode(code)},
	})

	writeJSON(w, http.StatusOK, generateResponse{
		InvitationCode: code,
		UserID:         sessionID,
	})
}

// POST /api/invitation/authenticate
func (h *InvitationHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sessionID, deviceID, err := h.registry.Authenticate(req.InvitationCode)
	if err != nil {
		appErr, ok := apperrors.AsAppError(err)
		if !ok {
			log.Error().Err(err).Msg("authenticate failed")
			appErr = apperrors.Internal("Authentication failed")
		}

		audit.LogFromRequest(r, audit.Event{
			Type: audit.EventCodeAuthFailure,
			Details: map[string]interface{}{
				"code":   util.MaskCode(session.NormalizeCode(req.InvitationCode)),
				"reason": string(appErr.Code),
			},
		})

		writeJSON(w, httputil.StatusFromCode(appErr.Code), authenticateResponse{
			Success: false,
			Message: appErr.Message,
			Code:    appErr.Code,
		})
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventCodeAuthSuccess,
		SessionID: sessionID,
		DeviceID:  deviceID,
	})

	writeJSON(w, http.StatusOK, authenticateResponse{
		UserID:   sessionID,
		DeviceID: deviceID,
		Success:  true,
		Message:  "Authenticated",
	})
}
