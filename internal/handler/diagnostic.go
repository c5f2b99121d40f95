package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

// ReportRepository stores and lists connection reports.
type ReportRepository interface {
	Create(ctx context.Context, params model.CreateConnectionReportParams) (*model.ConnectionReport, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]model.ConnectionReport, error)
}

type DiagnosticHandler struct {
	iceServers []webrtc.ICEServer
	reports    ReportRepository
}

// NewDiagnosticHandler creates the handler. reports may be nil, in which
// case diagnostics are only logged.
func NewDiagnosticHandler(iceServers []webrtc.ICEServer, reports ReportRepository) *DiagnosticHandler {
	return &DiagnosticHandler{
		iceServers: iceServers,
		reports:    reports,
	}
}

func (h *DiagnosticHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ice-servers", h.ICEServers)
	r.Post("/report", h.Report)
	r.Get("/reports/{userId}", h.ListReports)
	return r
}

type iceServerResponse struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// GET /api/diagnostic/ice-servers
func (h *DiagnosticHandler) ICEServers(w http.ResponseWriter, r *http.Request) {
	servers := make([]iceServerResponse, 0, len(h.iceServers))
	for _, s := range h.iceServers {
		entry := iceServerResponse{URLs: s.URLs}
		if s.Username != "" {
			entry.Username = s.Username
			entry.Credential = fmt.Sprint(s.Credential)
		}
		servers = append(servers, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

// POST /api/diagnostic/report
func (h *DiagnosticHandler) Report(w http.ResponseWriter, r *http.Request) {
	var diag model.ConnectionDiagnostic
	if err := decodeJSON(r, &diag); err != nil {
		writeError(w, err)
		return
	}
	if diag.UserID == "" {
		writeError(w, apperrors.MissingRequired("userId"))
		return
	}
	if diag.DeviceID == "" {
		writeError(w, apperrors.MissingRequired("deviceId"))
		return
	}

	connected := 0
	for _, p := range diag.PeerConnections {
		if p.IsConnected {
			connected++
		}
	}

	log.Info().
		Str("sessionId", diag.UserID).
		Str("deviceId", diag.DeviceID).
		Bool("stun", diag.HasStunConnectivity).
		Bool("turn", diag.HasTurnConnectivity).
		Int("peers", len(diag.PeerConnections)).
		Int("connectedPeers", connected).
		Msg("connection diagnostic received")

	stored := false
	if h.reports != nil {
		payload, err := json.Marshal(diag)
		if err != nil {
			writeError(w, apperrors.Internal("Failed to encode diagnostic"))
			return
		}

		if _, err := h.reports.Create(r.Context(), model.CreateConnectionReportParams{
			SessionID: diag.UserID,
			DeviceID:  diag.DeviceID,
			Kind:      model.ReportKindDiagnostic,
			Payload:   payload,
		}); err != nil {
			log.Error().Err(err).Str("sessionId", diag.UserID).Msg("failed to store diagnostic")
			writeError(w, apperrors.Database(err))
			return
		}
		stored = true
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stored":  stored,
	})
}

// GET /api/diagnostic/reports/{userId}
func (h *DiagnosticHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, apperrors.NotFound("Report storage"))
		return
	}

	page, err := ParsePagination(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionID := chi.URLParam(r, "userId")
	reports, err := h.reports.ListBySession(r.Context(), sessionID, page.Limit, page.Offset)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to list reports")
		writeError(w, apperrors.Database(err))
		return
	}
	if reports == nil {
		reports = []model.ConnectionReport{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}
