package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/relay-server-go/internal/config"
)

// Counter reports the size of a live collection.
type Counter func() int

// Pinger checks a backing service.
type Pinger func(ctx context.Context) error

type StatusHandler struct {
	sessions    Counter
	connections Counter
	subscribers Counter
	checks      map[string]Pinger
	startedAt   time.Time
	now         func() time.Time
}

// NewStatusHandler creates the health and status handler. checks names the
// optional backing services (database, redis) pinged by /health.
func NewStatusHandler(sessions, connections, subscribers Counter, checks map[string]Pinger) *StatusHandler {
	return &StatusHandler{
		sessions:    sessions,
		connections: connections,
		subscribers: subscribers,
		checks:      checks,
		startedAt:   time.Now(),
		now:         time.Now,
	}
}

// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	results := make(map[string]string, len(h.checks))

	for name, ping := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		err := ping(ctx)
		cancel()

		if err != nil {
			log.Warn().Err(err).Str("check", name).Msg("health check failed")
			results[name] = "unavailable"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	body := map[string]any{
		"status":    status,
		"timestamp": h.now().UnixMilli(),
	}
	if len(results) > 0 {
		body["checks"] = results
	}
	writeJSON(w, code, body)
}

// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":      count(h.sessions),
		"connections":   count(h.connections),
		"subscribers":   count(h.subscribers),
		"uptimeSeconds": int64(h.now().Sub(h.startedAt).Seconds()),
	})
}

func count(fn Counter) int {
	if fn == nil {
		return 0
	}
	return fn()
}
