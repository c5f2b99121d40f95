package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHandler_Health(t *testing.T) {
	t.Run("ok without checks", func(t *testing.T) {
		h := NewStatusHandler(nil, nil, nil, nil)
		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decodeBody[map[string]any](t, rec)["status"])
	})

	t.Run("degraded when a check fails", func(t *testing.T) {
		h := NewStatusHandler(nil, nil, nil, map[string]Pinger{
			"database": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := decodeBody[map[string]any](t, rec)
		assert.Equal(t, "degraded", body["status"])
		checks, ok := body["checks"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "ok", checks["database"])
		assert.Equal(t, "unavailable", checks["redis"])
	})
}

func TestStatusHandler_Status(t *testing.T) {
	h := NewStatusHandler(
		func() int { return 3 },
		func() int { return 5 },
		nil,
		nil,
	)
	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, float64(3), body["sessions"])
	assert.Equal(t, float64(5), body["connections"])
	assert.Equal(t, float64(0), body["subscribers"])
}
