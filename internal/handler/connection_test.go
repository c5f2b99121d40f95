package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pairlink/relay-server-go/internal/session"
)

type MockDisconnector struct {
	mock.Mock
}

func (m *MockDisconnector) Disconnect(ctx context.Context, sessionID, deviceID string) bool {
	args := m.Called(ctx, sessionID, deviceID)
	return args.Bool(0)
}

func TestConnectionHandler_Devices(t *testing.T) {
	registry := session.NewRegistry(session.Options{})
	code, sessionID, err := registry.IssueCode()
	require.NoError(t, err)
	_, deviceID, err := registry.Authenticate(code)
	require.NoError(t, err)
	_, err = registry.Bind(sessionID, deviceID, "conn-secret")
	require.NoError(t, err)

	router := NewConnectionHandler(registry, new(MockDisconnector)).Routes()

	t.Run("lists slots", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/"+sessionID, nil))

		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[devicesResponse](t, rec)
		require.Len(t, resp.Devices, 1)
		assert.Equal(t, deviceID, resp.Devices[0].DeviceID)
		assert.True(t, resp.Devices[0].Online)
		assert.NotContains(t, rec.Body.String(), "conn-secret")
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/missing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestConnectionHandler_Disconnect(t *testing.T) {
	registry := session.NewRegistry(session.Options{})

	t.Run("frees the slot", func(t *testing.T) {
		disconnector := new(MockDisconnector)
		disconnector.On("Disconnect", mock.Anything, "s1", "d1").Return(true)
		h := NewConnectionHandler(registry, disconnector)

		rec := postJSON(t, h.Disconnect, `{"userId":"s1","deviceId":"d1"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		disconnector.AssertExpectations(t)
	})

	t.Run("unknown device", func(t *testing.T) {
		disconnector := new(MockDisconnector)
		disconnector.On("Disconnect", mock.Anything, "s1", "ghost").Return(false)
		h := NewConnectionHandler(registry, disconnector)

		rec := postJSON(t, h.Disconnect, `{"userId":"s1","deviceId":"ghost"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		disconnector := new(MockDisconnector)
		h := NewConnectionHandler(registry, disconnector)

		rec := postJSON(t, h.Disconnect, `{"userId":"s1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		disconnector.AssertNotCalled(t, "Disconnect", mock.Anything, mock.Anything, mock.Anything)
	})
}
