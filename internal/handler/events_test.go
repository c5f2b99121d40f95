package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairlink/relay-server-go/internal/session"
	"github.com/pairlink/relay-server-go/internal/sse"
)

type sseFrame struct {
	Type string
	Data string
}

func readFrame(t *testing.T, r *bufio.Reader) (sseFrame, error) {
	t.Helper()
	var frame sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return frame, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if frame.Type != "" {
				return frame, nil
			}
		case strings.HasPrefix(line, "event: "):
			frame.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func newEventsServer(t *testing.T) (*httptest.Server, *sse.Broker, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(session.Options{})
	broker := sse.NewBroker(nil)
	t.Cleanup(broker.Close)

	r := chi.NewRouter()
	r.Get("/api/sessions/{userId}/events", NewEventsHandler(broker, registry).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, broker, registry
}

func TestEventsHandler_UnknownSession(t *testing.T) {
	srv, _, _ := newEventsServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions/missing/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHandler_UnknownDevice(t *testing.T) {
	srv, _, registry := newEventsServer(t)
	_, sessionID, err := registry.IssueCode()
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sessionID + "/events?deviceId=nobody")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHandler_Stream(t *testing.T) {
	srv, broker, registry := newEventsServer(t)
	_, sessionID, err := registry.IssueCode()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+sessionID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	connected, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, "connected", connected.Type)
	assert.Contains(t, connected.Data, sessionID)

	status, err := sse.NewEvent(sse.EventDeviceStatus, map[string]any{"deviceId": "dev-a", "online": true})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, sessionID, status))

	frame, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, sse.EventDeviceStatus, frame.Type)

	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &data))
	assert.Equal(t, "dev-a", data["deviceId"])

	expired, err := sse.NewEvent(sse.EventSessionExpired, map[string]string{"userId": sessionID})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, sessionID, expired))

	frame, err = readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, sse.EventSessionExpired, frame.Type)

	// The stream ends after the expiry event.
	_, err = readFrame(t, reader)
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool { return broker.ClientCount(sessionID) == 0 }, time.Second, 10*time.Millisecond)
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	handler := &EventsHandler{}
	rec := httptest.NewRecorder()

	event := sse.Event{
		Type: sse.EventTransportState,
		Data: json.RawMessage(`{"state": "direct"}`),
	}

	err := handler.sendRawEvent(rec, rec, event)

	assert.NoError(t, err)
	body := rec.Body.String()
	assert.Contains(t, body, "event: transport_state\n")
	assert.Contains(t, body, `data: {"state": "direct"}`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}
