package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

func pairedRegistry(t *testing.T) (*Registry, string, string, string) {
	t.Helper()
	r := newTestRegistry(newFakeClock())
	code, sessionID, err := r.IssueCode()
	require.NoError(t, err)
	_, a, err := r.Authenticate(code)
	require.NoError(t, err)
	_, b, err := r.Authenticate(code)
	require.NoError(t, err)
	return r, sessionID, a, b
}

func TestRegistry_Bind(t *testing.T) {
	t.Run("marks device online", func(t *testing.T) {
		r, sessionID, a, _ := pairedRegistry(t)

		previous, err := r.Bind(sessionID, a, "conn-a")
		require.NoError(t, err)
		assert.Empty(t, previous)

		online := r.OnlineDevices(sessionID)
		require.Len(t, online, 1)
		assert.Equal(t, a, online[0].DeviceID)

		ref, ok := r.Lookup("conn-a")
		require.True(t, ok)
		assert.Equal(t, model.DeviceRef{SessionID: sessionID, DeviceID: a}, ref)
	})

	t.Run("unknown device", func(t *testing.T) {
		r, sessionID, _, _ := pairedRegistry(t)
		_, err := r.Bind(sessionID, "nobody", "conn-x")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("unknown session", func(t *testing.T) {
		r := newTestRegistry(newFakeClock())
		_, err := r.Bind("missing", "dev", "conn-x")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("rebind supersedes previous handle", func(t *testing.T) {
		r, sessionID, a, _ := pairedRegistry(t)

		_, err := r.Bind(sessionID, a, "conn-old")
		require.NoError(t, err)
		previous, err := r.Bind(sessionID, a, "conn-new")
		require.NoError(t, err)
		assert.Equal(t, "conn-old", previous)

		_, ok := r.Lookup("conn-old")
		assert.False(t, ok)

		// Closing the superseded connection must not take the device offline.
		_, wentOffline := r.Unbind("conn-old")
		assert.False(t, wentOffline)

		endpoint, ok := r.OnlineEndpoint(sessionID, a)
		require.True(t, ok)
		assert.Equal(t, "conn-new", endpoint.Handle)
	})
}

func TestRegistry_Unbind(t *testing.T) {
	r, sessionID, a, b := pairedRegistry(t)
	_, err := r.Bind(sessionID, a, "conn-a")
	require.NoError(t, err)
	_, err = r.Bind(sessionID, b, "conn-b")
	require.NoError(t, err)

	ref, ok := r.Unbind("conn-a")
	assert.True(t, ok)
	assert.Equal(t, a, ref.DeviceID)

	_, ok = r.Unbind("conn-a")
	assert.False(t, ok)

	online := r.OnlineDevices(sessionID)
	require.Len(t, online, 1)
	assert.Equal(t, b, online[0].DeviceID)

	// The slot stays occupied after going offline.
	assert.True(t, r.HasDevice(sessionID, a))
}

func TestRegistry_OnlinePeers(t *testing.T) {
	r, sessionID, a, b := pairedRegistry(t)
	assert.Empty(t, r.OnlinePeers(sessionID, a))

	_, err := r.Bind(sessionID, a, "conn-a")
	require.NoError(t, err)
	_, err = r.Bind(sessionID, b, "conn-b")
	require.NoError(t, err)

	peers := r.OnlinePeers(sessionID, a)
	require.Len(t, peers, 1)
	assert.Equal(t, Endpoint{DeviceID: b, Handle: "conn-b"}, peers[0])

	_, ok := r.OnlineEndpoint(sessionID, "nobody")
	assert.False(t, ok)
}
