package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

func nextTransition(t *testing.T, ch <-chan model.TransportTransition) model.TransportTransition {
	t.Helper()
	select {
	case tr, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transition")
		return model.TransportTransition{}
	}
}

func TestArbiter_TimeoutFallsBackToRelay(t *testing.T) {
	a := NewArbiter("peer", ArbiterOptions{NegotiationTimeout: 20 * time.Millisecond})
	defer a.Close()
	sub := a.Subscribe()

	a.Start()
	assert.Equal(t, model.TransportNegotiating, nextTransition(t, sub).To)
	assert.Equal(t, model.RouteRelay, a.Route())

	tr := nextTransition(t, sub)
	assert.Equal(t, model.TransportNegotiating, tr.From)
	assert.Equal(t, model.TransportRelayed, tr.To)
	assert.Equal(t, string(apperrors.ErrCodeNegotiationTimeout), tr.Reason)
	assert.Equal(t, model.RouteRelay, a.Route())
}

func TestArbiter_DirectPromotion(t *testing.T) {
	a := NewArbiter("peer", ArbiterOptions{NegotiationTimeout: 30 * time.Millisecond})
	defer a.Close()
	sub := a.Subscribe()

	a.Start()
	nextTransition(t, sub)
	a.DirectConnected()
	assert.Equal(t, model.TransportDirect, nextTransition(t, sub).To)
	assert.Equal(t, model.RouteDirect, a.Route())

	// The cancelled timeout must not demote the direct path.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, model.TransportDirect, a.State())

	a.DirectLost()
	tr := nextTransition(t, sub)
	assert.Equal(t, model.TransportDirect, tr.From)
	assert.Equal(t, model.TransportRelayed, tr.To)
	assert.Equal(t, model.RouteRelay, a.Route())
}

func TestArbiter_LateConnectAfterTimeout(t *testing.T) {
	a := NewArbiter("peer", ArbiterOptions{NegotiationTimeout: 10 * time.Millisecond})
	defer a.Close()
	sub := a.Subscribe()

	a.Start()
	nextTransition(t, sub)
	assert.Equal(t, model.TransportRelayed, nextTransition(t, sub).To)

	a.DirectConnected()
	assert.Equal(t, model.TransportDirect, nextTransition(t, sub).To)
}

func TestArbiter_Renegotiate(t *testing.T) {
	a := NewArbiter("peer", ArbiterOptions{NegotiationTimeout: 20 * time.Millisecond})
	defer a.Close()
	sub := a.Subscribe()

	a.Start()
	nextTransition(t, sub)
	a.DirectConnected()
	nextTransition(t, sub)

	a.Renegotiate()
	tr := nextTransition(t, sub)
	assert.Equal(t, model.TransportDirect, tr.From)
	assert.Equal(t, model.TransportNegotiating, tr.To)
	assert.Equal(t, model.RouteRelay, a.Route())

	// Renegotiation also falls back when nothing connects.
	assert.Equal(t, model.TransportRelayed, nextTransition(t, sub).To)
}

func TestArbiter_Close(t *testing.T) {
	a := NewArbiter("peer", ArbiterOptions{NegotiationTimeout: 10 * time.Millisecond})
	sub := a.Subscribe()

	a.Start()
	nextTransition(t, sub)
	a.Close()

	assert.Equal(t, model.TransportFailed, nextTransition(t, sub).To)
	_, open := <-sub
	assert.False(t, open)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, model.TransportFailed, a.State())

	a.DirectConnected()
	a.Start()
	assert.Equal(t, model.TransportFailed, a.State())

	_, open = <-a.Subscribe()
	assert.False(t, open)
}

func TestIsOfferer(t *testing.T) {
	assert.True(t, IsOfferer("a", "b"))
	assert.False(t, IsOfferer("b", "a"))
}

func TestICEServers(t *testing.T) {
	servers := ICEServers([]string{"stun:stun.l.google.com:19302", "turn:turn.example.com:3478"}, "user", "pass")
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
	assert.Empty(t, servers[0].Username)
	assert.Equal(t, "user", servers[1].Username)

	assert.Empty(t, ICEServers(nil, "", ""))
}
