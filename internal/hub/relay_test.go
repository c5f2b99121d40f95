package hub

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/protocol"
	"github.com/pairlink/relay-server-go/internal/session"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendTo(handle string, env *protocol.Envelope) error {
	args := m.Called(handle, env)
	return args.Error(0)
}

func pairedRegistry(t *testing.T) (*session.Registry, string, string, string) {
	t.Helper()
	r := session.NewRegistry(session.Options{})
	code, sessionID, err := r.IssueCode()
	require.NoError(t, err)
	_, a, err := r.Authenticate(code)
	require.NoError(t, err)
	_, b, err := r.Authenticate(code)
	require.NoError(t, err)
	return r, sessionID, a, b
}

func TestRelay_Forward(t *testing.T) {
	t.Run("delivers verbatim to online target", func(t *testing.T) {
		registry, sessionID, a, b := pairedRegistry(t)
		_, err := registry.Bind(sessionID, b, "conn-b")
		require.NoError(t, err)

		sender := new(MockSender)
		sig := model.NewOffer(a, b, "v=0 opaque")
		sender.On("SendTo", "conn-b", mock.MatchedBy(func(env *protocol.Envelope) bool {
			return env.Type == protocol.TypeSignal &&
				env.DeviceID == a &&
				env.Signal != nil &&
				env.Signal.Description.SDP == "v=0 opaque"
		})).Return(nil)

		relay := NewRelay(registry, sender)
		require.NoError(t, relay.Forward(context.Background(), sessionID, a, b, sig))
		sender.AssertExpectations(t)
	})

	t.Run("offline target is unreachable", func(t *testing.T) {
		registry, sessionID, a, b := pairedRegistry(t)
		sender := new(MockSender)

		relay := NewRelay(registry, sender)
		err := relay.Forward(context.Background(), sessionID, a, b, model.NewOffer(a, b, "v=0"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePeerUnreachable))
		sender.AssertNotCalled(t, "SendTo", mock.Anything, mock.Anything)
	})

	t.Run("sender outside session is unreachable", func(t *testing.T) {
		registry, sessionID, _, b := pairedRegistry(t)
		_, err := registry.Bind(sessionID, b, "conn-b")
		require.NoError(t, err)

		relay := NewRelay(registry, new(MockSender))
		err = relay.Forward(context.Background(), sessionID, "intruder", b, model.NewOffer("intruder", b, "v=0"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePeerUnreachable))
	})

	t.Run("malformed signal is rejected", func(t *testing.T) {
		registry, sessionID, a, b := pairedRegistry(t)
		relay := NewRelay(registry, new(MockSender))

		err := relay.Forward(context.Background(), sessionID, a, b, model.Signal{Kind: model.SignalOffer, SenderDeviceID: a, TargetDeviceID: b})
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
	})

	t.Run("send failure is unreachable", func(t *testing.T) {
		registry, sessionID, a, b := pairedRegistry(t)
		_, err := registry.Bind(sessionID, b, "conn-b")
		require.NoError(t, err)

		sender := new(MockSender)
		sender.On("SendTo", "conn-b", mock.Anything).Return(errors.New("closed"))

		relay := NewRelay(registry, sender)
		err = relay.Forward(context.Background(), sessionID, a, b, model.NewAnswer(a, b, "v=0"))
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePeerUnreachable))
	})
}

func TestRelay_Broadcast(t *testing.T) {
	t.Run("no online peers", func(t *testing.T) {
		registry, sessionID, a, _ := pairedRegistry(t)
		relay := NewRelay(registry, new(MockSender))

		n, err := relay.Broadcast(context.Background(), sessionID, a, &protocol.Envelope{Type: protocol.TypeReceiveMessage})
		assert.Equal(t, 0, n)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodePeerUnreachable))
	})

	t.Run("reaches the other device only", func(t *testing.T) {
		registry, sessionID, a, b := pairedRegistry(t)
		_, err := registry.Bind(sessionID, a, "conn-a")
		require.NoError(t, err)
		_, err = registry.Bind(sessionID, b, "conn-b")
		require.NoError(t, err)

		sender := new(MockSender)
		sender.On("SendTo", "conn-b", mock.Anything).Return(nil)

		relay := NewRelay(registry, sender)
		n, err := relay.Broadcast(context.Background(), sessionID, a, &protocol.Envelope{Type: protocol.TypeReceiveMessage})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		sender.AssertNumberOfCalls(t, "SendTo", 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		registry, sessionID, a, _ := pairedRegistry(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewRelay(registry, new(MockSender)).Broadcast(ctx, sessionID, a, &protocol.Envelope{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
