package hub

import (
	"context"

	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/protocol"
	"github.com/pairlink/relay-server-go/internal/session"
)

// Sender delivers a frame to the connection behind handle.
type Sender interface {
	SendTo(handle string, env *protocol.Envelope) error
}

// Relay ferries negotiation signals and relayed payloads between the devices
// of a session. It never inspects SDP or candidate contents.
type Relay struct {
	registry *session.Registry
	sender   Sender
}

func NewRelay(registry *session.Registry, sender Sender) *Relay {
	return &Relay{
		registry: registry,
		sender:   sender,
	}
}

// Forward delivers sig from one device to the other, verbatim. Both devices
// must belong to sessionID and the target must be online.
func (r *Relay) Forward(ctx context.Context, sessionID, fromDeviceID, toDeviceID string, sig model.Signal) error {
	if err := sig.Validate(); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	if sig.SenderDeviceID != fromDeviceID || sig.TargetDeviceID != toDeviceID {
		return apperrors.ValidationError("signal addressing does not match sender")
	}

	return r.Deliver(ctx, sessionID, fromDeviceID, toDeviceID, &protocol.Envelope{
		Type:           protocol.TypeSignal,
		SessionID:      sessionID,
		DeviceID:       fromDeviceID,
		TargetDeviceID: toDeviceID,
		Signal:         &sig,
	})
}

// Deliver sends env to one named device of the session.
func (r *Relay) Deliver(ctx context.Context, sessionID, fromDeviceID, toDeviceID string, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fromDeviceID == toDeviceID || !r.registry.HasDevice(sessionID, fromDeviceID) {
		return apperrors.PeerUnreachable(toDeviceID)
	}

	target, ok := r.registry.OnlineEndpoint(sessionID, toDeviceID)
	if !ok {
		return apperrors.PeerUnreachable(toDeviceID)
	}

	if err := r.sender.SendTo(target.Handle, env); err != nil {
		log.Debug().
			Err(err).
			Str("sessionId", sessionID).
			Str("targetDeviceId", toDeviceID).
			Str("type", string(env.Type)).
			Msg("relay delivery failed")
		return apperrors.PeerUnreachable(toDeviceID).WithCause(err)
	}
	return nil
}

// Broadcast sends env to every other online device of the session and
// returns how many received it. Zero recipients is PEER_UNREACHABLE.
func (r *Relay) Broadcast(ctx context.Context, sessionID, fromDeviceID string, env *protocol.Envelope) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !r.registry.HasDevice(sessionID, fromDeviceID) {
		return 0, apperrors.PeerUnreachable("")
	}

	delivered := 0
	for _, peer := range r.registry.OnlinePeers(sessionID, fromDeviceID) {
		if err := r.sender.SendTo(peer.Handle, env); err != nil {
			log.Debug().
				Err(err).
				Str("sessionId", sessionID).
				Str("targetDeviceId", peer.DeviceID).
				Msg("relay broadcast delivery failed")
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return 0, apperrors.PeerUnreachable("")
	}
	return delivered, nil
}
