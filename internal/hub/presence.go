package hub

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/protocol"
	"github.com/pairlink/relay-server-go/internal/sse"
)

type presenceEvent struct {
	DeviceID string             `json:"deviceId"`
	Online   bool               `json:"online"`
	Devices  []model.DeviceInfo `json:"devices"`
}

// NotifyPresence tells the session about a device going online or offline.
// Every other online device gets the delta and every online device,
// including the one that changed, gets the full list. Recipients are
// captured first and sent to after the registry locks are released.
func (h *Hub) NotifyPresence(ctx context.Context, sessionID, deviceID string, online bool) {
	devices := h.registry.OnlineDevices(sessionID)
	recipients := h.registry.OnlinePeers(sessionID, "")

	now := h.opts.Now()
	delta := protocol.DeviceStatus(sessionID, deviceID, online).Stamp(now)
	list := protocol.OnlineDevices(sessionID, devices).Stamp(now)

	for _, peer := range recipients {
		if peer.DeviceID != deviceID {
			if err := h.SendTo(peer.Handle, delta); err != nil {
				log.Debug().Err(err).Str("deviceId", peer.DeviceID).Msg("presence delta not delivered")
			}
		}
		if err := h.SendTo(peer.Handle, list); err != nil {
			log.Debug().Err(err).Str("deviceId", peer.DeviceID).Msg("presence list not delivered")
		}
	}

	h.publish(ctx, sessionID, sse.EventDeviceStatus, presenceEvent{
		DeviceID: deviceID,
		Online:   online,
		Devices:  devices,
	})
}

// DeviceRemoved reacts to a slot that was freed by the registry: any
// connection still registered as that device is closed, and the session is
// told if the device had been online.
func (h *Hub) DeviceRemoved(ctx context.Context, ref model.DeviceRef, wasOnline bool) {
	h.mu.RLock()
	var stale []*Conn
	for _, c := range h.conns {
		if bound, ok := c.Device(); ok && bound == ref {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		c.Close()
	}

	if wasOnline {
		h.NotifyPresence(ctx, ref.SessionID, ref.DeviceID, false)
	}
}

// Disconnect frees a device slot on explicit request.
func (h *Hub) Disconnect(ctx context.Context, sessionID, deviceID string) bool {
	_, wasOnline := h.registry.OnlineEndpoint(sessionID, deviceID)
	if !h.registry.RemoveDevice(sessionID, deviceID) {
		return false
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("deviceId", deviceID).
		Msg("device disconnected")

	h.DeviceRemoved(ctx, model.DeviceRef{SessionID: sessionID, DeviceID: deviceID}, wasOnline)
	return true
}

// SessionExpired publishes the end of a session to its event stream.
func (h *Hub) SessionExpired(ctx context.Context, sessionID string) {
	h.publish(ctx, sessionID, sse.EventSessionExpired, map[string]string{"userId": sessionID})
}
