package session

import (
	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

// Endpoint is an online device and the connection currently bound to it.
type Endpoint struct {
	DeviceID string
	Handle   string
}

// Bind marks a device online and associates it with a live connection.
// Binding a device that already has a handle replaces it; the previous handle
// is returned and no longer resolves through Lookup.
func (r *Registry) Bind(sessionID, deviceID, handle string) (previous string, err error) {
	if handle == "" {
		return "", apperrors.MissingRequired("connection handle")
	}

	s := r.session(sessionID)
	if s == nil {
		return "", apperrors.NotFound("Session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", apperrors.NotFound("Session")
	}
	slot := s.find(deviceID)
	if slot == nil {
		return "", apperrors.NotFound("Device")
	}

	previous = slot.handle
	slot.handle = handle
	slot.online = true
	slot.lastActivity = r.opts.Now()

	r.connMu.Lock()
	if previous != "" && previous != handle {
		delete(r.conns, previous)
	}
	r.conns[handle] = model.DeviceRef{SessionID: sessionID, DeviceID: deviceID}
	r.connMu.Unlock()

	if previous == handle {
		previous = ""
	}
	return previous, nil
}

// Unbind marks the device behind handle offline. It is a no-op when the
// handle is unknown or was superseded by a later Bind; ok reports whether a
// device actually went offline.
func (r *Registry) Unbind(handle string) (ref model.DeviceRef, ok bool) {
	r.connMu.Lock()
	ref, found := r.conns[handle]
	r.connMu.Unlock()
	if !found {
		return model.DeviceRef{}, false
	}

	s := r.session(ref.SessionID)
	if s == nil {
		r.forgetHandle(handle, ref)
		return ref, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.forgetHandle(handle, ref)

	slot := s.find(ref.DeviceID)
	if slot == nil || slot.handle != handle {
		return ref, false
	}
	slot.online = false
	slot.handle = ""
	slot.lastActivity = r.opts.Now()
	return ref, true
}

// Touch refreshes the activity timestamp of the device bound to handle.
func (r *Registry) Touch(handle string) {
	ref, found := r.Lookup(handle)
	if !found {
		return
	}

	s := r.session(ref.SessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slot := s.find(ref.DeviceID); slot != nil && slot.handle == handle {
		slot.lastActivity = r.opts.Now()
	}
}

// Lookup resolves a connection handle to the device bound to it.
func (r *Registry) Lookup(handle string) (model.DeviceRef, bool) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	ref, ok := r.conns[handle]
	return ref, ok
}

// OnlineDevices lists the online devices of a session.
func (r *Registry) OnlineDevices(sessionID string) []model.DeviceInfo {
	s := r.session(sessionID)
	if s == nil {
		return []model.DeviceInfo{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]model.DeviceInfo, 0, len(s.devices))
	for _, slot := range s.devices {
		if slot.online {
			devices = append(devices, model.DeviceInfo{
				DeviceID:       slot.id,
				LastActivityAt: slot.lastActivity,
			})
		}
	}
	return devices
}

// OnlineEndpoint returns the handle of deviceID if it is online in sessionID.
func (r *Registry) OnlineEndpoint(sessionID, deviceID string) (Endpoint, bool) {
	s := r.session(sessionID)
	if s == nil {
		return Endpoint{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.find(deviceID)
	if slot == nil || !slot.online || slot.handle == "" {
		return Endpoint{}, false
	}
	return Endpoint{DeviceID: slot.id, Handle: slot.handle}, true
}

// OnlinePeers returns every online device of the session except the one
// named by exceptDeviceID.
func (r *Registry) OnlinePeers(sessionID, exceptDeviceID string) []Endpoint {
	s := r.session(sessionID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var peers []Endpoint
	for _, slot := range s.devices {
		if slot.id == exceptDeviceID || !slot.online || slot.handle == "" {
			continue
		}
		peers = append(peers, Endpoint{DeviceID: slot.id, Handle: slot.handle})
	}
	return peers
}

func (r *Registry) forgetHandle(handle string, ref model.DeviceRef) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if cur, ok := r.conns[handle]; ok && cur == ref {
		delete(r.conns, handle)
	}
}
