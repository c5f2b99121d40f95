package model

import "time"

// MaxDevicesPerSession is the number of device slots a pairing session has.
const MaxDevicesPerSession = 2

// DeviceSlot is one pairing position within a session.
type DeviceSlot struct {
	DeviceID         string    `json:"id"`
	ConnectionHandle string    `json:"connectionId,omitempty"`
	LastActivityAt   time.Time `json:"lastActivity"`
	Online           bool      `json:"isOnline"`
	JoinedAt         time.Time `json:"joinedAt"`
}

// DeviceInfo is the broadcastable view of an online device.
type DeviceInfo struct {
	DeviceID       string    `json:"id"`
	LastActivityAt time.Time `json:"lastActivity"`
}

// SessionSnapshot is a point-in-time copy of a pairing session. Mutating it
// has no effect on the registry.
type SessionSnapshot struct {
	ID             string       `json:"userId"`
	InvitationCode string       `json:"invitationCode"`
	CreatedAt      time.Time    `json:"createdAt"`
	Devices        []DeviceSlot `json:"devices"`
}

// HasDevices reports whether any slot is occupied.
func (s SessionSnapshot) HasDevices() bool {
	return len(s.Devices) > 0
}

// DeviceRef identifies a device within a session.
type DeviceRef struct {
	SessionID string
	DeviceID  string
}
