package model

import (
	"encoding/json"
	"time"
)

// TransportTransition is emitted on every arbiter state change.
type TransportTransition struct {
	PeerDeviceID string         `json:"peerDeviceId"`
	From         TransportState `json:"from"`
	To           TransportState `json:"to"`
	Reason       string         `json:"reason,omitempty"`
	At           time.Time      `json:"at"`
}

// TransportReport is what a device tells the server about its data path to
// a peer. It is informational and never changes routing.
type TransportReport struct {
	DeviceID       string         `json:"deviceId"`
	TargetDeviceID string         `json:"targetDeviceId"`
	IsDirect       bool           `json:"isDirect"`
	State          TransportState `json:"state,omitempty"`
}

// PeerConnectionReport is one peer entry of a diagnostic report.
type PeerConnectionReport struct {
	PeerID         string    `json:"peerId"`
	IsConnected    bool      `json:"isConnected"`
	ConnectionType string    `json:"connectionType"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConnectionDiagnostic is the client's connectivity self-test.
type ConnectionDiagnostic struct {
	UserID              string                 `json:"userId"`
	DeviceID            string                 `json:"deviceId"`
	HasStunConnectivity bool                   `json:"hasStunConnectivity"`
	HasTurnConnectivity bool                   `json:"hasTurnConnectivity"`
	PeerConnections     []PeerConnectionReport `json:"peerConnections"`
	Timestamp           time.Time              `json:"timestamp"`
}

// ConnectionReport is a stored diagnostic or transport report.
type ConnectionReport struct {
	ID        string          `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"userId"`
	DeviceID  string          `db:"device_id" json:"deviceId"`
	Kind      ReportKind      `db:"kind" json:"kind"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

type CreateConnectionReportParams struct {
	SessionID string
	DeviceID  string
	Kind      ReportKind
	Payload   json.RawMessage
}
