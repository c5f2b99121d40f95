// Package protocol defines the frames exchanged over the signaling websocket
// and the direct data channel.
package protocol

import (
	"time"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

// MessageType names an envelope.
type MessageType string

// Client → server.
const (
	TypeRegister       MessageType = "register"
	TypeMessage        MessageType = "message"
	TypeFileMetadata   MessageType = "file_metadata"
	TypeFileChunk      MessageType = "file_chunk"
	TypeSignal         MessageType = "signal"
	TypeTransportState MessageType = "transport_state"
	TypePing           MessageType = "ping"
)

// Server → client.
const (
	TypeRegistered           MessageType = "registered"
	TypeDeviceStatusChanged  MessageType = "device_status_changed"
	TypeOnlineDevices        MessageType = "online_devices"
	TypeReceiveMessage       MessageType = "receive_message"
	TypeReceiveFileMetadata  MessageType = "receive_file_metadata"
	TypeReceiveFileChunk     MessageType = "receive_file_chunk"
	TypeFileTransferComplete MessageType = "file_transfer_complete"
	TypePong                 MessageType = "pong"
	TypeError                MessageType = "error"
)

// Envelope is the single frame shape of the protocol. Only the fields
// relevant to Type are populated.
type Envelope struct {
	Type           MessageType            `json:"type"`
	SessionID      string                 `json:"userId,omitempty"`
	DeviceID       string                 `json:"deviceId,omitempty"`
	TargetDeviceID string                 `json:"targetDeviceId,omitempty"`
	Content        string                 `json:"content,omitempty"`
	File           *model.FileMetadata    `json:"file,omitempty"`
	Chunk          *model.FileChunk       `json:"chunk,omitempty"`
	TransferID     string                 `json:"transferId,omitempty"`
	Signal         *model.Signal          `json:"signal,omitempty"`
	Transport      *model.TransportReport `json:"transport,omitempty"`
	Devices        []model.DeviceInfo     `json:"devices,omitempty"`
	Online         *bool                  `json:"online,omitempty"`
	Error          *ErrorBody             `json:"error,omitempty"`
	Timestamp      int64                  `json:"timestamp,omitempty"`
}

// ErrorBody reports a failed operation back to the sender. Ref echoes the
// transfer or signal the error refers to, when there is one.
type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Ref     string              `json:"ref,omitempty"`
}

// Err converts the body back into an AppError.
func (b *ErrorBody) Err() *apperrors.AppError {
	return apperrors.New(b.Code, b.Message)
}

// Stamp sets Timestamp to t in unix milliseconds and returns the envelope.
func (e *Envelope) Stamp(t time.Time) *Envelope {
	e.Timestamp = t.UnixMilli()
	return e
}

// Time returns Timestamp as a time.Time.
func (e *Envelope) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// ErrorEnvelope builds an error frame from err. Non-AppErrors are reported as
// INTERNAL_ERROR without leaking their text.
func ErrorEnvelope(err error, ref string) *Envelope {
	body := &ErrorBody{
		Code:    apperrors.ErrCodeInternal,
		Message: "An unexpected error occurred",
		Ref:     ref,
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		body.Code = appErr.Code
		body.Message = appErr.Message
	}
	return &Envelope{Type: TypeError, Error: body}
}

func boolPtr(b bool) *bool {
	return &b
}

// DeviceStatus builds a presence delta.
func DeviceStatus(sessionID, deviceID string, online bool) *Envelope {
	return &Envelope{
		Type:      TypeDeviceStatusChanged,
		SessionID: sessionID,
		DeviceID:  deviceID,
		Online:    boolPtr(online),
	}
}

// OnlineDevices builds the authoritative presence list.
func OnlineDevices(sessionID string, devices []model.DeviceInfo) *Envelope {
	return &Envelope{
		Type:      TypeOnlineDevices,
		SessionID: sessionID,
		Devices:   devices,
	}
}
