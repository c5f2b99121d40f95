package client

import (
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/transfer"
)

// Event is delivered on Client.Events.
type Event interface {
	isEvent()
}

// MessageEvent is a text message from a peer.
type MessageEvent struct {
	From       string
	TransferID string
	Content    string
	Route      model.Route
}

// FileProgressEvent is emitted for every accepted chunk.
type FileProgressEvent struct {
	From     string
	Progress transfer.Progress
}

// FileCompleteEvent carries a fully reassembled file. It is emitted once
// per transfer.
type FileCompleteEvent struct {
	From       string
	TransferID string
	Meta       *model.FileMetadata
	Data       []byte
}

// TransferAbortedEvent reports an inbound transfer that will not complete.
type TransferAbortedEvent struct {
	TransferID string
	Err        error
}

// PresenceEvent reports a presence delta (DeviceID set) or the full list of
// online devices (Devices set).
type PresenceEvent struct {
	DeviceID string
	Online   bool
	Devices  []model.DeviceInfo
}

// TransportEvent reports an arbiter transition towards one peer. Err is set
// when the direct path could not be established in time.
type TransportEvent struct {
	Transition model.TransportTransition
	Err        error
}

// ErrorEvent is an error frame from the server or a local failure.
type ErrorEvent struct {
	Err error
	Ref string
}

func (MessageEvent) isEvent()         {}
func (FileProgressEvent) isEvent()    {}
func (FileCompleteEvent) isEvent()    {}
func (TransferAbortedEvent) isEvent() {}
func (PresenceEvent) isEvent()        {}
func (TransportEvent) isEvent()       {}
func (ErrorEvent) isEvent()           {}
