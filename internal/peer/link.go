package peer

import (
	"context"
	"errors"

	"github.com/pairlink/relay-server-go/internal/model"
)

var ErrLinkNotOpen = errors.New("direct link is not open")

// Link is a direct data path to one remote device.
type Link interface {
	// Start begins negotiation. Only the offering side produces signals.
	Start(ctx context.Context) error
	// HandleSignal applies a negotiation signal received from the peer.
	HandleSignal(ctx context.Context, sig model.Signal) error
	// Restart renegotiates the path (ICE restart) on the offering side.
	Restart(ctx context.Context) error
	Send(data []byte) error
	Close() error
}

// LinkEvents are invoked from the link's own goroutines.
type LinkEvents struct {
	// OnSignal must forward sig to the peer through the relay.
	OnSignal  func(sig model.Signal)
	OnOpen    func()
	OnLost    func()
	OnMessage func(data []byte)
}

// LinkFactory creates the direct link from localID to peerID. The offerer
// flag is decided by the caller so that exactly one side offers.
type LinkFactory func(localID, peerID string, offerer bool, events LinkEvents) (Link, error)

// IsOfferer breaks the tie between two devices: the lexicographically
// smaller id offers.
func IsOfferer(localID, peerID string) bool {
	return localID < peerID
}
