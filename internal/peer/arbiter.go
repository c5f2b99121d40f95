// Package peer decides, per remote device, whether data travels over the
// direct WebRTC channel or the server relay.
package peer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

const (
	DefaultNegotiationTimeout = 15 * time.Second

	subscriberBuffer = 16
)

type ArbiterOptions struct {
	NegotiationTimeout time.Duration
	Now                func() time.Time
}

// Arbiter tracks the transport state towards one remote device.
//
//	negotiating → direct | relayed
//	direct      → relayed (path lost) | negotiating (restart)
//	relayed     → direct (late connect) | negotiating (restart)
//	any         → failed (Close)
//
// Every timer is tagged with the generation it was armed in; a timer that
// fires after its generation was superseded does nothing.
type Arbiter struct {
	peerDeviceID string
	timeout      time.Duration
	now          func() time.Time

	mu          sync.Mutex
	state       model.TransportState
	generation  uint64
	timer       *time.Timer
	subscribers []chan model.TransportTransition
	closed      bool
}

func NewArbiter(peerDeviceID string, opts ArbiterOptions) *Arbiter {
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Arbiter{
		peerDeviceID: peerDeviceID,
		timeout:      opts.NegotiationTimeout,
		now:          opts.Now,
		state:        model.TransportNegotiating,
	}
}

// PeerDeviceID returns the remote device this arbiter routes to.
func (a *Arbiter) PeerDeviceID() string {
	return a.peerDeviceID
}

// Subscribe returns a channel receiving every subsequent transition. It is
// closed by Close. A subscriber that falls behind misses transitions.
func (a *Arbiter) Subscribe() <-chan model.TransportTransition {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan model.TransportTransition, subscriberBuffer)
	if a.closed {
		close(ch)
		return ch
	}
	a.subscribers = append(a.subscribers, ch)
	return ch
}

// Start enters negotiating and arms the negotiation timeout.
func (a *Arbiter) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.transition(model.TransportNegotiating, "negotiation started")
	a.armTimer()
}

// DirectConnected promotes the path to direct. Only call it once the
// direct channel reports open.
func (a *Arbiter) DirectConnected() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.state == model.TransportDirect {
		return
	}
	a.cancelTimer()
	a.transition(model.TransportDirect, "direct channel open")
}

// DirectLost falls back to the relay.
func (a *Arbiter) DirectLost() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.state == model.TransportRelayed {
		return
	}
	a.cancelTimer()
	a.transition(model.TransportRelayed, "direct channel lost")
}

// Renegotiate restarts negotiation without touching the pairing. The relay
// keeps carrying traffic until a direct path is promoted again.
func (a *Arbiter) Renegotiate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.state == model.TransportNegotiating {
		return
	}
	a.transition(model.TransportNegotiating, "renegotiating")
	a.armTimer()
}

// Close tears the arbiter down for good.
func (a *Arbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.cancelTimer()
	a.transition(model.TransportFailed, "closed")
	a.closed = true
	for _, ch := range a.subscribers {
		close(ch)
	}
	a.subscribers = nil
}

func (a *Arbiter) State() model.TransportState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Route is direct only while the direct channel is established.
func (a *Arbiter) Route() model.Route {
	if a.State() == model.TransportDirect {
		return model.RouteDirect
	}
	return model.RouteRelay
}

func (a *Arbiter) armTimer() {
	a.cancelTimer()
	generation := a.generation
	a.timer = time.AfterFunc(a.timeout, func() {
		a.onTimeout(generation)
	})
}

// cancelTimer stops the current timer and invalidates its generation.
func (a *Arbiter) cancelTimer() {
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Arbiter) onTimeout(generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || generation != a.generation || a.state != model.TransportNegotiating {
		return
	}
	a.timer = nil
	a.transition(model.TransportRelayed, string(apperrors.ErrCodeNegotiationTimeout))
}

// transition must be called with a.mu held.
func (a *Arbiter) transition(to model.TransportState, reason string) {
	from := a.state
	a.state = to

	t := model.TransportTransition{
		PeerDeviceID: a.peerDeviceID,
		From:         from,
		To:           to,
		Reason:       reason,
		At:           a.now(),
	}

	log.Debug().
		Str("peerDeviceId", a.peerDeviceID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("transport transition")

	for _, ch := range a.subscribers {
		select {
		case ch <- t:
		default:
			log.Warn().Str("peerDeviceId", a.peerDeviceID).Msg("transport subscriber lagging, transition dropped")
		}
	}
}
