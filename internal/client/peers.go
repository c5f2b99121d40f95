package client

import (
	"slices"

	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/peer"
	"github.com/pairlink/relay-server-go/internal/protocol"
)

// peerState is the transport towards one online peer.
type peerState struct {
	id      string
	offerer bool
	arbiter *peer.Arbiter
	link    peer.Link
}

func (p *peerState) close() {
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			log.Debug().Err(err).Str("peerDeviceId", p.id).Msg("closing direct link")
		}
	}
	p.arbiter.Close()
}

func (c *Client) peer(id string) *peerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers[id]
}

// Peers returns the online peer device ids in order.
func (c *Client) Peers() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// IsOnline reports whether the server last announced peerID as online.
func (c *Client) IsOnline(peerID string) bool {
	return c.peer(peerID) != nil
}

// TransportState returns the arbiter state towards peerID.
func (c *Client) TransportState(peerID string) (model.TransportState, bool) {
	p := c.peer(peerID)
	if p == nil {
		return "", false
	}
	return p.arbiter.State(), true
}

// ensurePeer starts arbitration towards a peer that came online. Signals
// that arrived before the peer was known are applied to the new link.
func (c *Client) ensurePeer(id string) {
	if id == "" || id == c.creds.DeviceID {
		return
	}

	c.mu.Lock()
	if _, ok := c.peers[id]; ok {
		c.mu.Unlock()
		return
	}
	p := &peerState{
		id:      id,
		offerer: peer.IsOfferer(c.creds.DeviceID, id),
		arbiter: peer.NewArbiter(id, peer.ArbiterOptions{NegotiationTimeout: c.opts.NegotiationTimeout}),
	}
	c.peers[id] = p
	c.mu.Unlock()

	transitions := p.arbiter.Subscribe()
	c.wg.Add(1)
	go c.watch(transitions)
	p.arbiter.Start()

	if c.opts.LinkFactory == nil {
		return
	}

	link, err := c.opts.LinkFactory(c.creds.DeviceID, id, p.offerer, c.linkEvents(id))
	if err != nil {
		log.Warn().Err(err).Str("peerDeviceId", id).Msg("direct link unavailable, staying on relay")
		c.emit(ErrorEvent{Err: err})
		return
	}

	c.mu.Lock()
	p.link = link
	c.mu.Unlock()

	if err := link.Start(c.ctx); err != nil {
		log.Warn().Err(err).Str("peerDeviceId", id).Msg("direct negotiation failed to start")
	}
	for _, sig := range c.pending.Drain(id) {
		c.applySignal(p, sig)
	}
}

func (c *Client) dropPeer(id string) {
	c.mu.Lock()
	p, ok := c.peers[id]
	delete(c.peers, id)
	c.mu.Unlock()

	if ok {
		p.close()
	}
	c.pending.Discard(id)
}

// reconcile makes the peer set match the server's list of online devices.
func (c *Client) reconcile(devices []model.DeviceInfo) {
	online := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		online[d.DeviceID] = struct{}{}
		c.ensurePeer(d.DeviceID)
	}
	for _, id := range c.Peers() {
		if _, ok := online[id]; !ok {
			c.dropPeer(id)
		}
	}
}

func (c *Client) watch(transitions <-chan model.TransportTransition) {
	defer c.wg.Done()
	for t := range transitions {
		c.post(func() { c.onTransition(t) })
	}
}

func (c *Client) onTransition(t model.TransportTransition) {
	log.Debug().
		Str("peerDeviceId", t.PeerDeviceID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("reason", t.Reason).
		Msg("transport transition")

	ev := TransportEvent{Transition: t}
	if t.Reason == string(apperrors.ErrCodeNegotiationTimeout) {
		ev.Err = apperrors.NegotiationTimeout()
	}
	c.emit(ev)

	if t.To == model.TransportFailed {
		return
	}
	err := c.write(&protocol.Envelope{
		Type: protocol.TypeTransportState,
		Transport: &model.TransportReport{
			DeviceID:       c.creds.DeviceID,
			TargetDeviceID: t.PeerDeviceID,
			IsDirect:       t.To == model.TransportDirect,
			State:          t.To,
		},
	})
	if err != nil {
		log.Debug().Err(err).Msg("transport state not reported")
	}
}

func (c *Client) linkEvents(peerID string) peer.LinkEvents {
	return peer.LinkEvents{
		OnSignal: func(sig model.Signal) {
			if err := c.write(&protocol.Envelope{
				Type:           protocol.TypeSignal,
				TargetDeviceID: sig.TargetDeviceID,
				Signal:         &sig,
			}); err != nil {
				log.Debug().Err(err).Str("peerDeviceId", peerID).Str("kind", string(sig.Kind)).Msg("signal not sent")
			}
		},
		OnOpen: func() {
			c.post(func() { c.onLinkOpen(peerID) })
		},
		OnLost: func() {
			c.post(func() { c.onLinkLost(peerID) })
		},
		OnMessage: func(data []byte) {
			var env protocol.Envelope
			if err := protocol.CBOR.Unmarshal(data, &env); err != nil {
				log.Warn().Err(err).Str("peerDeviceId", peerID).Msg("dropping malformed direct frame")
				return
			}
			c.post(func() { c.handleDirect(peerID, &env) })
		},
	}
}

func (c *Client) onLinkOpen(peerID string) {
	if p := c.peer(peerID); p != nil {
		p.arbiter.DirectConnected()
	}
}

// onLinkLost falls back to the relay. The offering side then attempts an
// ICE restart while the relay carries traffic.
func (c *Client) onLinkLost(peerID string) {
	p := c.peer(peerID)
	if p == nil {
		return
	}
	p.arbiter.DirectLost()

	if !p.offerer || p.link == nil {
		return
	}
	p.arbiter.Renegotiate()
	if err := p.link.Restart(c.ctx); err != nil {
		log.Warn().Err(err).Str("peerDeviceId", peerID).Msg("ice restart failed")
		p.arbiter.DirectLost()
	}
}

// handleSignal applies a relayed signal, or holds it until the link towards
// its sender exists.
func (c *Client) handleSignal(sig *model.Signal) {
	if sig == nil || c.opts.LinkFactory == nil {
		return
	}

	p := c.peer(sig.SenderDeviceID)
	if p == nil || p.link == nil {
		if dropped := c.pending.Push(*sig); dropped {
			log.Debug().Str("peerDeviceId", sig.SenderDeviceID).Msg("pending signal buffer full, oldest dropped")
		}
		return
	}
	c.applySignal(p, *sig)
}

func (c *Client) applySignal(p *peerState, sig model.Signal) {
	if sig.Kind == model.SignalOffer && p.arbiter.State() != model.TransportNegotiating {
		p.arbiter.Renegotiate()
	}
	if err := p.link.HandleSignal(c.ctx, sig); err != nil {
		log.Warn().Err(err).Str("peerDeviceId", p.id).Str("kind", string(sig.Kind)).Msg("signal rejected by link")
		c.emit(ErrorEvent{Err: err})
	}
}
