package peer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/relay-server-go/internal/model"
)

const dataChannelLabel = "pairlink"

// ICEConfig holds the ICE servers used for candidate gathering.
type ICEConfig struct {
	Servers []webrtc.ICEServer
	// IncludeLoopback gathers loopback candidates, needed when both peers
	// run on one host.
	IncludeLoopback bool
}

// ICEServers builds the pion server list from STUN/TURN urls. Credentials
// apply to turn: urls only.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	var stun, turn []string
	for _, u := range urls {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			turn = append(turn, u)
			continue
		}
		stun = append(stun, u)
	}

	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

// NewWebRTCFactory returns a LinkFactory backed by pion data channels.
func NewWebRTCFactory(config ICEConfig) LinkFactory {
	return func(localID, peerID string, offerer bool, events LinkEvents) (Link, error) {
		return NewWebRTCLink(config, localID, peerID, offerer, events)
	}
}

// WebRTCLink negotiates one ordered data channel with trickle ICE.
// Candidates that arrive before the remote description are held until it is
// set.
type WebRTCLink struct {
	localID string
	peerID  string
	offerer bool
	events  LinkEvents
	pc      *webrtc.PeerConnection

	mu                sync.Mutex
	dc                *webrtc.DataChannel
	open              bool
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	closed            bool
}

func NewWebRTCLink(config ICEConfig, localID, peerID string, offerer bool, events LinkEvents) (*WebRTCLink, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(config.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.Servers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	l := &WebRTCLink{
		localID: localID,
		peerID:  peerID,
		offerer: offerer,
		events:  events,
		pc:      pc,
	}

	pc.OnICECandidate(l.onICECandidate)
	pc.OnConnectionStateChange(l.onConnectionState)
	if !offerer {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != dataChannelLabel {
				return
			}
			l.attach(dc)
		})
	}

	return l, nil
}

func (l *WebRTCLink) Start(ctx context.Context) error {
	if !l.offerer {
		return nil
	}

	ordered := true
	dc, err := l.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	l.attach(dc)

	return l.offer(nil)
}

func (l *WebRTCLink) Restart(ctx context.Context) error {
	if !l.offerer {
		return nil
	}
	return l.offer(&webrtc.OfferOptions{ICERestart: true})
}

func (l *WebRTCLink) offer(options *webrtc.OfferOptions) error {
	offer, err := l.pc.CreateOffer(options)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	l.emit(model.NewOffer(l.localID, l.peerID, offer.SDP))
	return nil
}

func (l *WebRTCLink) HandleSignal(ctx context.Context, sig model.Signal) error {
	switch sig.Kind {
	case model.SignalOffer:
		if err := l.setRemote(webrtc.SDPTypeOffer, sig.Description.SDP); err != nil {
			return err
		}
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("creating SDP answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting local description: %w", err)
		}
		l.emit(model.NewAnswer(l.localID, l.peerID, answer.SDP))
		return nil

	case model.SignalAnswer:
		return l.setRemote(webrtc.SDPTypeAnswer, sig.Description.SDP)

	case model.SignalCandidate:
		init := webrtc.ICECandidateInit{
			Candidate:        sig.Candidate.Candidate,
			SDPMid:           sig.Candidate.SDPMid,
			SDPMLineIndex:    sig.Candidate.SDPMLineIndex,
			UsernameFragment: sig.Candidate.UsernameFragment,
		}

		l.mu.Lock()
		if !l.remoteSet {
			if len(l.pendingCandidates) >= MaxPendingSignals {
				l.pendingCandidates = l.pendingCandidates[1:]
				log.Warn().Str("peerDeviceId", l.peerID).Msg("candidate buffer full, dropping oldest")
			}
			l.pendingCandidates = append(l.pendingCandidates, init)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if err := l.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("adding ICE candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
}

func (l *WebRTCLink) setRemote(sdpType webrtc.SDPType, sdp string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("peerDeviceId", l.peerID).Msg("dropping buffered ICE candidate")
		}
	}

	// After an ICE restart the connection may already be back without a
	// state change, and the data channel never reopens.
	if l.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		l.reopen()
	}
	return nil
}

func (l *WebRTCLink) Send(data []byte) error {
	l.mu.Lock()
	dc, open := l.dc, l.open
	l.mu.Unlock()

	if dc == nil || !open {
		return ErrLinkNotOpen
	}
	return dc.Send(data)
}

func (l *WebRTCLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	return l.pc.Close()
}

func (l *WebRTCLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(l.reopen)
	dc.OnClose(l.lost)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.events.OnMessage != nil {
			l.events.OnMessage(msg.Data)
		}
	})
}

func (l *WebRTCLink) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	l.emit(model.NewCandidate(l.localID, l.peerID, model.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}))
}

func (l *WebRTCLink) onConnectionState(state webrtc.PeerConnectionState) {
	log.Debug().
		Str("peerDeviceId", l.peerID).
		Str("state", state.String()).
		Msg("peer connection state change")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.reopen()
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		l.lost()
	}
}

// reopen marks the link open when the data channel is usable, reporting it
// once per open period. The channel outlives an ICE restart.
func (l *WebRTCLink) reopen() {
	l.mu.Lock()
	dc := l.dc
	opened := !l.open && !l.closed && dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
	if opened {
		l.open = true
	}
	l.mu.Unlock()

	if !opened {
		return
	}
	log.Info().
		Str("localDeviceId", l.localID).
		Str("peerDeviceId", l.peerID).
		Msg("direct channel open")
	if l.events.OnOpen != nil {
		l.events.OnOpen()
	}
}

// lost reports the path gone once per open period.
func (l *WebRTCLink) lost() {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.mu.Unlock()

	if wasOpen && l.events.OnLost != nil {
		l.events.OnLost()
	}
}

func (l *WebRTCLink) emit(sig model.Signal) {
	if l.events.OnSignal != nil {
		l.events.OnSignal(sig)
	}
}
