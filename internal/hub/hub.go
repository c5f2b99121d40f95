// Package hub terminates the signaling websockets. It binds connections to
// device slots, relays signals and payload frames between the two devices of
// a session and broadcasts presence changes.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/httputil"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/protocol"
	"github.com/pairlink/relay-server-go/internal/session"
	"github.com/pairlink/relay-server-go/internal/sse"
)

const (
	DefaultMaxMessageBytes = 1 << 20
	DefaultSendBuffer      = 256
	DefaultWriteWait       = 10 * time.Second
	DefaultPongWait        = 60 * time.Second
)

type Options struct {
	MaxMessageBytes int64
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
	Now            func() time.Time
	NewHandle      func() string
}

func (o Options) withDefaults() Options {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewHandle == nil {
		o.NewHandle = uuid.NewString
	}
	return o
}

// EventPublisher receives session events for SSE subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, event sse.Event) error
}

// ReportStore persists transport reports.
type ReportStore interface {
	Create(ctx context.Context, params model.CreateConnectionReportParams) (*model.ConnectionReport, error)
}

type Hub struct {
	registry *session.Registry
	relay    *Relay
	events   EventPublisher
	reports  ReportStore
	upgrader websocket.Upgrader
	opts     Options

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New creates a hub. events and reports may be nil.
func New(registry *session.Registry, events EventPublisher, reports ReportStore, opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		registry: registry,
		events:   events,
		reports:  reports,
		opts:     opts,
		conns:    make(map[string]*Conn),
	}
	h.relay = NewRelay(registry, h)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	registry.OnReclaim(func(ref model.DeviceRef, wasOnline bool) {
		h.DeviceRemoved(context.Background(), ref, wasOnline)
	})

	return h
}

// Relay returns the hub's signaling relay.
func (h *Hub) Relay() *Relay {
	return h.relay
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, err := protocol.CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newConn(h.opts.NewHandle(), ws, codec, h.opts)
	h.addConn(c)
	defer h.disconnect(c)

	log.Debug().
		Str("handle", c.handle).
		Str("codec", codec.Name()).
		Msg("websocket connected")

	go c.writePump()
	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		h.registry.Touch(c.handle)
		return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("handle", c.handle).Msg("websocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		h.registry.Touch(c.handle)

		env, err := c.decode(data)
		if err != nil {
			_ = c.Enqueue(protocol.ErrorEnvelope(apperrors.ValidationError("malformed frame"), ""))
			continue
		}

		if err := h.handle(ctx, c, env); err != nil {
			if !apperrors.IsAppError(err) {
				log.Error().Err(err).Str("handle", c.handle).Str("type", string(env.Type)).Msg("failed to handle frame")
			}
			_ = c.Enqueue(protocol.ErrorEnvelope(err, errorRef(env)).Stamp(h.opts.Now()))
		}
	}
}

func errorRef(env *protocol.Envelope) string {
	switch {
	case env.TransferID != "":
		return env.TransferID
	case env.Chunk != nil:
		return env.Chunk.FileID
	case env.File != nil:
		return env.File.FileID
	case env.Signal != nil:
		return string(env.Signal.Kind)
	default:
		return string(env.Type)
	}
}

func (h *Hub) handle(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePing:
		return c.Enqueue((&protocol.Envelope{Type: protocol.TypePong}).Stamp(h.opts.Now()))
	case protocol.TypeRegister:
		return h.register(ctx, c, env)
	}

	ref, ok := c.Device()
	if !ok {
		return apperrors.ValidationError("connection is not registered")
	}
	if env.SessionID != "" && env.SessionID != ref.SessionID {
		return apperrors.ValidationError("frame addressed to another session")
	}

	switch env.Type {
	case protocol.TypeMessage:
		return h.relayPayload(ctx, ref, env.TargetDeviceID, &protocol.Envelope{
			Type:       protocol.TypeReceiveMessage,
			SessionID:  ref.SessionID,
			DeviceID:   ref.DeviceID,
			Content:    env.Content,
			TransferID: env.TransferID,
		})

	case protocol.TypeFileMetadata:
		if env.File == nil || env.File.FileID == "" {
			return apperrors.MissingRequired("file")
		}
		return h.relayPayload(ctx, ref, env.TargetDeviceID, &protocol.Envelope{
			Type:      protocol.TypeReceiveFileMetadata,
			SessionID: ref.SessionID,
			DeviceID:  ref.DeviceID,
			File:      env.File,
		})

	case protocol.TypeFileChunk:
		return h.relayChunk(ctx, ref, env)

	case protocol.TypeSignal:
		if env.Signal == nil {
			return apperrors.MissingRequired("signal")
		}
		sig := *env.Signal
		if sig.SenderDeviceID == "" {
			sig.SenderDeviceID = ref.DeviceID
		}
		if sig.SenderDeviceID != ref.DeviceID {
			return apperrors.ValidationError("signal sender does not match connection")
		}
		return h.relay.Forward(ctx, ref.SessionID, ref.DeviceID, sig.TargetDeviceID, sig)

	case protocol.TypeTransportState:
		if env.Transport == nil {
			return apperrors.MissingRequired("transport")
		}
		h.reportTransport(ctx, ref, *env.Transport)
		return nil

	default:
		return apperrors.ValidationError("unknown frame type " + string(env.Type))
	}
}

func (h *Hub) register(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	if env.SessionID == "" {
		return apperrors.MissingRequired("userId")
	}
	if env.DeviceID == "" {
		return apperrors.MissingRequired("deviceId")
	}

	ref := model.DeviceRef{SessionID: env.SessionID, DeviceID: env.DeviceID}
	if current, ok := c.Device(); ok && current != ref {
		return apperrors.ValidationError("connection already registered as another device")
	}

	previous, err := h.registry.Bind(ref.SessionID, ref.DeviceID, c.handle)
	if err != nil {
		return err
	}
	c.setDevice(ref)

	if previous != "" {
		log.Info().
			Str("sessionId", ref.SessionID).
			Str("deviceId", ref.DeviceID).
			Str("previousHandle", previous).
			Msg("device rebound to new connection")
		if old := h.conn(previous); old != nil {
			old.Close()
		}
	}

	log.Info().
		Str("sessionId", ref.SessionID).
		Str("deviceId", ref.DeviceID).
		Str("handle", c.handle).
		Msg("device registered")

	if err := c.Enqueue((&protocol.Envelope{
		Type:      protocol.TypeRegistered,
		SessionID: ref.SessionID,
		DeviceID:  ref.DeviceID,
	}).Stamp(h.opts.Now())); err != nil {
		return err
	}

	h.NotifyPresence(ctx, ref.SessionID, ref.DeviceID, true)
	return nil
}

// relayPayload sends to the named target, or to every other online device
// when target is empty.
func (h *Hub) relayPayload(ctx context.Context, from model.DeviceRef, target string, env *protocol.Envelope) error {
	env.Stamp(h.opts.Now())
	if target != "" {
		return h.relay.Deliver(ctx, from.SessionID, from.DeviceID, target, env)
	}
	_, err := h.relay.Broadcast(ctx, from.SessionID, from.DeviceID, env)
	return err
}

func (h *Hub) relayChunk(ctx context.Context, from model.DeviceRef, env *protocol.Envelope) error {
	chunk := env.Chunk
	if chunk == nil || chunk.FileID == "" {
		return apperrors.MissingRequired("chunk")
	}
	if chunk.TotalChunks <= 0 || chunk.ChunkIndex < 0 || chunk.ChunkIndex >= chunk.TotalChunks {
		return apperrors.InvalidInput("chunk", "index out of range")
	}

	if err := h.relayPayload(ctx, from, env.TargetDeviceID, &protocol.Envelope{
		Type:      protocol.TypeReceiveFileChunk,
		SessionID: from.SessionID,
		DeviceID:  from.DeviceID,
		Chunk:     chunk,
	}); err != nil {
		return err
	}

	if !chunk.IsLast() {
		return nil
	}
	return h.relayPayload(ctx, from, env.TargetDeviceID, &protocol.Envelope{
		Type:       protocol.TypeFileTransferComplete,
		SessionID:  from.SessionID,
		DeviceID:   from.DeviceID,
		TransferID: chunk.FileID,
	})
}

func (h *Hub) reportTransport(ctx context.Context, from model.DeviceRef, report model.TransportReport) {
	report.DeviceID = from.DeviceID

	log.Info().
		Str("sessionId", from.SessionID).
		Str("deviceId", from.DeviceID).
		Str("targetDeviceId", report.TargetDeviceID).
		Bool("isDirect", report.IsDirect).
		Str("state", string(report.State)).
		Msg("transport state reported")

	h.publish(ctx, from.SessionID, sse.EventTransportState, report)

	if h.reports == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	if _, err := h.reports.Create(ctx, model.CreateConnectionReportParams{
		SessionID: from.SessionID,
		DeviceID:  from.DeviceID,
		Kind:      model.ReportKindTransport,
		Payload:   payload,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", from.SessionID).Msg("failed to store transport report")
	}
}

func (h *Hub) publish(ctx context.Context, sessionID, eventType string, data any) {
	if h.events == nil {
		return
	}
	event, err := sse.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Msg("failed to build session event")
		return
	}
	if err := h.events.Publish(ctx, sessionID, event); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("type", eventType).Msg("failed to publish session event")
	}
}

// SendTo implements Sender.
func (h *Hub) SendTo(handle string, env *protocol.Envelope) error {
	c := h.conn(handle)
	if c == nil {
		return errConnClosed
	}
	return c.Enqueue(env)
}

func (h *Hub) conn(handle string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[handle]
}

func (h *Hub) addConn(c *Conn) {
	h.mu.Lock()
	h.conns[c.handle] = c
	h.mu.Unlock()
}

func (h *Hub) disconnect(c *Conn) {
	c.Close()

	h.mu.Lock()
	delete(h.conns, c.handle)
	h.mu.Unlock()

	ref, wentOffline := h.registry.Unbind(c.handle)
	if !wentOffline {
		return
	}

	log.Info().
		Str("sessionId", ref.SessionID).
		Str("deviceId", ref.DeviceID).
		Str("handle", c.handle).
		Msg("device went offline")

	h.NotifyPresence(context.Background(), ref.SessionID, ref.DeviceID, false)
}

// ConnectionCount returns the number of open websockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every open connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
