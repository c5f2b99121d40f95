// Package client is the device side of the relay: it registers a paired
// device over the signaling websocket, tracks which peers are online,
// negotiates direct links and routes messages and files over whichever path
// each peer's arbiter has chosen.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/peer"
	"github.com/pairlink/relay-server-go/internal/protocol"
	"github.com/pairlink/relay-server-go/internal/transfer"
)

const (
	DefaultEventBuffer    = 256
	DefaultExpireInterval = time.Second
	DefaultWriteWait      = 10 * time.Second
	DefaultHandshakeWait  = 10 * time.Second

	inboxBuffer = 256
)

var ErrClosed = errors.New("client closed")

type Options struct {
	// LinkFactory creates direct links. Nil keeps every peer on the relay.
	LinkFactory        peer.LinkFactory
	NegotiationTimeout time.Duration
	// Codec is the websocket codec. Direct links always use CBOR.
	Codec          protocol.Codec
	ChunkSize      int
	Receiver       transfer.ReceiverOptions
	EventBuffer    int
	ExpireInterval time.Duration
	WriteWait      time.Duration
	Dialer         *websocket.Dialer
	HandshakeWait  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.JSON
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.ExpireInterval <= 0 {
		o.ExpireInterval = DefaultExpireInterval
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HandshakeWait <= 0 {
		o.HandshakeWait = DefaultHandshakeWait
	}
	return o
}

// Client is one registered device. Its dispatch goroutine owns the transfer
// receiver and the pending signal buffer; every inbound frame, link callback
// and arbiter transition is posted to it.
type Client struct {
	creds  Credentials
	opts   Options
	ws     *websocket.Conn
	router *transfer.Router

	writeMu sync.Mutex

	// mu guards peers, which callers read when routing sends.
	mu    sync.Mutex
	peers map[string]*peerState

	// Owned by the dispatch goroutine.
	receiver *transfer.Receiver
	pending  *peer.PendingBuffer

	inbox  chan func()
	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// Dial connects to serverURL (http or ws scheme), registers creds and
// returns once the server confirmed the registration.
func Dial(ctx context.Context, serverURL string, creds Credentials, opts Options) (*Client, error) {
	if creds.SessionID == "" || creds.DeviceID == "" {
		return nil, apperrors.MissingRequired("credentials")
	}
	opts = opts.withDefaults()

	wsURL, err := websocketURL(serverURL, opts.Codec.Name())
	if err != nil {
		return nil, err
	}

	ws, _, err := opts.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		creds:    creds,
		opts:     opts,
		ws:       ws,
		peers:    make(map[string]*peerState),
		receiver: transfer.NewReceiver(opts.Receiver),
		pending:  peer.NewPendingBuffer(peer.MaxPendingSignals),
		inbox:    make(chan func(), inboxBuffer),
		events:   make(chan Event, opts.EventBuffer),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.router = transfer.NewRouter(c, opts.ChunkSize)

	if err := c.register(ctx); err != nil {
		cancel()
		_ = ws.Close()
		return nil, err
	}

	log.Info().
		Str("sessionId", creds.SessionID).
		Str("deviceId", creds.DeviceID).
		Str("codec", opts.Codec.Name()).
		Msg("device registered")

	c.wg.Add(2)
	go c.readLoop()
	go c.dispatch()

	return c, nil
}

func websocketURL(serverURL, codec string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", apperrors.InvalidInput("serverURL", err.Error())
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", apperrors.InvalidInput("serverURL", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("codec", codec)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// register sends the register frame and waits for registered or error.
func (c *Client) register(ctx context.Context) error {
	if err := c.write(&protocol.Envelope{Type: protocol.TypeRegister}); err != nil {
		return err
	}

	deadline := time.Now().Add(c.opts.HandshakeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.ws.SetReadDeadline(deadline)
	defer func() { _ = c.ws.SetReadDeadline(time.Time{}) }()

	for {
		env, err := c.read()
		if err != nil {
			return fmt.Errorf("await registration: %w", err)
		}
		switch env.Type {
		case protocol.TypeRegistered:
			return nil
		case protocol.TypeError:
			if env.Error == nil {
				return apperrors.Internal("registration rejected")
			}
			return env.Error.Err()
		}
	}
}

// Credentials returns the device this client registered as.
func (c *Client) Credentials() Credentials {
	return c.creds
}

// Events delivers everything the client observes. It must be drained; the
// dispatch goroutine blocks while it is full. It is closed by Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed once the client shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down every link and the websocket.
func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause != nil {
			c.errMu.Lock()
			c.err = cause
			c.errMu.Unlock()
		}
		close(c.done)
		c.cancel()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// post runs fn on the dispatch goroutine. It is dropped after shutdown.
func (c *Client) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// emit must only be called from the dispatch goroutine.
func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Client) write(env *protocol.Envelope) error {
	env.SessionID = c.creds.SessionID
	env.DeviceID = c.creds.DeviceID

	data, err := c.opts.Codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := c.ws.WriteMessage(c.opts.Codec.FrameType(), data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) read() (*protocol.Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := c.opts.Codec.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		env, err := c.read()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("deviceId", c.creds.DeviceID).Msg("signaling connection lost")
				}
				c.shutdown(err)
			}
			return
		}
		c.post(func() { c.handleServer(env) })
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.teardown()

	ticker := time.NewTicker(c.opts.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-c.inbox:
			fn()
		case now := <-ticker.C:
			for _, err := range c.receiver.Expire(now) {
				c.emit(TransferAbortedEvent{TransferID: abortedID(err), Err: err})
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]*peerState)
	c.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	c.pending.Reset()
	c.receiver.Reset()
}

func abortedID(err error) string {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		return ""
	}
	if details, ok := appErr.Details.(map[string]string); ok {
		return details["transferId"]
	}
	return ""
}
