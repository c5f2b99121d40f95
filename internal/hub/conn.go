package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/protocol"
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// Conn is one signaling websocket. Outbound frames go through a FIFO queue
// drained by a single writer goroutine, so frames to a device keep the
// order they were enqueued in.
type Conn struct {
	handle string
	ws     *websocket.Conn
	codec  protocol.Codec
	opts   Options

	send      chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once

	ref atomic.Pointer[model.DeviceRef]
}

func newConn(handle string, ws *websocket.Conn, codec protocol.Codec, opts Options) *Conn {
	return &Conn{
		handle: handle,
		ws:     ws,
		codec:  codec,
		opts:   opts,
		send:   make(chan *protocol.Envelope, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

// Handle is the opaque id of this connection.
func (c *Conn) Handle() string {
	return c.handle
}

// Device returns the device this connection registered as.
func (c *Conn) Device() (model.DeviceRef, bool) {
	ref := c.ref.Load()
	if ref == nil {
		return model.DeviceRef{}, false
	}
	return *ref, true
}

func (c *Conn) setDevice(ref model.DeviceRef) {
	c.ref.Store(&ref)
}

// Enqueue queues env for the writer. A peer that cannot keep up is
// disconnected rather than silently losing frames.
func (c *Conn) Enqueue(env *protocol.Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		log.Warn().
			Str("handle", c.handle).
			Int("buffer", cap(c.send)).
			Msg("send queue full, closing connection")
		c.Close()
		return errQueueFull
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteWait),
			)
			return

		case env := <-c.send:
			data, err := c.codec.Marshal(env)
			if err != nil {
				log.Error().Err(err).Str("handle", c.handle).Str("type", string(env.Type)).Msg("failed to encode frame")
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(c.codec.FrameType(), data); err != nil {
				log.Debug().Err(err).Str("handle", c.handle).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decode parses one inbound frame with the connection's codec.
func (c *Conn) decode(data []byte) (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := c.codec.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
