package client

import (
	"context"

	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/peer"
	"github.com/pairlink/relay-server-go/internal/protocol"
)

// Route reports the path the next payload to peerID takes.
func (c *Client) Route(peerID string) model.Route {
	p := c.peer(peerID)
	if p == nil {
		return model.RouteRelay
	}
	return p.arbiter.Route()
}

// SendDirect writes env to the peer's data channel. Direct frames use CBOR
// regardless of the websocket codec.
func (c *Client) SendDirect(peerID string, env *protocol.Envelope) error {
	c.mu.Lock()
	var link peer.Link
	if p, ok := c.peers[peerID]; ok {
		link = p.link
	}
	c.mu.Unlock()

	if link == nil {
		return peer.ErrLinkNotOpen
	}

	env.SessionID = c.creds.SessionID
	env.DeviceID = c.creds.DeviceID
	data, err := protocol.CBOR.Marshal(env)
	if err != nil {
		return err
	}
	return link.Send(data)
}

// SendRelay writes env to the signaling websocket. A target that is not
// online is rejected locally with PEER_UNREACHABLE.
func (c *Client) SendRelay(ctx context.Context, env *protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if env.TargetDeviceID != "" && !c.IsOnline(env.TargetDeviceID) {
		return apperrors.PeerUnreachable(env.TargetDeviceID)
	}
	return c.write(env)
}

// SendMessage sends a text message to peerID. An empty peerID selects the
// only online peer.
func (c *Client) SendMessage(ctx context.Context, peerID, content string) (string, error) {
	peerID, err := c.resolvePeer(peerID)
	if err != nil {
		return "", err
	}
	return c.router.SendMessage(ctx, peerID, content)
}

// SendFile sends data as a chunked file transfer and returns its transfer id.
func (c *Client) SendFile(ctx context.Context, peerID, name, contentType string, data []byte) (string, error) {
	peerID, err := c.resolvePeer(peerID)
	if err != nil {
		return "", err
	}
	return c.router.SendFile(ctx, peerID, model.FileMetadata{
		FileName:    name,
		ContentType: contentType,
	}, data)
}

func (c *Client) resolvePeer(peerID string) (string, error) {
	if peerID != "" {
		return peerID, nil
	}
	peers := c.Peers()
	if len(peers) != 1 {
		return "", apperrors.PeerUnreachable("")
	}
	return peers[0], nil
}

// handleServer runs on the dispatch goroutine for every websocket frame.
func (c *Client) handleServer(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDeviceStatusChanged:
		if env.DeviceID == c.creds.DeviceID {
			return
		}
		online := env.Online != nil && *env.Online
		if online {
			c.ensurePeer(env.DeviceID)
		} else {
			c.dropPeer(env.DeviceID)
		}
		c.emit(PresenceEvent{DeviceID: env.DeviceID, Online: online})

	case protocol.TypeOnlineDevices:
		c.reconcile(env.Devices)
		c.emit(PresenceEvent{Devices: env.Devices})

	case protocol.TypeReceiveMessage:
		c.emit(MessageEvent{
			From:       env.DeviceID,
			TransferID: env.TransferID,
			Content:    env.Content,
			Route:      model.RouteRelay,
		})

	case protocol.TypeReceiveFileMetadata:
		if env.File != nil {
			c.receiver.Begin(*env.File)
		}

	case protocol.TypeReceiveFileChunk:
		if env.Chunk != nil {
			c.acceptChunk(env.DeviceID, *env.Chunk)
		}

	case protocol.TypeFileTransferComplete:
		c.completeTransfer(env.DeviceID, env.TransferID)

	case protocol.TypeSignal:
		c.handleSignal(env.Signal)

	case protocol.TypeError:
		if env.Error == nil {
			return
		}
		log.Debug().
			Str("code", string(env.Error.Code)).
			Str("ref", env.Error.Ref).
			Msg("server reported error")
		c.emit(ErrorEvent{Err: env.Error.Err(), Ref: env.Error.Ref})

	case protocol.TypeRegistered, protocol.TypePong:

	default:
		log.Debug().Str("type", string(env.Type)).Msg("ignoring unknown frame")
	}
}

// handleDirect runs on the dispatch goroutine for every data channel frame.
// Direct frames carry the outbound frame types.
func (c *Client) handleDirect(from string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessage:
		c.emit(MessageEvent{
			From:       from,
			TransferID: env.TransferID,
			Content:    env.Content,
			Route:      model.RouteDirect,
		})
	case protocol.TypeFileMetadata:
		if env.File != nil {
			c.receiver.Begin(*env.File)
		}
	case protocol.TypeFileChunk:
		if env.Chunk != nil {
			c.acceptChunk(from, *env.Chunk)
		}
	default:
		log.Debug().Str("type", string(env.Type)).Str("peerDeviceId", from).Msg("ignoring direct frame")
	}
}

func (c *Client) acceptChunk(from string, chunk model.FileChunk) {
	progress, completed, err := c.receiver.Accept(chunk)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeTransferAborted) {
			c.emit(TransferAbortedEvent{TransferID: chunk.FileID, Err: err})
			return
		}
		c.emit(ErrorEvent{Err: err, Ref: chunk.FileID})
		return
	}

	if progress.TransferID == "" {
		return
	}
	c.emit(FileProgressEvent{From: from, Progress: progress})
	if completed != nil {
		c.deliver(from, completed.TransferID, completed.Meta, completed.Data)
	}
}

// completeTransfer handles the relay's explicit completion frame. Transfers
// already completed by chunk coverage ignore it.
func (c *Client) completeTransfer(from, transferID string) {
	if transferID == "" {
		return
	}
	completed, err := c.receiver.Complete(transferID)
	if err != nil {
		c.emit(ErrorEvent{Err: err, Ref: transferID})
		return
	}
	if completed != nil {
		c.deliver(from, completed.TransferID, completed.Meta, completed.Data)
	}
}

func (c *Client) deliver(from, transferID string, meta *model.FileMetadata, data []byte) {
	log.Debug().
		Str("transferId", transferID).
		Str("peerDeviceId", from).
		Int("bytes", len(data)).
		Msg("file received")

	c.emit(FileCompleteEvent{
		From:       from,
		TransferID: transferID,
		Meta:       meta,
		Data:       data,
	})
}
