package transfer

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
	"github.com/pairlink/relay-server-go/internal/protocol"
)

// Transport exposes both data paths towards a peer device.
type Transport interface {
	// Route reports the path currently chosen by the peer's arbiter.
	Route(peerDeviceID string) model.Route
	SendDirect(peerDeviceID string, env *protocol.Envelope) error
	SendRelay(ctx context.Context, env *protocol.Envelope) error
}

// Router sends messages and files over whichever path is active when each
// chunk is sent. A failed direct send is retried once over the relay.
type Router struct {
	transport Transport
	chunkSize int
	newID     func() string
}

func NewRouter(transport Transport, chunkSize int) *Router {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Router{
		transport: transport,
		chunkSize: chunkSize,
		newID:     uuid.NewString,
	}
}

// SendMessage sends a text message as a single-chunk transfer and returns
// its transfer id.
func (r *Router) SendMessage(ctx context.Context, peerDeviceID, content string) (string, error) {
	transferID := r.newID()
	env := &protocol.Envelope{
		Type:           protocol.TypeMessage,
		TargetDeviceID: peerDeviceID,
		Content:        content,
		TransferID:     transferID,
	}
	if err := r.send(ctx, peerDeviceID, env); err != nil {
		return transferID, err
	}
	return transferID, nil
}

// SendFile sends metadata followed by every chunk. A peer that goes offline
// fails the whole transfer with PEER_UNREACHABLE; any other send failure
// aborts it with TRANSFER_ABORTED. There is no resume.
func (r *Router) SendFile(ctx context.Context, peerDeviceID string, meta model.FileMetadata, data []byte) (string, error) {
	if meta.FileID == "" {
		meta.FileID = r.newID()
	}
	meta.FileSize = int64(len(data))

	if err := r.send(ctx, peerDeviceID, &protocol.Envelope{
		Type:           protocol.TypeFileMetadata,
		TargetDeviceID: peerDeviceID,
		File:           &meta,
	}); err != nil {
		return meta.FileID, r.abort(peerDeviceID, meta.FileID, err)
	}

	for _, chunk := range Split(meta.FileID, data, r.chunkSize) {
		if err := r.SendChunk(ctx, peerDeviceID, chunk); err != nil {
			return meta.FileID, r.abort(peerDeviceID, meta.FileID, err)
		}
	}

	log.Debug().
		Str("transferId", meta.FileID).
		Str("peerDeviceId", peerDeviceID).
		Int64("bytes", meta.FileSize).
		Msg("file sent")

	return meta.FileID, nil
}

// SendChunk routes one chunk.
func (r *Router) SendChunk(ctx context.Context, peerDeviceID string, chunk model.FileChunk) error {
	return r.send(ctx, peerDeviceID, &protocol.Envelope{
		Type:           protocol.TypeFileChunk,
		TargetDeviceID: peerDeviceID,
		Chunk:          &chunk,
	})
}

func (r *Router) send(ctx context.Context, peerDeviceID string, env *protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.transport.Route(peerDeviceID) == model.RouteDirect {
		err := r.transport.SendDirect(peerDeviceID, env)
		if err == nil {
			return nil
		}
		log.Debug().
			Err(err).
			Str("peerDeviceId", peerDeviceID).
			Str("type", string(env.Type)).
			Msg("direct send failed, retrying over relay")
	}

	return r.transport.SendRelay(ctx, env)
}

func (r *Router) abort(peerDeviceID, transferID string, err error) error {
	details := map[string]string{"transferId": transferID}
	if apperrors.HasCode(err, apperrors.ErrCodePeerUnreachable) {
		return apperrors.PeerUnreachable(peerDeviceID).WithDetails(details)
	}
	return apperrors.TransferAborted(transferID, "send failed").WithCause(err).WithDetails(details)
}
