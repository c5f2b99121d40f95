package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
	"github.com/pairlink/relay-server-go/internal/model"
)

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecJSON, c.Name())
	assert.Equal(t, websocket.TextMessage, c.FrameType())

	c, err = CodecByName("cbor")
	require.NoError(t, err)
	assert.Equal(t, CodecCBOR, c.Name())
	assert.Equal(t, websocket.BinaryMessage, c.FrameType())

	_, err = CodecByName("msgpack")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestCodecs_PreserveSignalAndChunk(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	sig := model.NewCandidate("dev-a", "dev-b", model.ICECandidate{
		Candidate:     "candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})

	env := &Envelope{
		Type:      TypeSignal,
		SessionID: "session-1",
		Signal:    &sig,
		Chunk: &model.FileChunk{
			FileID:      "t-1",
			ChunkIndex:  1,
			TotalChunks: 3,
			Data:        []byte{0x00, 0xff, 0x10},
		},
	}
	env.Stamp(time.UnixMilli(1700000000000))

	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(env)
			require.NoError(t, err)

			var got Envelope
			require.NoError(t, codec.Unmarshal(data, &got))
			assert.Equal(t, env.Type, got.Type)
			assert.Equal(t, env.SessionID, got.SessionID)
			require.NotNil(t, got.Signal)
			assert.NoError(t, got.Signal.Validate())
			assert.Equal(t, sig.Candidate.Candidate, got.Signal.Candidate.Candidate)
			assert.Equal(t, "0", *got.Signal.Candidate.SDPMid)
			require.NotNil(t, got.Chunk)
			assert.Equal(t, env.Chunk.Data, got.Chunk.Data)
			assert.Equal(t, int64(1700000000000), got.Time().UnixMilli())
		})
	}
}

func TestCodecs_RejectGarbage(t *testing.T) {
	var env Envelope
	assert.Error(t, JSON.Unmarshal([]byte("{not json"), &env))
	assert.Error(t, CBOR.Unmarshal([]byte{0xff, 0x00}, &env))
}

func TestErrorEnvelope(t *testing.T) {
	t.Run("app error keeps code", func(t *testing.T) {
		env := ErrorEnvelope(apperrors.PeerUnreachable("dev-b"), "sig-1")
		assert.Equal(t, TypeError, env.Type)
		assert.Equal(t, apperrors.ErrCodePeerUnreachable, env.Error.Code)
		assert.Equal(t, "sig-1", env.Error.Ref)
		assert.True(t, apperrors.HasCode(env.Error.Err(), apperrors.ErrCodePeerUnreachable))
	})

	t.Run("plain error is masked", func(t *testing.T) {
		env := ErrorEnvelope(errors.New("socket exploded"), "")
		assert.Equal(t, apperrors.ErrCodeInternal, env.Error.Code)
		assert.NotContains(t, env.Error.Message, "socket")
	})
}

func TestDeviceStatus(t *testing.T) {
	env := DeviceStatus("s", "d", false)
	require.NotNil(t, env.Online)
	assert.False(t, *env.Online)
	assert.Equal(t, TypeDeviceStatusChanged, env.Type)
}
