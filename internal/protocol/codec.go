package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	apperrors "github.com/pairlink/relay-server-go/internal/errors"
)

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Codec encodes envelopes for one websocket or data channel.
type Codec interface {
	Name() string
	// FrameType is the websocket message type frames are written with.
	FrameType() int
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

// CodecByName resolves the ?codec= query value. Empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSON, nil
	case CodecCBOR:
		return CBOR, nil
	default:
		return nil, apperrors.InvalidInput("codec", fmt.Sprintf("unsupported codec %q", name))
	}
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

type jsonCodec struct{}

func (jsonCodec) Name() string   { return CodecJSON }
func (jsonCodec) FrameType() int { return websocket.TextMessage }

func (jsonCodec) Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Unmarshal(data []byte, env *Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return fmt.Errorf("decode json envelope: %w", err)
	}
	return nil
}

// cborCodec uses core deterministic encoding. Struct fields fall back to
// their json tags, so both codecs share field names.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}

	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string   { return CodecCBOR }
func (cborCodec) FrameType() int { return websocket.BinaryMessage }

func (c cborCodec) Marshal(env *Envelope) ([]byte, error) {
	return c.enc.Marshal(env)
}

func (c cborCodec) Unmarshal(data []byte, env *Envelope) error {
	if err := c.dec.Unmarshal(data, env); err != nil {
		return fmt.Errorf("decode cbor envelope: %w", err)
	}
	return nil
}
