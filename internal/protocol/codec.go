package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes envelopes at the transport boundary. The transport treats
// the resulting bytes as opaque; only the two ends of a connection agree on
// the encoding, negotiated by WebSocket subprotocol.
type Codec interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// Subprotocol names offered during the WebSocket handshake.
const (
	SubprotocolJSON = "continuum.json"
	SubprotocolCBOR = "continuum.cbor"
)

// JSONCodec is the default envelope encoding, matching the wire shape
// in the platform protocol docs (correlationId, kind, operation, payload,
// timestamp as epoch ms).
type JSONCodec struct{}

func (JSONCodec) Name() string { return SubprotocolJSON }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// cborEnc uses Core Deterministic Encoding so the same envelope always
// produces identical bytes. cborDec forces any-typed targets to
// map[string]any so decoded payloads stay compatible with the JSON path.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec is the compact envelope encoding for bandwidth-sensitive
// connections (browser widgets on constrained links).
type CBORCodec struct{}

func (CBORCodec) Name() string { return SubprotocolCBOR }

func (CBORCodec) Encode(env Envelope) ([]byte, error) {
	return cborEnc.Marshal(env)
}

func (CBORCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// CodecFor returns the codec matching a negotiated subprotocol. An empty or
// unrecognized subprotocol falls back to JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBORCodec{}
	}
	return JSONCodec{}
}
