// ABOUTME: Envelope codecs for the device protocol
// ABOUTME: JSON for WebSocket frames, msgpack for serial frames
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns messages into bytes and back
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// Envelope is a decoded message whose payload is still encoded
type Envelope struct {
	Type string

	payload   []byte
	unmarshal func([]byte, interface{}) error
}

// DecodePayload unmarshals the payload into v
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := e.unmarshal(e.payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}

var (
	// JSON encodes envelopes as JSON objects
	JSON Codec = jsonCodec{}
	// Msgpack encodes envelopes as msgpack maps
	Msgpack Codec = msgpackCodec{}
)

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Decode(data []byte) (Envelope, error) {
	var raw struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode json envelope: %w", err)
	}
	if raw.Type == "" {
		return Envelope{}, fmt.Errorf("decode json envelope: missing type")
	}
	return Envelope{Type: raw.Type, payload: raw.Payload, unmarshal: json.Unmarshal}, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(msg Message) ([]byte, error) {
	return msgpack.Marshal(&msg)
}

func (msgpackCodec) Decode(data []byte) (Envelope, error) {
	var raw struct {
		Type    string             `msgpack:"type"`
		Payload msgpack.RawMessage `msgpack:"payload"`
	}
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode msgpack envelope: %w", err)
	}
	if raw.Type == "" {
		return Envelope{}, fmt.Errorf("decode msgpack envelope: missing type")
	}
	return Envelope{Type: raw.Type, payload: raw.Payload, unmarshal: msgpack.Unmarshal}, nil
}
