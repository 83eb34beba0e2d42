package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnknownCodec is returned by NewCodec for unsupported names.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec frames envelopes for the wire.
type Codec interface {
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
	// Binary reports whether frames must be sent as binary websocket messages.
	Binary() bool
}

// NewCodec returns the codec registered under name ("json" or "proto").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec sends envelopes as JSON text frames.
type JSONCodec struct{}

// Encode serializes an envelope to JSON.
func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a JSON envelope.
func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("unmarshal: missing event")
	}
	return env, nil
}

// Binary implements Codec.
func (JSONCodec) Binary() bool { return false }

// ProtoCodec sends envelopes as protobuf-encoded google.protobuf.Struct
// messages with "event" and "data" fields.
type ProtoCodec struct{}

// Encode serializes an envelope to protobuf bytes.
func (ProtoCodec) Encode(env *Envelope) ([]byte, error) {
	var data any
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("encode %s: %w", env.Event, err)
		}
	}
	s, err := structpb.NewStruct(map[string]any{
		"event": env.Event,
		"data":  data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Event, err)
	}
	return proto.Marshal(s)
}

// Decode deserializes protobuf bytes to an envelope.
func (ProtoCodec) Decode(data []byte) (*Envelope, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	env := &Envelope{Event: s.GetFields()["event"].GetStringValue()}
	if env.Event == "" {
		return nil, errors.New("unmarshal: missing event")
	}
	v, ok := s.GetFields()["data"]
	if !ok {
		return env, nil
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return env, nil
	}
	raw, err := json.Marshal(v.AsInterface())
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Event, err)
	}
	env.Data = raw
	return env, nil
}

// Binary implements Codec.
func (ProtoCodec) Binary() bool { return true }
