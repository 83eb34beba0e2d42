package protocol

import (
	"encoding/json"
	"testing"
)

func TestCodecsCarryPayload(t *testing.T) {
	for _, name := range []string{"json", "proto"} {
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name)
			if err != nil {
				t.Fatalf("NewCodec failed: %v", err)
			}

			original, err := NewEnvelope(EventParticipantMoved, ParticipantMoved{Identity: "a1", X: 10, Y: 3})
			if err != nil {
				t.Fatalf("NewEnvelope failed: %v", err)
			}

			data, err := codec.Encode(original)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Event != EventParticipantMoved {
				t.Errorf("expected %s, got %s", EventParticipantMoved, decoded.Event)
			}

			var moved ParticipantMoved
			if err := decoded.Decode(&moved); err != nil {
				t.Fatalf("payload decode failed: %v", err)
			}
			if moved.Identity != "a1" || moved.X != 10 || moved.Y != 3 {
				t.Errorf("unexpected payload %+v", moved)
			}
		})
	}
}

func TestCodecsWithoutData(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		env, _ := NewEnvelope(EventResync, nil)
		data, err := codec.Encode(env)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		decoded, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decoded.Event != EventResync || len(decoded.Data) != 0 {
			t.Errorf("expected bare resync envelope, got %+v", decoded)
		}
	}
}

func TestProtoCodecKeepsOpaqueRelayPayload(t *testing.T) {
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}`)
	env, err := NewEnvelope(EventNegotiationOffer, RelayRequest{TargetIdentity: "b2", Payload: payload})
	if err != nil {
		t.Fatal(err)
	}

	codec := ProtoCodec{}
	data, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	var relay RelayRequest
	if err := decoded.Decode(&relay); err != nil {
		t.Fatal(err)
	}
	var sdp struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(relay.Payload, &sdp); err != nil {
		t.Fatal(err)
	}
	if relay.TargetIdentity != "b2" || sdp.Type != "offer" || sdp.SDP == "" {
		t.Errorf("relay payload mangled: %+v %+v", relay, sdp)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := (JSONCodec{}).Decode([]byte("not json")); err == nil {
		t.Error("expected json decode error")
	}
	if _, err := (JSONCodec{}).Decode([]byte(`{"data":{}}`)); err == nil {
		t.Error("expected missing event error")
	}
	if _, err := (ProtoCodec{}).Decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("expected proto decode error")
	}
	if _, err := NewCodec("xml"); err == nil {
		t.Error("expected unknown codec error")
	}
}

func TestTenureAcceptsNumbersAndStrings(t *testing.T) {
	tests := []struct {
		in   string
		want Tenure
	}{
		{`{"tenure":3}`, 3},
		{`{"tenure":"7"}`, 7},
		{`{"tenure":" 12 "}`, 12},
		{`{"tenure":"lots"}`, 0},
		{`{"tenure":null}`, 0},
		{`{}`, 0},
	}

	for _, tt := range tests {
		var req JoinRequest
		if err := json.Unmarshal([]byte(tt.in), &req); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if req.Tenure != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.in, tt.want, req.Tenure)
		}
	}
}

func TestIDOrder(t *testing.T) {
	if !ID("a1").Less("b2") || ID("b2").Less("a1") || ID("a1").Less("a1") {
		t.Error("expected plain string order")
	}
}

func BenchmarkProtoEncodeMove(b *testing.B) {
	env, _ := NewEnvelope(EventMove, MoveRequest{X: 12, Y: 4})
	codec := ProtoCodec{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = codec.Encode(env)
	}
}

func BenchmarkJSONDecodeMove(b *testing.B) {
	env, _ := NewEnvelope(EventMove, MoveRequest{X: 12, Y: 4})
	data, _ := JSONCodec{}.Encode(env)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = JSONCodec{}.Decode(data)
	}
}

func TestIsRelay(t *testing.T) {
	tests := []struct {
		event string
		want  bool
	}{
		{EventNegotiationOffer, true},
		{EventNegotiationAnswer, true},
		{EventNegotiationCandidate, true},
		{EventJoin, false},
		{EventChat, false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsRelay(tt.event); got != tt.want {
			t.Errorf("IsRelay(%q): expected %v, got %v", tt.event, tt.want, got)
		}
	}
}
