// Package protocol defines the named events exchanged between participants
// and the presence server, and the codecs that frame them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Client to server events.
const (
	EventJoin                 = "join"
	EventMove                 = "move"
	EventCameraOn             = "camera-on"
	EventCameraOff            = "camera-off"
	EventMicOn                = "mic-on"
	EventMicOff               = "mic-off"
	EventNegotiationOffer     = "negotiation-offer"
	EventNegotiationAnswer    = "negotiation-answer"
	EventNegotiationCandidate = "negotiation-candidate"
	EventResync               = "resync"
	EventChat                 = "chat"
)

// Server to client events. The camera, mic and negotiation names are reused
// in this direction with identity-tagged payloads.
const (
	EventWelcome           = "welcome"
	EventRosterSnapshot    = "roster-snapshot"
	EventRosterSync        = "roster-sync"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventParticipantMoved  = "participant-moved"
	EventChatMessage       = "chat-message"
)

// ID identifies one connection for its whole lifetime. IDs are totally
// ordered by plain string comparison.
type ID string

// Less is the tie-break order used to pick the side that initiates a
// negotiation.
func (id ID) Less(other ID) bool {
	return id < other
}

// Appearance is the rendering-only descriptor of a participant's sprite.
type Appearance struct {
	Skin       uint32 `json:"skin"`
	Hair       uint32 `json:"hair"`
	Shirt      uint32 `json:"shirt"`
	ShirtStyle string `json:"shirtStyle,omitempty"`
	HairStyle  string `json:"hairStyle"`
}

// Participant is the server's canonical presence record.
type Participant struct {
	ID         ID         `json:"id"`
	Name       string     `json:"name"`
	Role       string     `json:"role"`
	Tenure     int        `json:"tenure"`
	Appearance Appearance `json:"appearance"`
	X          int        `json:"x"`
	Y          int        `json:"y"`
	CameraOn   bool       `json:"cameraOn"`
	MicOn      bool       `json:"micOn"`
}

// AppearanceRequest carries the optional style choices of a join form.
type AppearanceRequest struct {
	ShirtStyle string `json:"shirtStyle,omitempty"`
	HairStyle  string `json:"hairStyle,omitempty"`
	HairColor  string `json:"hairColor,omitempty"`
}

// Tenure accepts a JSON number or a numeric string. Anything else decodes
// to zero, which the server treats as missing.
type Tenure int

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tenure) UnmarshalJSON(b []byte) error {
	*t = 0
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		*t = Tenure(int(n))
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			*t = Tenure(i)
		}
	}
	return nil
}

// JoinRequest is the payload of EventJoin.
type JoinRequest struct {
	Name       string            `json:"name"`
	Role       string            `json:"role"`
	Tenure     Tenure            `json:"tenure"`
	Appearance AppearanceRequest `json:"appearance"`
}

// MoveRequest is the payload of EventMove.
type MoveRequest struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// RelayRequest is a negotiation payload addressed to one connection.
type RelayRequest struct {
	TargetIdentity ID              `json:"targetIdentity"`
	Payload        json.RawMessage `json:"payload"`
}

// Relayed is a negotiation payload as delivered to its target.
type Relayed struct {
	FromIdentity ID              `json:"fromIdentity"`
	Payload      json.RawMessage `json:"payload"`
}

// ChatRequest is the payload of EventChat.
type ChatRequest struct {
	Text string `json:"text"`
}

// ChatMessage is the broadcast form of a chat line.
type ChatMessage struct {
	Identity  ID     `json:"identity"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Welcome tells a freshly connected client its identity.
type Welcome struct {
	You ID `json:"you"`
}

// RosterSnapshot is the reply to a join.
type RosterSnapshot struct {
	You             Participant   `json:"you"`
	AllParticipants []Participant `json:"allParticipants"`
}

// RosterSync is the reply to a resync.
type RosterSync struct {
	AllParticipants []Participant `json:"allParticipants"`
}

// ParticipantJoined announces a new record.
type ParticipantJoined struct {
	Record Participant `json:"record"`
}

// IdentityEvent is the payload of departures and camera/mic notifications.
type IdentityEvent struct {
	Identity ID `json:"identity"`
}

// ParticipantMoved is a position delta.
type ParticipantMoved struct {
	Identity ID  `json:"identity"`
	X        int `json:"x"`
	Y        int `json:"y"`
}

// Envelope is one framed event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope for event. A nil payload
// produces an envelope without data.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v. Missing data leaves v untouched.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}

// IsRelay reports whether event is one of the negotiation events the server
// forwards without inspecting.
func IsRelay(event string) bool {
	switch event {
	case EventNegotiationOffer, EventNegotiationAnswer, EventNegotiationCandidate:
		return true
	}
	return false
}
