package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/protocol"
)

// State is the negotiation state of one Peer Link.
type State int

const (
	Absent State = iota
	Offering
	Answering
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Offering:
		return "offering"
	case Answering:
		return "answering"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Signaler sends events to the presence server. The mesh calls Send while
// holding its lock, so Send must queue and return without calling back.
type Signaler interface {
	Send(event string, payload any) error
}

// Track is a remote media track. *webrtc.TrackRemote satisfies it.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// Handlers receive asynchronous notifications from a Conn. They may be
// called from any goroutine.
type Handlers struct {
	Candidate func(webrtc.ICECandidateInit)
	State     func(webrtc.PeerConnectionState)
	Track     func(Track)
}

// Conn is one direct media connection to a remote participant.
type Conn interface {
	// Offer creates the initial negotiation message and applies it locally.
	Offer(ctx context.Context) (webrtc.SessionDescription, error)
	// Answer applies a remote offer and returns the local answer.
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetAnswer(answer webrtc.SessionDescription) error
	AddCandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// Dialer creates connections that send the given local tracks.
type Dialer interface {
	Dial(remote protocol.ID, tracks []webrtc.TrackLocal, h Handlers) (Conn, error)
}

// MediaSource is the local outbound camera and microphone. It is shared by
// every link and released only after all of them are closed.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(on bool)
	Close() error
}

// Devices opens the local media source.
type Devices interface {
	Open(ctx context.Context) (MediaSource, error)
}

// Sink plays one remote audio track. New sinks start muted.
type Sink interface {
	SetMuted(muted bool)
	Close() error
}

// AudioOutput creates sinks for remote audio tracks.
type AudioOutput interface {
	Attach(remote protocol.ID, track Track) (Sink, error)
}

// Presenter shows at most one remote video. Show may be called with a nil
// track while the link is still negotiating.
type Presenter interface {
	Show(remote protocol.ID, video Track)
	Hide()
}

// Positions supplies grid cells from the local roster mirror. LocalCell
// reports false until the local participant has been placed.
type Positions interface {
	LocalCell() (grid.Cell, bool)
	Cell(id protocol.ID) (grid.Cell, bool)
}

type nopPresenter struct{}

func (nopPresenter) Show(protocol.ID, Track) {}
func (nopPresenter) Hide()                   {}
