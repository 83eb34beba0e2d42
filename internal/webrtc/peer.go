// Package webrtc implements the mesh's media links on pion/webrtc: peer
// connections, the local outbound source and remote audio sinks.
package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/mesh"
	"github.com/LemmyAI/presence/internal/protocol"
)

// Dialer creates pion peer connections. It implements mesh.Dialer.
type Dialer struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

// NewDialer creates a dialer using the given STUN/TURN URLs as relay hints.
func NewDialer(iceServers []string, logger *zap.Logger) (*Dialer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Dialer{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		config: config,
		log:    logging.OrNop(logger),
	}, nil
}

// Dial creates a peer connection to remote that sends tracks. Without local
// tracks the connection still receives audio and video.
func (d *Dialer) Dial(remote protocol.ID, tracks []webrtc.TrackLocal, h mesh.Handlers) (mesh.Conn, error) {
	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	log := d.log.With(zap.String("remote", string(remote)))

	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.Candidate == nil {
			return
		}
		h.Candidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug("connection state", zap.Stringer("state", s))
		if h.State != nil {
			h.State(s)
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info("🎥 incoming track", zap.Stringer("kind", t.Kind()), zap.String("codec", t.Codec().MimeType))
		if h.Track != nil {
			h.Track(t)
		}
	})

	return &peerConn{pc: pc}, nil
}

// drainRTCP reads RTCP so interceptors such as NACK keep working. It ends
// when the sender is stopped.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// peerConn adapts a pion PeerConnection to mesh.Conn. Candidates are
// trickled, so descriptions are returned without waiting for gathering.
type peerConn struct {
	pc *webrtc.PeerConnection
}

func (c *peerConn) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (c *peerConn) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *peerConn) SetAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *peerConn) AddCandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *peerConn) Close() error {
	return c.pc.Close()
}
