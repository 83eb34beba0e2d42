package webrtc

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/mesh"
	"github.com/LemmyAI/presence/internal/protocol"
)

var errNotRemoteTrack = errors.New("track is not a remote pion track")

type packetWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// AudioSink consumes one remote audio track. While unmuted, packets go to
// the output writer; while muted they are read and discarded so the
// connection keeps flowing. Sinks start muted.
type AudioSink struct {
	remote protocol.ID
	muted  atomic.Bool
	log    *zap.Logger

	mu  sync.Mutex
	out packetWriter // nil discards

	received atomic.Int64
	played   atomic.Int64
	done     chan struct{}
}

func newAudioSink(remote protocol.ID, read func() (*rtp.Packet, error), out packetWriter, logger *zap.Logger) *AudioSink {
	s := &AudioSink{
		remote: remote,
		out:    out,
		log:    logging.OrNop(logger),
		done:   make(chan struct{}),
	}
	s.muted.Store(true)
	go s.run(read)
	return s
}

func (s *AudioSink) run(read func() (*rtp.Packet, error)) {
	defer close(s.done)
	for {
		pkt, err := read()
		if err != nil {
			return
		}
		s.received.Add(1)
		if s.muted.Load() {
			continue
		}

		s.mu.Lock()
		if s.out != nil {
			if err := s.out.WriteRTP(pkt); err != nil {
				s.log.Debug("audio write failed", zap.String("remote", string(s.remote)), zap.Error(err))
			}
		}
		s.mu.Unlock()
		s.played.Add(1)
	}
}

// SetMuted implements mesh.Sink.
func (s *AudioSink) SetMuted(muted bool) {
	if s.muted.Swap(muted) != muted {
		s.log.Debug("audio gate", zap.String("remote", string(s.remote)), zap.Bool("muted", muted))
	}
}

// Muted reports the current gate.
func (s *AudioSink) Muted() bool {
	return s.muted.Load()
}

// Stats returns the number of packets received and played.
func (s *AudioSink) Stats() (received, played int64) {
	return s.received.Load(), s.played.Load()
}

// Done is closed once the remote track ends.
func (s *AudioSink) Done() <-chan struct{} {
	return s.done
}

// Close releases the output. The reader stops when the track ends.
func (s *AudioSink) Close() error {
	s.muted.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	err := s.out.Close()
	s.out = nil
	return err
}

// AudioOutput attaches sinks to remote pion audio tracks. With Dir set,
// audible audio is recorded to one Ogg file per track.
type AudioOutput struct {
	Dir    string
	Logger *zap.Logger
}

// Attach implements mesh.AudioOutput.
func (o *AudioOutput) Attach(remote protocol.ID, track mesh.Track) (mesh.Sink, error) {
	t, ok := track.(*webrtc.TrackRemote)
	if !ok {
		return nil, errNotRemoteTrack
	}

	var out packetWriter
	if o.Dir != "" {
		name := fmt.Sprintf("%s-%d.ogg", remote, time.Now().UnixMilli())
		w, err := oggwriter.New(filepath.Join(o.Dir, name), opusRate, opusChannels)
		if err != nil {
			return nil, fmt.Errorf("ogg writer: %w", err)
		}
		out = w
	}

	read := func() (*rtp.Packet, error) {
		pkt, _, err := t.ReadRTP()
		return pkt, err
	}
	return newAudioSink(remote, read, out, o.Logger), nil
}
