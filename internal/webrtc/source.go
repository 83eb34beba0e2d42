package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/mesh"
)

const (
	opusFrame    = 20 * time.Millisecond
	opusRate     = 48000
	opusChannels = 2
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// errNoFrames stops a looping feeder whose file holds headers only.
var errNoFrames = errors.New("media file has no frames")

// StaticSource is the local outbound media: one VP8 video track and one
// Opus audio track shared by every peer connection. Audio samples are
// dropped while the microphone is disabled.
type StaticSource struct {
	video   *webrtc.TrackLocalStaticSample
	audio   *webrtc.TrackLocalStaticSample
	audioOn atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStaticSource creates the tracks under the given stream id.
func NewStaticSource(streamID string) (*StaticSource, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: opusChannels},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StaticSource{video: video, audio: audio, ctx: ctx, cancel: cancel}, nil
}

// Tracks implements mesh.MediaSource.
func (s *StaticSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.video, s.audio}
}

// SetAudioEnabled implements mesh.MediaSource.
func (s *StaticSource) SetAudioEnabled(on bool) {
	s.audioOn.Store(on)
}

// AudioEnabled reports whether audio samples are being sent.
func (s *StaticSource) AudioEnabled() bool {
	return s.audioOn.Load()
}

// WriteVideo sends one VP8 frame to every bound connection.
func (s *StaticSource) WriteVideo(sample media.Sample) error {
	return s.video.WriteSample(sample)
}

// WriteAudio sends one Opus frame, or drops it while audio is disabled.
func (s *StaticSource) WriteAudio(sample media.Sample) error {
	if !s.audioOn.Load() {
		return nil
	}
	return s.audio.WriteSample(sample)
}

// Close stops any feeders started by Devices and waits for them.
func (s *StaticSource) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *StaticSource) feed(f func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
}

// Devices opens a StaticSource fed from files. Without an audio file the
// microphone sends Opus silence; without a video file no frames are sent.
// Files loop until the source is closed.
type Devices struct {
	StreamID  string
	AudioFile string // Ogg/Opus
	VideoFile string // IVF/VP8
	Logger    *zap.Logger
}

// Open implements mesh.Devices.
func (d *Devices) Open(ctx context.Context) (mesh.MediaSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := NewStaticSource(d.StreamID)
	if err != nil {
		return nil, err
	}
	log := logging.OrNop(d.Logger)

	if d.AudioFile != "" {
		src.feed(func(ctx context.Context) {
			if err := loop(ctx, d.AudioFile, func(ctx context.Context, r io.Reader) error {
				return playOgg(ctx, r, src.WriteAudio)
			}); err != nil {
				log.Warn("audio feeder stopped", zap.String("file", d.AudioFile), zap.Error(err))
			}
		})
	} else {
		src.feed(func(ctx context.Context) {
			playSilence(ctx, src.WriteAudio)
		})
	}

	if d.VideoFile != "" {
		src.feed(func(ctx context.Context) {
			if err := loop(ctx, d.VideoFile, func(ctx context.Context, r io.Reader) error {
				return playIVF(ctx, r, src.WriteVideo)
			}); err != nil {
				log.Warn("video feeder stopped", zap.String("file", d.VideoFile), zap.Error(err))
			}
		})
	}
	return src, nil
}

// loop plays path repeatedly until ctx is done or play fails.
func loop(ctx context.Context, path string, play func(context.Context, io.Reader) error) error {
	for ctx.Err() == nil {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		err = play(ctx, f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func playSilence(ctx context.Context, write func(media.Sample) error) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = write(media.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}

// playOgg writes one Ogg page per Opus frame period. It returns nil at the
// end of the stream, or errNoFrames if no audio page was written.
func playOgg(ctx context.Context, r io.Reader, write func(media.Sample) error) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("ogg: %w", err)
	}

	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	var lastGranule uint64
	written := 0
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if written == 0 {
				return errNoFrames
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("ogg page: %w", err)
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / opusRate

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := write(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
		written++
	}
}

// playIVF writes VP8 frames at the file's frame rate. It returns nil at the
// end of the stream, or errNoFrames if the file has no frames.
func playIVF(ctx context.Context, r io.Reader, write func(media.Sample) error) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("ivf: %w", err)
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 {
		return errors.New("ivf: zero timebase")
	}
	frame := time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	written := 0
	for {
		data, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if written == 0 {
				return errNoFrames
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("ivf frame: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := write(media.Sample{Data: data, Duration: frame}); err != nil {
			return err
		}
		written++
	}
}
