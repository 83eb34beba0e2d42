package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/mesh"
	"github.com/LemmyAI/presence/internal/protocol"
)

// SessionConfig tunes a participant session.
type SessionConfig struct {
	Bounds            grid.Bounds
	Walkable          func(grid.Cell) bool
	Threshold         int
	ProximityInterval time.Duration
	ResyncDelays      []time.Duration
	MoveInterval      time.Duration
}

// DefaultSessionConfig matches the server's default world.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Bounds:            grid.Bounds{Cols: 44, Rows: 32},
		Threshold:         1,
		ProximityInterval: 300 * time.Millisecond,
		ResyncDelays:      []time.Duration{0, time.Second, 3 * time.Second},
		MoveInterval:      150 * time.Millisecond,
	}
}

// MediaDeps are the media collaborators handed to the mesh.
type MediaDeps struct {
	Dialer    mesh.Dialer
	Devices   mesh.Devices
	Audio     mesh.AudioOutput
	Presenter mesh.Presenter
}

// ChatHandler receives chat lines from other participants.
type ChatHandler func(protocol.ChatMessage)

// Session binds a connected Client to the roster mirror and the signaling
// mesh of the local participant.
type Session struct {
	client *Client
	config SessionConfig
	world  *World
	mesh   *mesh.Mesh
	moves  *rate.Limiter
	log    *zap.Logger

	mu     sync.Mutex
	onChat ChatHandler
	joined chan struct{}
	once   sync.Once
}

// NewSession creates a session for a client that has completed Connect.
func NewSession(c *Client, config SessionConfig, media MediaDeps, logger *zap.Logger) (*Session, error) {
	local := c.ID()
	if local == "" {
		return nil, ErrNotConnected
	}
	logger = logging.OrNop(logger)

	world := NewWorld(config.Bounds, config.Walkable)
	s := &Session{
		client: c,
		world:  world,
		log:    logger.With(zap.String("local", string(local))),
		joined: make(chan struct{}),
	}
	if config.ProximityInterval <= 0 {
		config.ProximityInterval = DefaultSessionConfig().ProximityInterval
	}
	s.config = config
	if config.MoveInterval > 0 {
		s.moves = rate.NewLimiter(rate.Every(config.MoveInterval), 1)
	}
	s.mesh = mesh.New(local, mesh.Config{Threshold: config.Threshold}, mesh.Deps{
		Signaler:  c,
		Dialer:    media.Dialer,
		Devices:   media.Devices,
		Audio:     media.Audio,
		Presenter: media.Presenter,
		Positions: world,
		Logger:    logger,
	})
	s.subscribe()
	return s, nil
}

// World returns the roster mirror.
func (s *Session) World() *World { return s.world }

// Mesh returns the signaling mesh.
func (s *Session) Mesh() *mesh.Mesh { return s.mesh }

// OnChat registers the handler for incoming chat lines.
func (s *Session) OnChat(h ChatHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChat = h
}

// Joined is closed once the roster snapshot has arrived.
func (s *Session) Joined() <-chan struct{} { return s.joined }

// Run joins the world and keeps the session alive until ctx is done or the
// connection drops. The mesh is closed on return.
func (s *Session) Run(ctx context.Context, req protocol.JoinRequest) error {
	defer s.mesh.Close()

	if err := s.client.Send(protocol.EventJoin, req); err != nil {
		return fmt.Errorf("join: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.resyncLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.mesh.Run(ctx, s.config.ProximityInterval)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.client.Done():
		return ErrNotConnected
	}
}

// resyncLoop requests a roster-sync at each configured delay after joining.
func (s *Session) resyncLoop(ctx context.Context) {
	start := time.Now()
	for _, d := range s.config.ResyncDelays {
		wait := time.Until(start.Add(d))
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if err := s.client.Send(protocol.EventResync, nil); err != nil {
			s.log.Debug("resync not sent", zap.Error(err))
		}
	}
}

// Move steps the local participant and reports the new cell to the server.
func (s *Session) Move(dx, dy int) (grid.Cell, error) {
	if s.moves != nil && !s.moves.Allow() {
		cell, _ := s.world.LocalCell()
		return cell, ErrThrottled
	}
	cell, err := s.world.MoveLocal(dx, dy)
	if err != nil {
		return cell, err
	}
	return cell, s.client.Send(protocol.EventMove, protocol.MoveRequest{X: cell.X, Y: cell.Y})
}

// EnableCamera turns on local media and starts offering to camera peers.
func (s *Session) EnableCamera(ctx context.Context) error {
	if err := s.mesh.EnableCamera(ctx); err != nil {
		return err
	}
	s.world.SetCamera(s.client.ID(), true)
	return nil
}

// DisableCamera tears down every link and switches the microphone off too.
func (s *Session) DisableCamera() {
	s.mesh.DisableCamera()
	s.world.SetCamera(s.client.ID(), false)
	s.world.SetMic(s.client.ID(), false)
}

// SetMic toggles the local microphone. The camera must be on.
func (s *Session) SetMic(on bool) error {
	if err := s.mesh.SetMic(on); err != nil {
		return err
	}
	s.world.SetMic(s.client.ID(), on)
	return nil
}

// Chat sends a chat line.
func (s *Session) Chat(text string) error {
	if text == "" {
		return nil
	}
	return s.client.Send(protocol.EventChat, protocol.ChatRequest{Text: text})
}

// Close leaves the world and releases all links.
func (s *Session) Close() error {
	_ = s.mesh.Close()
	return s.client.Close()
}

func (s *Session) subscribe() {
	c := s.client
	c.Subscribe(protocol.EventRosterSnapshot, s.onSnapshot)
	c.Subscribe(protocol.EventRosterSync, s.onSync)
	c.Subscribe(protocol.EventParticipantJoined, s.onJoined)
	c.Subscribe(protocol.EventParticipantLeft, s.onLeft)
	c.Subscribe(protocol.EventParticipantMoved, s.onMoved)
	c.Subscribe(protocol.EventCameraOn, s.onCamera)
	c.Subscribe(protocol.EventCameraOff, s.onCamera)
	c.Subscribe(protocol.EventMicOn, s.onMic)
	c.Subscribe(protocol.EventMicOff, s.onMic)
	c.Subscribe(protocol.EventNegotiationOffer, s.onRelay)
	c.Subscribe(protocol.EventNegotiationAnswer, s.onRelay)
	c.Subscribe(protocol.EventNegotiationCandidate, s.onRelay)
	c.Subscribe(protocol.EventChatMessage, s.onChatMessage)
}

func (s *Session) onSnapshot(env *protocol.Envelope) {
	var snap protocol.RosterSnapshot
	if err := env.Decode(&snap); err != nil {
		s.log.Warn("bad roster snapshot", zap.Error(err))
		return
	}
	s.world.ApplySnapshot(snap)
	for _, p := range s.world.Participants() {
		s.mesh.SyncPeer(p.ID, p.CameraOn, p.MicOn)
	}
	s.once.Do(func() { close(s.joined) })
	s.log.Info("🌍 joined world",
		zap.Int("participants", len(snap.AllParticipants)), zap.Int("x", snap.You.X), zap.Int("y", snap.You.Y))
}

func (s *Session) onSync(env *protocol.Envelope) {
	var rs protocol.RosterSync
	if err := env.Decode(&rs); err != nil {
		s.log.Warn("bad roster sync", zap.Error(err))
		return
	}
	added := s.world.ApplySync(rs)
	for _, p := range rs.AllParticipants {
		if merged, ok := s.world.Participant(p.ID); ok {
			s.mesh.SyncPeer(merged.ID, merged.CameraOn, merged.MicOn)
		}
	}
	if len(added) > 0 {
		s.log.Debug("roster sync added participants", zap.Int("added", len(added)))
	}
}

func (s *Session) onJoined(env *protocol.Envelope) {
	var j protocol.ParticipantJoined
	if err := env.Decode(&j); err != nil || j.Record.ID == "" {
		return
	}
	s.world.Joined(j.Record)
	s.mesh.SyncPeer(j.Record.ID, j.Record.CameraOn, j.Record.MicOn)
}

func (s *Session) onLeft(env *protocol.Envelope) {
	var e protocol.IdentityEvent
	if err := env.Decode(&e); err != nil || e.Identity == "" {
		return
	}
	s.world.Left(e.Identity)
	s.mesh.PeerLeft(e.Identity)
}

func (s *Session) onMoved(env *protocol.Envelope) {
	var m protocol.ParticipantMoved
	if err := env.Decode(&m); err != nil || m.Identity == "" {
		return
	}
	s.world.Moved(m)
}

func (s *Session) onCamera(env *protocol.Envelope) {
	var e protocol.IdentityEvent
	if err := env.Decode(&e); err != nil || e.Identity == "" {
		return
	}
	on := env.Event == protocol.EventCameraOn
	s.world.SetCamera(e.Identity, on)
	if on {
		s.mesh.PeerCameraOn(e.Identity)
	} else {
		s.mesh.PeerCameraOff(e.Identity)
	}
}

func (s *Session) onMic(env *protocol.Envelope) {
	var e protocol.IdentityEvent
	if err := env.Decode(&e); err != nil || e.Identity == "" {
		return
	}
	on := env.Event == protocol.EventMicOn
	s.world.SetMic(e.Identity, on)
	s.mesh.PeerMic(e.Identity, on)
}

func (s *Session) onRelay(env *protocol.Envelope) {
	var r protocol.Relayed
	if err := env.Decode(&r); err != nil {
		s.log.Debug("bad relay", zap.String("event", env.Event), zap.Error(err))
		return
	}
	if err := s.mesh.HandleRelay(env.Event, r); err != nil {
		s.log.Debug("relay ignored", zap.String("event", env.Event), zap.Error(err))
	}
}

func (s *Session) onChatMessage(env *protocol.Envelope) {
	var msg protocol.ChatMessage
	if err := env.Decode(&msg); err != nil {
		return
	}
	s.log.Info("💬 chat", zap.String("from", msg.Name), zap.String("text", msg.Text))

	s.mu.Lock()
	h := s.onChat
	s.mu.Unlock()
	if h != nil {
		h(msg)
	}
}
