// Package presence implements the authoritative participant registry: joins,
// spawn allocation, moves, media flags, negotiation relay, resync and chat.
package presence

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/protocol"
)

// Config holds presence server configuration.
type Config struct {
	Bounds      grid.Bounds
	ChatLimit   int         // maximum chat length in runes
	SpawnPoints []grid.Cell // preferred spawn cells; nil uses DefaultSpawnPoints
	Fallback    grid.Rect   // walkable region used when every spawn cell is taken
}

// DefaultConfig matches the office map.
func DefaultConfig() Config {
	return Config{
		Bounds:    grid.Bounds{Cols: 44, Rows: 32},
		ChatLimit: 200,
		Fallback:  grid.Rect{X: 9, Y: 3, W: 10, H: 8},
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

// WithRand sets the random source used for spawn cells and appearance.
func WithRand(rng *rand.Rand) Option {
	return func(s *Server) { s.rng = rng }
}

// WithClock sets the clock used for chat timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections  int `json:"connections"`
	Participants int `json:"participants"`
}

// Server is the single owner of the participant registry. Every operation
// holds the lock for its whole duration, broadcasts included, so all
// connections observe changes in the order the server accepted them.
type Server struct {
	mu           sync.Mutex
	config       Config
	broadcaster  Broadcaster
	log          *zap.Logger
	rng          *rand.Rand
	now          func() time.Time
	spawn        allocator
	conns        map[protocol.ID]struct{}
	participants map[protocol.ID]*protocol.Participant
	order        []protocol.ID // join order, used for roster replies
}

// New creates a presence server that announces changes through broadcaster.
func New(config Config, broadcaster Broadcaster, opts ...Option) *Server {
	s := &Server{
		config:       config,
		broadcaster:  broadcaster,
		log:          zap.NewNop(),
		now:          time.Now,
		conns:        make(map[protocol.ID]struct{}),
		participants: make(map[protocol.ID]*protocol.Participant),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	preferred := config.SpawnPoints
	if preferred == nil {
		preferred = DefaultSpawnPoints
	}
	// Preferred cells outside a smaller world are never handed out.
	preferred = slices.DeleteFunc(slices.Clone(preferred), func(c grid.Cell) bool {
		return !config.Bounds.Contains(c)
	})
	s.spawn = allocator{preferred: preferred, fallback: config.Fallback, rng: s.rng}
	return s
}

// Connect registers a new transport connection and tells it its identity.
func (s *Server) Connect(id protocol.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[id] = struct{}{}
	s.sendTo(id, protocol.EventWelcome, protocol.Welcome{You: id})
}

// Join creates (or replaces) the participant record for id, replies with the
// roster and announces the record to everyone else.
func (s *Server) Join(id protocol.ID, req protocol.JoinRequest) protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[id]; ok {
		s.remove(id)
	}

	occupied := make(map[grid.Cell]bool, len(s.participants))
	for _, p := range s.participants {
		occupied[grid.Cell{X: p.X, Y: p.Y}] = true
	}
	cell := s.spawn.next(occupied)

	p := newParticipant(s.rng, id, req)
	p.X, p.Y = cell.X, cell.Y
	s.participants[id] = &p
	s.order = append(s.order, id)

	s.sendTo(id, protocol.EventRosterSnapshot, protocol.RosterSnapshot{You: p, AllParticipants: s.roster()})
	s.broadcast(protocol.EventParticipantJoined, protocol.ParticipantJoined{Record: p}, id)

	s.log.Info("✅ participant joined",
		zap.String("id", string(id)), zap.String("name", p.Name), zap.Int("x", p.X), zap.Int("y", p.Y))
	return p
}

// Move updates the position of id. Out-of-bounds moves are dropped without a
// broadcast. Occupancy is not checked, so two participants may share a cell.
func (s *Server) Move(id protocol.ID, req protocol.MoveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return ErrNotJoined
	}
	if !s.config.Bounds.Contains(grid.Cell{X: req.X, Y: req.Y}) {
		return fmt.Errorf("%w: (%d, %d)", ErrOutOfBounds, req.X, req.Y)
	}

	p.X, p.Y = req.X, req.Y
	s.broadcast(protocol.EventParticipantMoved, protocol.ParticipantMoved{Identity: id, X: req.X, Y: req.Y}, id)
	return nil
}

// SetCamera sets the camera flag of id and announces it.
func (s *Server) SetCamera(id protocol.ID, on bool) error {
	event := protocol.EventCameraOff
	if on {
		event = protocol.EventCameraOn
	}
	return s.setFlag(id, event, func(p *protocol.Participant) { p.CameraOn = on })
}

// SetMic sets the microphone flag of id and announces it.
func (s *Server) SetMic(id protocol.ID, on bool) error {
	event := protocol.EventMicOff
	if on {
		event = protocol.EventMicOn
	}
	return s.setFlag(id, event, func(p *protocol.Participant) { p.MicOn = on })
}

func (s *Server) setFlag(id protocol.ID, event string, set func(*protocol.Participant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return ErrNotJoined
	}
	set(p)
	s.broadcast(event, protocol.IdentityEvent{Identity: id}, id)
	return nil
}

// Relay forwards an opaque negotiation payload to its target, tagged with the
// sender. A target that is no longer connected drops the message.
func (s *Server) Relay(from protocol.ID, event string, req protocol.RelayRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[req.TargetIdentity]; !ok {
		return fmt.Errorf("%w: %s", ErrTargetGone, req.TargetIdentity)
	}
	s.sendTo(req.TargetIdentity, event, protocol.Relayed{FromIdentity: from, Payload: req.Payload})
	return nil
}

// Resync replies to id with the full roster. It never mutates state.
func (s *Server) Resync(id protocol.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sendTo(id, protocol.EventRosterSync, protocol.RosterSync{AllParticipants: s.roster()})
}

// Chat truncates text to the configured limit and broadcasts it with the
// sender's name and a millisecond timestamp.
func (s *Server) Chat(id protocol.ID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return ErrNotJoined
	}
	if text == "" {
		return ErrEmptyChat
	}
	if runes := []rune(text); len(runes) > s.config.ChatLimit {
		text = string(runes[:s.config.ChatLimit])
	}

	s.broadcast(protocol.EventChatMessage, protocol.ChatMessage{
		Identity:  id,
		Name:      p.Name,
		Text:      text,
		Timestamp: s.now().UnixMilli(),
	}, id)
	return nil
}

// Disconnect forgets the connection. A joined participant is removed and its
// departure announced to everyone.
func (s *Server) Disconnect(id protocol.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, id)
	p, ok := s.participants[id]
	if !ok {
		return
	}
	s.remove(id)
	s.broadcast(protocol.EventParticipantLeft, protocol.IdentityEvent{Identity: id}, "")

	s.log.Info("❎ participant left", zap.String("id", string(id)), zap.String("name", p.Name))
}

// Participant returns a copy of the record for id.
func (s *Server) Participant(id protocol.ID) (protocol.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[id]
	if !ok {
		return protocol.Participant{}, false
	}
	return *p, true
}

// Roster returns copies of every record in join order.
func (s *Server) Roster() []protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster()
}

// Stats returns current counts.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Connections: len(s.conns), Participants: len(s.participants)}
}

func (s *Server) roster() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.participants[id])
	}
	return out
}

func (s *Server) remove(id protocol.ID) {
	delete(s.participants, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

func (s *Server) sendTo(id protocol.ID, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err == nil {
		err = s.broadcaster.SendTo(id, env)
	}
	if err != nil {
		s.log.Debug("send dropped", zap.String("event", event), zap.String("to", string(id)), zap.Error(err))
	}
}

func (s *Server) broadcast(event string, payload any, exclude protocol.ID) {
	env, err := protocol.NewEnvelope(event, payload)
	if err == nil {
		err = s.broadcaster.Broadcast(env, exclude)
	}
	if err != nil {
		s.log.Warn("broadcast failed", zap.String("event", event), zap.Error(err))
	}
}
