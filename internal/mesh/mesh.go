// Package mesh decides which pairs of participants open a direct media link,
// drives each link through negotiation, and gates which remote media is
// surfaced based on grid distance.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/protocol"
)

// Config tunes proximity gating.
type Config struct {
	// Threshold is the largest Chebyshev distance at which a peer is nearby.
	Threshold int
}

// Deps are the collaborators of a Mesh. Audio and Presenter may be nil.
type Deps struct {
	Signaler  Signaler
	Dialer    Dialer
	Devices   Devices
	Audio     AudioOutput
	Presenter Presenter
	Positions Positions
	Logger    *zap.Logger
}

type peer struct {
	camera bool
	mic    bool
}

// link is the Peer Link record for one remote identity. Only the link whose
// gen matches the map entry is live; results for any other gen are stale.
type link struct {
	remote protocol.ID
	state  State
	gen    uint64
	conn   Conn
	video  Track
	audio  Track
	sink   Sink
	muted  bool

	// signaled is set once our offer or answer went out. Local candidates
	// gathered before that are held in outbound.
	signaled bool
	outbound []webrtc.ICECandidateInit

	// remoteSet is set once the remote description is applied. Remote
	// candidates that arrive earlier are held in inbound.
	remoteSet bool
	inbound   []webrtc.ICECandidateInit
}

// Mesh owns every Peer Link of the local participant. All state is guarded
// by mu; Conn, Sink, Presenter and MediaSource calls happen outside it.
type Mesh struct {
	local  protocol.ID
	config Config
	deps   Deps
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	peers    map[protocol.ID]*peer
	links    map[protocol.ID]*link
	gen      uint64
	cameraOn bool
	micOn    bool
	source   MediaSource
	audible  map[protocol.ID]bool
	shown    protocol.ID
	shownVid Track
	closed   bool
}

// New creates the mesh for the local identity.
func New(local protocol.ID, config Config, deps Deps) *Mesh {
	if deps.Presenter == nil {
		deps.Presenter = nopPresenter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mesh{
		local:   local,
		config:  config,
		deps:    deps,
		log:     logging.OrNop(deps.Logger).With(zap.String("local", string(local))),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[protocol.ID]*peer),
		links:   make(map[protocol.ID]*link),
		audible: make(map[protocol.ID]bool),
	}
}

// Local returns the local identity.
func (m *Mesh) Local() protocol.ID { return m.local }

// effects collects calls that must run after mu is released.
type effects []func()

func (e *effects) add(f func()) { *e = append(*e, f) }

func (e effects) run() {
	for _, f := range e {
		f()
	}
}

// --- remote participant status ---

func (m *Mesh) peerLocked(id protocol.ID) *peer {
	p, ok := m.peers[id]
	if !ok {
		p = &peer{}
		m.peers[id] = p
	}
	return p
}

// PeerCameraOn records that id enabled its camera. When the local camera is
// on and the local identity sorts lower, the local side offers.
func (m *Mesh) PeerCameraOn(id protocol.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.local {
		return
	}
	m.peerLocked(id).camera = true
	if m.cameraOn && m.local.Less(id) {
		m.offerLocked(id)
	}
}

// PeerCameraOff records that id disabled its camera and closes its link.
func (m *Mesh) PeerCameraOff(id protocol.ID) {
	var fx effects
	m.mu.Lock()
	if p, ok := m.peers[id]; ok {
		p.camera = false
	}
	if l, ok := m.links[id]; ok {
		m.closeLocked(l, &fx)
	}
	m.mu.Unlock()
	fx.run()
}

// PeerMic records the microphone flag of id. Audio gating picks it up on the
// next evaluation.
func (m *Mesh) PeerMic(id protocol.ID, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == m.local {
		return
	}
	m.peerLocked(id).mic = on
}

// SyncPeer applies both flags of id at once, as carried by a roster reply.
func (m *Mesh) SyncPeer(id protocol.ID, cameraOn, micOn bool) {
	if id == m.local {
		return
	}
	m.PeerMic(id, micOn)

	m.mu.Lock()
	was := m.peerLocked(id).camera
	m.mu.Unlock()

	switch {
	case cameraOn && !was:
		m.PeerCameraOn(id)
	case !cameraOn && was:
		m.PeerCameraOff(id)
	}
}

// PeerLeft forgets id and closes its link and audio sink.
func (m *Mesh) PeerLeft(id protocol.ID) {
	var fx effects
	m.mu.Lock()
	delete(m.peers, id)
	delete(m.audible, id)
	if l, ok := m.links[id]; ok {
		m.closeLocked(l, &fx)
	}
	m.mu.Unlock()
	fx.run()
}

// --- local media ---

// CameraOn reports whether the local camera is enabled.
func (m *Mesh) CameraOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameraOn
}

// MicOn reports whether the local microphone is enabled.
func (m *Mesh) MicOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micOn
}

// EnableCamera opens the local media source, announces camera-on and offers
// to every known camera-enabled peer that sorts higher.
func (m *Mesh) EnableCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.cameraOn {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if m.deps.Devices == nil {
		return ErrNoDevices
	}
	src, err := m.deps.Devices.Open(ctx)
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cameraOn || m.closed {
		_ = src.Close()
		return nil
	}
	m.cameraOn = true
	m.source = src
	src.SetAudioEnabled(m.micOn)
	m.send(protocol.EventCameraOn, nil)

	ids := make([]protocol.ID, 0, len(m.peers))
	for id, p := range m.peers {
		if p.camera && m.local.Less(id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		m.offerLocked(id)
	}
	m.log.Info("📷 camera on", zap.Int("offers", len(ids)))
	return nil
}

// DisableCamera closes every link, then releases the local media source and
// announces camera-off. The microphone is switched off with it.
func (m *Mesh) DisableCamera() {
	var fx effects
	m.mu.Lock()
	if !m.cameraOn {
		m.mu.Unlock()
		return
	}
	src := m.teardownLocked(&fx)
	m.send(protocol.EventCameraOff, nil)
	if m.micOn {
		m.micOn = false
		m.send(protocol.EventMicOff, nil)
	}
	m.mu.Unlock()

	fx.run()
	if src != nil {
		if err := src.Close(); err != nil {
			m.log.Warn("release media source", zap.Error(err))
		}
	}
	m.log.Info("📷 camera off")
}

// teardownLocked closes all links and detaches the source, which the caller
// must close after the effects have run.
func (m *Mesh) teardownLocked(fx *effects) MediaSource {
	for _, l := range m.links {
		m.closeLocked(l, fx)
	}
	m.hideLocked(fx)
	src := m.source
	m.source = nil
	m.cameraOn = false
	return src
}

// SetMic toggles the local microphone. It requires the camera to be on.
func (m *Mesh) SetMic(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cameraOn {
		return ErrCameraOff
	}
	if m.micOn == on {
		return nil
	}
	m.micOn = on
	m.source.SetAudioEnabled(on)
	if on {
		m.send(protocol.EventMicOn, nil)
	} else {
		m.send(protocol.EventMicOff, nil)
	}
	return nil
}

// --- negotiation ---

func (m *Mesh) newLinkLocked(remote protocol.ID, state State) *link {
	m.gen++
	l := &link{remote: remote, state: state, gen: m.gen, muted: true}
	m.links[remote] = l
	return l
}

// current returns the live link for remote if it still has generation gen.
func (m *Mesh) current(remote protocol.ID, gen uint64) *link {
	l, ok := m.links[remote]
	if !ok || l.gen != gen || l.state == Closed {
		return nil
	}
	return l
}

func (m *Mesh) offerLocked(remote protocol.ID) {
	if m.closed || m.source == nil {
		return
	}
	if _, ok := m.links[remote]; ok {
		return
	}
	l := m.newLinkLocked(remote, Offering)
	m.log.Debug("offering", zap.String("remote", string(remote)), zap.Uint64("gen", l.gen))
	m.spawn(remote, l.gen, m.source.Tracks(), nil)
}

// HandleOffer answers an incoming offer. Any existing link to the sender is
// closed first. Offers are ignored while the local camera is off.
func (m *Mesh) HandleOffer(from protocol.ID, offer webrtc.SessionDescription) {
	var fx effects
	m.mu.Lock()
	if !m.cameraOn || m.closed {
		m.mu.Unlock()
		m.log.Debug("offer ignored, camera off", zap.String("remote", string(from)))
		return
	}
	if old, ok := m.links[from]; ok {
		m.closeLocked(old, &fx)
	}
	l := m.newLinkLocked(from, Answering)
	m.spawn(from, l.gen, m.source.Tracks(), &offer)
	m.mu.Unlock()
	fx.run()
}

// HandleAnswer completes a negotiation this side started.
func (m *Mesh) HandleAnswer(from protocol.ID, answer webrtc.SessionDescription) {
	m.mu.Lock()
	l, ok := m.links[from]
	if !ok || l.state != Offering || l.conn == nil || l.remoteSet {
		m.mu.Unlock()
		m.log.Debug("stale answer ignored", zap.String("remote", string(from)))
		return
	}
	conn, gen := l.conn, l.gen
	m.mu.Unlock()

	if err := conn.SetAnswer(answer); err != nil {
		m.log.Info("apply answer failed", zap.String("remote", string(from)), zap.Error(err))
		return
	}
	m.remoteApplied(from, gen)
}

// HandleCandidate applies a remote connectivity candidate. Candidates for
// absent links are dropped; failures to apply one are logged and swallowed.
func (m *Mesh) HandleCandidate(from protocol.ID, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	l, ok := m.links[from]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("stale candidate ignored", zap.String("remote", string(from)))
		return
	}
	if !l.remoteSet {
		l.inbound = append(l.inbound, c)
		m.mu.Unlock()
		return
	}
	conn := l.conn
	m.mu.Unlock()

	m.addCandidates(from, conn, []webrtc.ICECandidateInit{c})
}

// HandleRelay decodes a relayed negotiation event and dispatches it.
func (m *Mesh) HandleRelay(event string, r protocol.Relayed) error {
	switch event {
	case protocol.EventNegotiationOffer, protocol.EventNegotiationAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(r.Payload, &sd); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if event == protocol.EventNegotiationOffer {
			m.HandleOffer(r.FromIdentity, sd)
		} else {
			m.HandleAnswer(r.FromIdentity, sd)
		}
	case protocol.EventNegotiationCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(r.Payload, &c); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		m.HandleCandidate(r.FromIdentity, c)
	default:
		return fmt.Errorf("%w: event %q", ErrBadPayload, event)
	}
	return nil
}

// spawn runs one negotiation step for (remote, gen) in the background. A nil
// offer makes this side the offerer.
func (m *Mesh) spawn(remote protocol.ID, gen uint64, tracks []webrtc.TrackLocal, offer *webrtc.SessionDescription) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.negotiate(remote, gen, tracks, offer)
	}()
}

func (m *Mesh) negotiate(remote protocol.ID, gen uint64, tracks []webrtc.TrackLocal, offer *webrtc.SessionDescription) {
	log := m.log.With(zap.String("remote", string(remote)), zap.Uint64("gen", gen))

	conn, err := m.deps.Dialer.Dial(remote, tracks, m.handlers(remote, gen))
	if err != nil {
		log.Info("dial failed", zap.Error(err))
		m.fail(remote, gen)
		return
	}

	m.mu.Lock()
	l := m.current(remote, gen)
	if l != nil {
		l.conn = conn
	}
	m.mu.Unlock()
	if l == nil {
		_ = conn.Close()
		return
	}

	var sd webrtc.SessionDescription
	event := protocol.EventNegotiationOffer
	if offer == nil {
		sd, err = conn.Offer(m.ctx)
	} else {
		event = protocol.EventNegotiationAnswer
		sd, err = conn.Answer(m.ctx, *offer)
	}
	if err != nil {
		log.Info("negotiation failed", zap.String("step", event), zap.Error(err))
		m.fail(remote, gen)
		return
	}

	m.mu.Lock()
	l = m.current(remote, gen)
	if l == nil {
		m.mu.Unlock()
		log.Debug("negotiation result discarded, link gone")
		return
	}
	m.relay(event, remote, sd)
	l.signaled = true
	for _, c := range l.outbound {
		m.relay(protocol.EventNegotiationCandidate, remote, c)
	}
	l.outbound = nil
	m.mu.Unlock()

	if offer != nil {
		m.remoteApplied(remote, gen)
	}
}

// remoteApplied marks the remote description as set and applies any
// candidates that arrived before it.
func (m *Mesh) remoteApplied(remote protocol.ID, gen uint64) {
	m.mu.Lock()
	l := m.current(remote, gen)
	if l == nil {
		m.mu.Unlock()
		return
	}
	l.remoteSet = true
	pending := l.inbound
	l.inbound = nil
	conn := l.conn
	m.mu.Unlock()

	m.addCandidates(remote, conn, pending)
}

func (m *Mesh) addCandidates(remote protocol.ID, conn Conn, cs []webrtc.ICECandidateInit) {
	for _, c := range cs {
		if err := conn.AddCandidate(c); err != nil {
			m.log.Debug("candidate not applied", zap.String("remote", string(remote)), zap.Error(err))
		}
	}
}

func (m *Mesh) handlers(remote protocol.ID, gen uint64) Handlers {
	return Handlers{
		Candidate: func(c webrtc.ICECandidateInit) {
			m.mu.Lock()
			defer m.mu.Unlock()
			l := m.current(remote, gen)
			if l == nil {
				return
			}
			if !l.signaled {
				l.outbound = append(l.outbound, c)
				return
			}
			m.relay(protocol.EventNegotiationCandidate, remote, c)
		},
		State: func(s webrtc.PeerConnectionState) {
			switch s {
			case webrtc.PeerConnectionStateConnected:
				m.mu.Lock()
				if l := m.current(remote, gen); l != nil {
					l.state = Connected
					m.log.Info("🔗 link connected", zap.String("remote", string(remote)))
				}
				m.mu.Unlock()
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
				m.log.Info("link lost", zap.String("remote", string(remote)), zap.Stringer("state", s))
				m.fail(remote, gen)
			}
		},
		Track: func(t Track) {
			m.attachTrack(remote, gen, t)
		},
	}
}

func (m *Mesh) attachTrack(remote protocol.ID, gen uint64, t Track) {
	m.mu.Lock()
	l := m.current(remote, gen)
	if l == nil {
		m.mu.Unlock()
		return
	}
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		l.video = t
		m.mu.Unlock()
		return
	}
	l.audio = t
	m.mu.Unlock()

	if m.deps.Audio == nil {
		return
	}
	sink, err := m.deps.Audio.Attach(remote, t)
	if err != nil {
		m.log.Warn("attach audio failed", zap.String("remote", string(remote)), zap.Error(err))
		return
	}

	m.mu.Lock()
	l = m.current(remote, gen)
	if l == nil || l.sink != nil {
		m.mu.Unlock()
		_ = sink.Close()
		return
	}
	l.sink = sink
	unmute := m.audible[remote]
	l.muted = !unmute
	m.mu.Unlock()

	if unmute {
		sink.SetMuted(false)
	}
}

// fail closes the link for (remote, gen) if it is still live.
func (m *Mesh) fail(remote protocol.ID, gen uint64) {
	var fx effects
	m.mu.Lock()
	if l := m.current(remote, gen); l != nil {
		m.closeLocked(l, &fx)
	}
	m.mu.Unlock()
	fx.run()
}

// closeLocked moves l to Closed, removes it and schedules the release of its
// connection and sink.
func (m *Mesh) closeLocked(l *link, fx *effects) {
	l.state = Closed
	delete(m.links, l.remote)
	conn, sink := l.conn, l.sink
	l.conn, l.sink, l.video, l.audio = nil, nil, nil, nil

	if m.shown == l.remote {
		m.hideLocked(fx)
	}
	if sink != nil {
		fx.add(func() { _ = sink.Close() })
	}
	if conn != nil {
		fx.add(func() { _ = conn.Close() })
	}
	m.log.Debug("link closed", zap.String("remote", string(l.remote)), zap.Uint64("gen", l.gen))
}

func (m *Mesh) relay(event string, remote protocol.ID, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("encode negotiation payload", zap.String("event", event), zap.Error(err))
		return
	}
	m.send(event, protocol.RelayRequest{TargetIdentity: remote, Payload: raw})
}

func (m *Mesh) send(event string, payload any) {
	if err := m.deps.Signaler.Send(event, payload); err != nil {
		m.log.Debug("signal dropped", zap.String("event", event), zap.Error(err))
	}
}

// --- inspection ---

// State returns the negotiation state of the link to remote.
func (m *Mesh) State(remote protocol.ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[remote]; ok {
		return l.state
	}
	return Absent
}

// Links returns the identities with a live link, sorted.
func (m *Mesh) Links() []protocol.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]protocol.ID, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close tears down every link and the local source without announcing
// anything, and waits for background negotiation steps to finish.
func (m *Mesh) Close() error {
	var fx effects
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	src := m.teardownLocked(&fx)
	m.micOn = false
	m.mu.Unlock()

	m.cancel()
	fx.run()
	var err error
	if src != nil {
		err = src.Close()
	}
	m.wg.Wait()
	return err
}
