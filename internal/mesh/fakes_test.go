package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/protocol"
)

// recorder keeps a global order of interesting calls across fakes.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

type sentEvent struct {
	from    protocol.ID
	event   string
	payload any
}

// bus plays the presence server between meshes: media flags are announced
// to every other mesh and negotiation events are relayed to their target.
// A single goroutine delivers in send order.
type bus struct {
	mu     sync.Mutex
	meshes map[protocol.ID]*Mesh
	sent   []sentEvent
	queue  chan sentEvent
}

func newBus() *bus {
	b := &bus{meshes: make(map[protocol.ID]*Mesh), queue: make(chan sentEvent, 1024)}
	go b.deliver()
	return b
}

func (b *bus) add(m *Mesh) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meshes[m.Local()] = m
}

func (b *bus) signaler(from protocol.ID) Signaler {
	return busSignaler{b: b, from: from}
}

func (b *bus) sentBy(from protocol.ID, event string) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, s := range b.sent {
		if s.from == from && s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func (b *bus) eventsFrom(from protocol.ID) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, s := range b.sent {
		if s.from == from {
			out = append(out, s.event)
		}
	}
	return out
}

func (b *bus) deliver() {
	for s := range b.queue {
		b.mu.Lock()
		others := make([]*Mesh, 0, len(b.meshes))
		for id, m := range b.meshes {
			if id != s.from {
				others = append(others, m)
			}
		}
		b.mu.Unlock()

		switch s.event {
		case protocol.EventCameraOn:
			for _, m := range others {
				m.PeerCameraOn(s.from)
			}
		case protocol.EventCameraOff:
			for _, m := range others {
				m.PeerCameraOff(s.from)
			}
		case protocol.EventMicOn, protocol.EventMicOff:
			for _, m := range others {
				m.PeerMic(s.from, s.event == protocol.EventMicOn)
			}
		default:
			req := s.payload.(protocol.RelayRequest)
			b.mu.Lock()
			target := b.meshes[req.TargetIdentity]
			b.mu.Unlock()
			if target != nil {
				_ = target.HandleRelay(s.event, protocol.Relayed{FromIdentity: s.from, Payload: req.Payload})
			}
		}
	}
}

type busSignaler struct {
	b    *bus
	from protocol.ID
}

func (s busSignaler) Send(event string, payload any) error {
	e := sentEvent{from: s.from, event: event, payload: payload}
	s.b.mu.Lock()
	s.b.sent = append(s.b.sent, e)
	s.b.mu.Unlock()
	s.b.queue <- e
	return nil
}

// recordingSignaler only records.
type recordingSignaler struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (s *recordingSignaler) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (s *recordingSignaler) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, e := range s.sent {
		out = append(out, e.event)
	}
	return out
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

type fakeDialer struct {
	mu    sync.Mutex
	local protocol.ID
	conns []*fakeConn
	err   error
	rec   *recorder

	// block, when set, holds Offer and Answer until it is closed.
	block chan struct{}
	// manual disables the automatic Connected report after negotiation.
	manual bool
}

func (d *fakeDialer) Dial(remote protocol.ID, _ []webrtc.TrackLocal, h Handlers) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{local: d.local, remote: remote, h: h, block: d.block, manual: d.manual, rec: d.rec}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) all() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn{}, d.conns...)
}

func (d *fakeDialer) open() []*fakeConn {
	var out []*fakeConn
	for _, c := range d.all() {
		if !c.isClosed() {
			out = append(out, c)
		}
	}
	return out
}

type fakeConn struct {
	local, remote protocol.ID
	h             Handlers
	block         chan struct{}
	manual        bool
	rec           *recorder

	mu         sync.Mutex
	remoteSet  bool
	closed     bool
	rejectAll  bool
	candidates []webrtc.ICECandidateInit
}

func (c *fakeConn) wait(ctx context.Context) error {
	if c.block == nil {
		return nil
	}
	select {
	case <-c.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) connect() {
	if c.manual {
		return
	}
	c.h.State(webrtc.PeerConnectionStateConnected)
	c.h.Track(&fakeTrack{id: "video-" + string(c.remote), kind: webrtc.RTPCodecTypeVideo})
	c.h.Track(&fakeTrack{id: "audio-" + string(c.remote), kind: webrtc.RTPCodecTypeAudio})
}

func (c *fakeConn) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	go c.h.Candidate(webrtc.ICECandidateInit{Candidate: "candidate:" + string(c.local)})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer from " + string(c.local)}, nil
}

func (c *fakeConn) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("not an offer")
	}
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
	go func() {
		c.h.Candidate(webrtc.ICECandidateInit{Candidate: "candidate:" + string(c.local)})
		c.connect()
	}()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer from " + string(c.local)}, nil
}

func (c *fakeConn) SetAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return errors.New("not an answer")
	}
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
	go c.connect()
	return nil
}

func (c *fakeConn) AddCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet || c.rejectAll {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.rec.add("close conn " + string(c.remote))
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit{}, c.candidates...)
}

type fakeSource struct {
	mu     sync.Mutex
	audio  bool
	closed bool
	rec    *recorder
}

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeSource) SetAudioEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = on
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.rec.add("close source")
	return nil
}

type fakeDevices struct {
	mu      sync.Mutex
	sources []*fakeSource
	rec     *recorder
}

func (d *fakeDevices) Open(context.Context) (MediaSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeSource{rec: d.rec}
	d.sources = append(d.sources, s)
	return s, nil
}

func (d *fakeDevices) last() *fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sources) == 0 {
		return nil
	}
	return d.sources[len(d.sources)-1]
}

type fakeSink struct {
	mu     sync.Mutex
	remote protocol.ID
	muted  bool
	closed bool
	rec    *recorder
}

func (s *fakeSink) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.rec.add("close sink " + string(s.remote))
	return nil
}

func (s *fakeSink) state() (muted, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted, s.closed
}

type fakeAudio struct {
	mu    sync.Mutex
	sinks []*fakeSink
	rec   *recorder
}

func (a *fakeAudio) Attach(remote protocol.ID, _ Track) (Sink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := &fakeSink{remote: remote, muted: true, rec: a.rec}
	a.sinks = append(a.sinks, s)
	return s, nil
}

func (a *fakeAudio) all() []*fakeSink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeSink{}, a.sinks...)
}

type fakePresenter struct {
	mu    sync.Mutex
	shown protocol.ID
	video Track
	calls int
}

func (p *fakePresenter) Show(remote protocol.ID, video Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown, p.video = remote, video
	p.calls++
}

func (p *fakePresenter) Hide() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown, p.video = "", nil
	p.calls++
}

func (p *fakePresenter) current() (protocol.ID, Track) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown, p.video
}

type fakePositions struct {
	mu       sync.Mutex
	local    grid.Cell
	unplaced bool
	cells    map[protocol.ID]grid.Cell
}

func newPositions(local grid.Cell) *fakePositions {
	return &fakePositions{local: local, cells: make(map[protocol.ID]grid.Cell)}
}

func (p *fakePositions) set(id protocol.ID, c grid.Cell) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cells[id] = c
}

func (p *fakePositions) LocalCell() (grid.Cell, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local, !p.unplaced
}

func (p *fakePositions) Cell(id protocol.ID) (grid.Cell, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cells[id]
	return c, ok
}

// harness bundles one mesh with its fakes.
type harness struct {
	*Mesh
	dialer    *fakeDialer
	devices   *fakeDevices
	audio     *fakeAudio
	presenter *fakePresenter
	positions *fakePositions
}

func newHarness(local protocol.ID, signaler Signaler, rec *recorder) *harness {
	h := &harness{
		dialer:    &fakeDialer{local: local, rec: rec},
		devices:   &fakeDevices{rec: rec},
		audio:     &fakeAudio{rec: rec},
		presenter: &fakePresenter{},
		positions: newPositions(grid.Cell{}),
	}
	h.Mesh = New(local, Config{Threshold: 1}, Deps{
		Signaler:  signaler,
		Dialer:    h.dialer,
		Devices:   h.devices,
		Audio:     h.audio,
		Presenter: h.presenter,
		Positions: h.positions,
	})
	return h
}

// sinkAttached reports whether the link to id holds an audio sink.
func (h *harness) sinkAttached(id protocol.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.links[id]
	return ok && l.sink != nil
}

// connectedLink installs a connected link to id carrying a video track and
// a muted audio sink, as if negotiation had already completed.
func (h *harness) connectedLink(id protocol.ID) *fakeSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.newLinkLocked(id, Connected)
	sink := &fakeSink{remote: id, muted: true}
	l.sink = sink
	l.video = &fakeTrack{id: "video-" + string(id), kind: webrtc.RTPCodecTypeVideo}
	return sink
}

func sdp(t webrtc.SDPType, body string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: t, SDP: body}
}

func relayPayload(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
