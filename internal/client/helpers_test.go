package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/LemmyAI/presence/internal/mesh"
	"github.com/LemmyAI/presence/internal/presence"
	"github.com/LemmyAI/presence/internal/protocol"
	"github.com/LemmyAI/presence/internal/transport"
)

type testServer struct {
	url       string
	codec     protocol.Codec
	presence  *presence.Server
	transport *transport.WebSocketTransport
}

func startServer(t *testing.T, codecName string) *testServer {
	t.Helper()
	codec, err := protocol.NewCodec(codecName)
	require.NoError(t, err)

	cfg := transport.DefaultConfig()
	cfg.Binary = codec.Binary()
	tr := transport.NewWebSocketTransport(cfg, nil)
	srv := presence.New(presence.DefaultConfig(), presence.NewTransportBroadcaster(tr, codec, nil))
	srv.Bind(tr, codec)

	hs := httptest.NewServer(tr)
	t.Cleanup(func() {
		_ = tr.Close()
		hs.Close()
	})
	return &testServer{
		url:       "ws" + strings.TrimPrefix(hs.URL, "http"),
		codec:     codec,
		presence:  srv,
		transport: tr,
	}
}

func (s *testServer) connect(t *testing.T) *Client {
	t.Helper()
	c := New(s.url, s.codec, nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fakeMedia negotiates instantly and reports every link connected.
type fakeMedia struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeMedia) deps() MediaDeps {
	return MediaDeps{Dialer: f, Devices: f}
}

func (f *fakeMedia) Dial(remote protocol.ID, _ []webrtc.TrackLocal, h mesh.Handlers) (mesh.Conn, error) {
	c := &fakeConn{remote: remote, h: h}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeMedia) Open(context.Context) (mesh.MediaSource, error) {
	return fakeSource{}, nil
}

type fakeConn struct {
	remote protocol.ID
	h      mesh.Handlers
}

func (c *fakeConn) Offer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *fakeConn) Answer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("not an offer")
	}
	go c.h.State(webrtc.PeerConnectionStateConnected)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *fakeConn) SetAnswer(webrtc.SessionDescription) error {
	go c.h.State(webrtc.PeerConnectionStateConnected)
	return nil
}

func (c *fakeConn) AddCandidate(webrtc.ICECandidateInit) error { return nil }
func (c *fakeConn) Close() error                                 { return nil }

type fakeSource struct{}

func (fakeSource) Tracks() []webrtc.TrackLocal { return nil }
func (fakeSource) SetAudioEnabled(bool)        {}
func (fakeSource) Close() error                { return nil }
