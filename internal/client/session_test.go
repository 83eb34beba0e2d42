package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LemmyAI/presence/internal/grid"
	"github.com/LemmyAI/presence/internal/mesh"
	"github.com/LemmyAI/presence/internal/protocol"
)

const waitFor = 2 * time.Second

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.ProximityInterval = 20 * time.Millisecond
	cfg.ResyncDelays = []time.Duration{0}
	cfg.MoveInterval = 0
	return cfg
}

func startSession(t *testing.T, srv *testServer, name string, cfg SessionConfig) *Session {
	t.Helper()
	c := srv.connect(t)
	media := &fakeMedia{}
	s, err := NewSession(c, cfg, media.deps(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, protocol.JoinRequest{Name: name}) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-s.Joined():
	case <-time.After(waitFor):
		t.Fatalf("%s never joined", name)
	}
	return s
}

func knows(s *Session, id protocol.ID) func() bool {
	return func() bool {
		_, ok := s.World().Participant(id)
		return ok
	}
}

func TestNewSessionRequiresConnection(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws", protocol.JSONCodec{}, nil)
	_, err := NewSession(c, testSessionConfig(), MediaDeps{}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSessionsSeeEachOther(t *testing.T) {
	srv := startServer(t, "json")
	ada := startSession(t, srv, "Ada", testSessionConfig())
	bob := startSession(t, srv, "Bob", testSessionConfig())
	adaID, bobID := ada.client.ID(), bob.client.ID()

	require.Eventually(t, knows(ada, bobID), waitFor, 10*time.Millisecond)
	require.Eventually(t, knows(bob, adaID), waitFor, 10*time.Millisecond)

	me, ok := ada.World().Local()
	require.True(t, ok)
	assert.Equal(t, "Ada", me.Name)
	assert.Equal(t, adaID, me.ID)
}

func TestSessionMoveIsMirrored(t *testing.T) {
	srv := startServer(t, "proto")
	ada := startSession(t, srv, "Ada", testSessionConfig())
	bob := startSession(t, srv, "Bob", testSessionConfig())
	adaID := ada.client.ID()
	require.Eventually(t, knows(bob, adaID), waitFor, 10*time.Millisecond)

	cell, err := ada.Move(1, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := bob.World().Cell(adaID)
		return ok && got == cell
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		p, ok := srv.presence.Participant(adaID)
		return ok && (grid.Cell{X: p.X, Y: p.Y}) == cell
	}, waitFor, 10*time.Millisecond)
}

func TestSessionMoveThrottled(t *testing.T) {
	srv := startServer(t, "json")
	cfg := testSessionConfig()
	cfg.MoveInterval = time.Hour
	ada := startSession(t, srv, "Ada", cfg)

	start, ok := ada.World().LocalCell()
	require.True(t, ok)
	cell, err := ada.Move(0, 1)
	require.NoError(t, err)
	assert.Equal(t, grid.Cell{X: start.X, Y: start.Y + 1}, cell)

	cell, err = ada.Move(0, 1)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, grid.Cell{X: start.X, Y: start.Y + 1}, cell)
}

func TestSessionCameraNegotiatesLink(t *testing.T) {
	srv := startServer(t, "json")
	ada := startSession(t, srv, "Ada", testSessionConfig())
	bob := startSession(t, srv, "Bob", testSessionConfig())
	adaID, bobID := ada.client.ID(), bob.client.ID()
	require.Eventually(t, knows(ada, bobID), waitFor, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ada.EnableCamera(ctx))
	require.NoError(t, bob.EnableCamera(ctx))

	require.Eventually(t, func() bool {
		return ada.Mesh().State(bobID) == mesh.Connected && bob.Mesh().State(adaID) == mesh.Connected
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, ada.SetMic(true))
	require.Eventually(t, func() bool {
		p, _ := bob.World().Participant(adaID)
		return p.CameraOn && p.MicOn
	}, waitFor, 10*time.Millisecond)

	ada.DisableCamera()
	me, _ := ada.World().Local()
	assert.False(t, me.CameraOn)
	assert.False(t, me.MicOn)

	require.Eventually(t, func() bool {
		p, _ := bob.World().Participant(adaID)
		return !p.CameraOn && !p.MicOn && len(bob.Mesh().Links()) == 0
	}, waitFor, 10*time.Millisecond)
	assert.Empty(t, ada.Mesh().Links())
}

func TestSessionMicRequiresCamera(t *testing.T) {
	srv := startServer(t, "json")
	ada := startSession(t, srv, "Ada", testSessionConfig())
	assert.ErrorIs(t, ada.SetMic(true), mesh.ErrCameraOff)
}

func TestSessionChat(t *testing.T) {
	srv := startServer(t, "json")
	ada := startSession(t, srv, "Ada", testSessionConfig())
	bob := startSession(t, srv, "Bob", testSessionConfig())

	var mu sync.Mutex
	var got []protocol.ChatMessage
	bob.OnChat(func(m protocol.ChatMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})

	require.NoError(t, ada.Chat(""))
	require.NoError(t, ada.Chat("hello"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Ada", got[0].Name)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, ada.client.ID(), got[0].Identity)
}

func TestSessionDepartureClearsPeer(t *testing.T) {
	srv := startServer(t, "json")
	ada := startSession(t, srv, "Ada", testSessionConfig())
	bob := startSession(t, srv, "Bob", testSessionConfig())
	bobID := bob.client.ID()
	require.Eventually(t, knows(ada, bobID), waitFor, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ada.EnableCamera(ctx))
	require.NoError(t, bob.EnableCamera(ctx))
	require.Eventually(t, func() bool { return ada.Mesh().State(bobID) == mesh.Connected }, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.Close())

	require.Eventually(t, func() bool { return !knows(ada, bobID)() }, waitFor, 10*time.Millisecond)
	assert.Equal(t, mesh.Absent, ada.Mesh().State(bobID))
}

func TestSessionRunEndsOnDisconnect(t *testing.T) {
	srv := startServer(t, "json")
	c := srv.connect(t)
	s, err := NewSession(c, testSessionConfig(), MediaDeps{}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), protocol.JoinRequest{Name: "Ada"}) }()
	<-s.Joined()

	require.NoError(t, srv.transport.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}
