// Command client is a headless participant. It joins the world, optionally
// streams media files to nearby peers and takes movement and chat commands
// from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/client"
	"github.com/LemmyAI/presence/internal/config"
	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/mesh"
	"github.com/LemmyAI/presence/internal/protocol"
	"github.com/LemmyAI/presence/internal/webrtc"
)

// logPresenter reports which remote video would be on screen.
type logPresenter struct {
	log *zap.Logger
}

func (p logPresenter) Show(remote protocol.ID, video mesh.Track) {
	if video == nil {
		p.log.Info("🎥 nearby, connecting video", zap.String("remote", string(remote)))
		return
	}
	p.log.Info("🎥 showing video", zap.String("remote", string(remote)), zap.String("track", video.ID()))
}

func (p logPresenter) Hide() {
	p.log.Info("🎥 video hidden")
}

func main() {
	configPath := flag.String("config", "", "path to a config file")
	url := flag.String("url", "", "server websocket url (overrides config)")
	codecName := flag.String("codec", "json", "wire codec: json or proto")
	name := flag.String("name", "Bot", "display name")
	role := flag.String("role", "Team Member", "role shown under the name")
	tenure := flag.Int("tenure", 1, "years on the team")
	camera := flag.Bool("camera", false, "enable camera after joining")
	mic := flag.Bool("mic", false, "enable microphone after joining (implies -camera)")
	audioFile := flag.String("audio", "", "Ogg/Opus file to stream as microphone")
	videoFile := flag.String("video", "", "IVF/VP8 file to stream as camera")
	walk := flag.Duration("walk", 0, "take a random step at this interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	codec, err := protocol.NewCodec(*codecName)
	if err != nil {
		logger.Fatal("codec", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("🎮 connecting", zap.String("url", cfg.Client.URL), zap.String("name", *name))
	c := client.New(cfg.Client.URL, codec, logger)
	if err := c.Connect(ctx); err != nil {
		logger.Fatal("connect", zap.Error(err))
	}

	dialer, err := webrtc.NewDialer(cfg.Client.ICEServers, logger)
	if err != nil {
		logger.Fatal("webrtc", zap.Error(err))
	}
	if cfg.Client.AudioDir != "" {
		if err := os.MkdirAll(cfg.Client.AudioDir, 0o755); err != nil {
			logger.Fatal("audio dir", zap.Error(err))
		}
	}

	sessionCfg := client.DefaultSessionConfig()
	sessionCfg.Bounds = cfg.World.Bounds()
	sessionCfg.Threshold = cfg.Client.ProximityThreshold
	sessionCfg.ProximityInterval = cfg.Client.ProximityInterval
	sessionCfg.ResyncDelays = cfg.Client.ResyncDelays

	session, err := client.NewSession(c, sessionCfg, client.MediaDeps{
		Dialer: dialer,
		Devices: &webrtc.Devices{
			StreamID:  string(c.ID()),
			AudioFile: *audioFile,
			VideoFile: *videoFile,
			Logger:    logger,
		},
		Audio:     &webrtc.AudioOutput{Dir: cfg.Client.AudioDir, Logger: logger},
		Presenter: logPresenter{log: logger},
	}, logger)
	if err != nil {
		logger.Fatal("session", zap.Error(err))
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- session.Run(ctx, protocol.JoinRequest{Name: *name, Role: *role, Tenure: protocol.Tenure(*tenure)})
	}()

	select {
	case <-session.Joined():
	case err := <-runErr:
		logger.Fatal("join", zap.Error(err))
	}

	if *camera || *mic {
		if err := session.EnableCamera(ctx); err != nil {
			logger.Error("camera", zap.Error(err))
		} else if *mic {
			if err := session.SetMic(true); err != nil {
				logger.Error("mic", zap.Error(err))
			}
		}
	}

	if *walk > 0 {
		go randomWalk(ctx, session, *walk, logger)
	}
	go commands(ctx, session, stop, logger)

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session ended", zap.Error(err))
	}
	_ = session.Close()
	logger.Info("👋 goodbye")
}

var steps = map[string][2]int{
	"up": {0, -1}, "w": {0, -1},
	"down": {0, 1}, "s": {0, 1},
	"left": {-1, 0}, "a": {-1, 0},
	"right": {1, 0}, "d": {1, 0},
}

func randomWalk(ctx context.Context, s *client.Session, every time.Duration, log *zap.Logger) {
	dirs := [][2]int{{0, -1}, {0, 1}, {-1, 0}, {1, 0}}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d := dirs[rand.IntN(len(dirs))]
			if cell, err := s.Move(d[0], d[1]); err == nil {
				log.Debug("🚶 step", zap.Int("x", cell.X), zap.Int("y", cell.Y))
			}
		}
	}
}

func commands(ctx context.Context, s *client.Session, quit func(), log *zap.Logger) {
	fmt.Println("\n🎮 Commands: up/down/left/right (or wasd), camera, nocamera, mic, nomic, say <text>, who, quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if d, ok := steps[line]; ok {
			cell, err := s.Move(d[0], d[1])
			if err != nil {
				log.Info("⛔ move", zap.Error(err))
				continue
			}
			log.Info("🚶 moved", zap.Int("x", cell.X), zap.Int("y", cell.Y))
			continue
		}

		var err error
		switch {
		case line == "quit":
			quit()
			return
		case line == "camera":
			err = s.EnableCamera(ctx)
		case line == "nocamera":
			s.DisableCamera()
		case line == "mic":
			err = s.SetMic(true)
		case line == "nomic":
			err = s.SetMic(false)
		case strings.HasPrefix(line, "say "):
			err = s.Chat(strings.TrimPrefix(line, "say "))
		case line == "who":
			for _, p := range s.World().Participants() {
				fmt.Printf("  %-20s %-16s (%2d,%2d) camera=%v mic=%v\n", p.Name, p.Role, p.X, p.Y, p.CameraOn, p.MicOn)
			}
		case line == "":
		default:
			fmt.Println("unknown command")
		}
		if err != nil {
			log.Warn("❌ command failed", zap.String("command", line), zap.Error(err))
		}
	}
}
