// Command server runs the presence server: a websocket endpoint that keeps
// the participant roster and relays peer negotiation between participants.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LemmyAI/presence/internal/config"
	"github.com/LemmyAI/presence/internal/logging"
	"github.com/LemmyAI/presence/internal/presence"
	"github.com/LemmyAI/presence/internal/protocol"
	"github.com/LemmyAI/presence/internal/transport"
)

type statusResponse struct {
	Status    string          `json:"status"`
	Codec     string          `json:"codec"`
	Uptime    string          `json:"uptime"`
	Presence  presence.Stats  `json:"presence"`
	Transport transport.Stats `json:"transport"`
}

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	certFile := flag.String("cert", "", "TLS certificate file")
	keyFile := flag.String("key", "", "TLS key file")
	flag.Parse()

	if err := run(*configPath, *certFile, *keyFile); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, certFile, keyFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// Hosting platforms hand out the port through PORT.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	codec, err := protocol.NewCodec(cfg.Server.Codec)
	if err != nil {
		return err
	}

	tcfg := cfg.Transport
	tcfg.Binary = codec.Binary()
	ws := transport.NewWebSocketTransport(tcfg, logger)

	srv := presence.New(presence.Config{
		Bounds:      cfg.World.Bounds(),
		ChatLimit:   cfg.World.ChatLimit,
		SpawnPoints: cfg.World.SpawnPoints,
		Fallback:    cfg.World.Fallback,
	}, presence.NewTransportBroadcaster(ws, codec, logger), presence.WithLogger(logger))
	srv.Bind(ws, codec)

	started := time.Now()
	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, ws)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_ = json.NewEncoder(w).Encode(statusResponse{
			Status:    "ok",
			Codec:     cfg.Server.Codec,
			Uptime:    time.Since(started).Round(time.Second).String(),
			Presence:  srv.Stats(),
			Transport: ws.Stats(),
		})
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			logger.Info("🔐 HTTPS enabled")
			err = httpSrv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("🎧 presence server listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("path", cfg.Server.Path),
		zap.String("codec", cfg.Server.Codec),
		zap.Int("cols", cfg.World.Cols),
		zap.Int("rows", cfg.World.Rows))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case sig := <-sigCh:
		logger.Info("🛑 shutting down", zap.String("signal", sig.String()))
	}

	// Close the websocket transport first; hijacked connections are not
	// tracked by http.Server.Shutdown.
	if err := ws.Close(); err != nil {
		logger.Warn("close transport", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("👋 bye")
	return nil
}
