package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"classlock/internal/clock"
	"classlock/internal/config"
	"classlock/internal/discovery"
	"classlock/internal/handlers"
	"classlock/internal/logging"
	"classlock/internal/router"
	"classlock/internal/session"
	"classlock/internal/transport"
	"classlock/internal/websocket"
)

func main() {
	fs := pflag.NewFlagSet("teacher", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	// ──── Step 1: Load Configuration ────
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("✗ Configuration failed: %v", err)
	}
	logger := logging.New(cfg.Log)
	defer logger.Sync()
	logger.Info("🚀 Starting classlock teacher...", zap.String("mode", cfg.Mode))

	clk := clock.Real()
	wsOpts := websocket.DefaultOptions()
	wsOpts.PingInterval = cfg.RelayPingInterval
	wsOpts.PongTimeout = cfg.RelayPongTimeout

	// ──── Step 2: Select Transport ────
	var opener transport.Opener
	switch cfg.Mode {
	case config.ModeInternet:
		opener = transport.NewRelayOpener(cfg.RelayURL, cfg.RegistrationTimeout, wsOpts, clk, logger)
		logger.Info("✓ Relay transport selected", zap.String("relay", cfg.RelayURL))
	default:
		advertiser := discovery.NewAdvertiser(cfg.DiscoveryPort, cfg.BeaconInterval, clk, logger)
		opener = transport.NewLANOpener(cfg.ControlPort, advertiser, wsOpts, logger)
		logger.Info("✓ LAN transport selected",
			zap.Int("control_port", cfg.ControlPort),
			zap.Int("discovery_port", cfg.DiscoveryPort),
		)
	}

	// ──── Step 3: Start UI Event Hub ────
	wsHub := websocket.NewHub(logger)
	logger.Info("✓ WebSocket hub started")

	// ──── Step 4: Initialize Session Manager ────
	manager := session.NewManager(opener, clk, logger,
		session.WithNotifier(websocket.NewEvents(wsHub)),
		session.WithKickGrace(cfg.KickGrace),
		session.WithDefaultTimeout(cfg.LockTimeoutMinutes),
	)

	// ──── Step 5: Start HTTP Server ────
	r := router.NewTeacher(logger, handlers.NewSessionHandler(manager), wsHub)

	server := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			logger.Warn("session shutdown", zap.Error(err))
		}
		wsHub.Close()
		server.Shutdown(ctx)
	}()

	logger.Info("✓ classlock teacher ready",
		zap.String("api", "http://"+cfg.APIAddr+"/api/v1"),
		zap.String("ws", "ws://"+cfg.APIAddr+"/api/v1/ws"),
	)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server error", zap.Error(err))
	}
}
