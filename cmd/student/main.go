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
	"classlock/internal/participant"
	"classlock/internal/router"
	"classlock/internal/transport"
	"classlock/internal/websocket"
)

// logScreen stands in for the OS overlay, which lives outside this
// process and follows the status stream.
type logScreen struct {
	log *zap.Logger
}

func (s logScreen) Lock(req participant.LockRequest) {
	s.log.Info("screen locked",
		zap.String("teacher", req.Teacher),
		zap.String("class", req.Class),
		zap.Duration("timeout", req.Timeout))
}

func (s logScreen) Unlock() {
	s.log.Info("screen unlocked")
}

func main() {
	fs := pflag.NewFlagSet("student", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	// ──── Step 1: Load Configuration ────
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("✗ Configuration failed: %v", err)
	}
	logger := logging.New(cfg.Log)
	defer logger.Sync()
	logger.Info("🚀 Starting classlock student...", zap.String("mode", cfg.Mode))

	clk := clock.Real()
	wsOpts := websocket.DefaultOptions()
	wsOpts.PingInterval = cfg.RelayPingInterval
	wsOpts.PongTimeout = cfg.RelayPongTimeout

	// ──── Step 2: Select Discovery and Transport ────
	var (
		source      discovery.Source
		relayClient *transport.RelayClient
	)
	dialer := transport.AutoDialer{LAN: transport.NewLANDialer(wsOpts, logger)}
	switch cfg.Mode {
	case config.ModeInternet:
		relayClient = transport.NewRelayClient(cfg.RelayURL, wsOpts, logger)
		source = transport.NewRelayDiscovery(relayClient, cfg.PollInterval, clk, logger)
		dialer.Relay = transport.NewRelayDialer(relayClient, cfg.RegistrationTimeout, clk, logger)
		logger.Info("✓ Relay discovery selected", zap.String("relay", cfg.RelayURL))
	default:
		source = discovery.NewListener(cfg.DiscoveryPort, clk, logger)
		logger.Info("✓ LAN discovery selected", zap.Int("discovery_port", cfg.DiscoveryPort))
	}

	// ──── Step 3: Start UI Event Hub ────
	wsHub := websocket.NewHub(logger)
	logger.Info("✓ WebSocket hub started")

	// ──── Step 4: Start Participant Client ────
	client := participant.NewClient(source, dialer, logScreen{log: logger.Named("screen")}, clk, logger,
		participant.Config{
			CandidateTTL: cfg.CandidateTTL,
			LockTimeout:  time.Duration(cfg.LockTimeoutMinutes) * time.Minute,
		},
		websocket.NewEvents(wsHub),
	)
	if err := client.StartDiscovery(); err != nil {
		logger.Fatal("✗ Discovery failed", zap.Error(err))
	}
	logger.Info("✓ Discovery started")

	// ──── Step 5: Start HTTP Server ────
	r := router.NewStudent(logger, handlers.NewStudentHandler(client), wsHub)

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
		client.Stop()
		if relayClient != nil {
			relayClient.Close()
		}
		wsHub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logger.Info("✓ classlock student ready",
		zap.String("api", "http://"+cfg.APIAddr+"/api/v1"),
		zap.String("ws", "ws://"+cfg.APIAddr+"/api/v1/ws"),
	)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server error", zap.Error(err))
	}
}
