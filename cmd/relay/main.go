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
	"classlock/internal/database"
	"classlock/internal/logging"
	"classlock/internal/middleware"
	"classlock/internal/relay"
	"classlock/internal/router"
	"classlock/internal/websocket"
)

func main() {
	fs := pflag.NewFlagSet("relay", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.String("addr", "", "relay listen address")
	fs.Parse(os.Args[1:])

	// ──── Step 1: Load Configuration ────
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("✗ Configuration failed: %v", err)
	}
	if addr, _ := fs.GetString("addr"); addr != "" {
		cfg.RelayAddr = addr
	}
	logger := logging.New(cfg.Log)
	defer logger.Sync()

	instance := relay.NewInstanceID()
	logger.Info("🚀 Starting classlock relay...", zap.String("instance", instance))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ──── Step 2: Initialize Directory ────
	var (
		dir relay.Directory
		bus relay.Bus
	)
	if cfg.RedisURL != "" {
		redisClients, err := database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			logger.Fatal("✗ Redis connection failed", zap.Error(err))
		}
		defer redisClients.Close()
		logger.Info("✓ Redis connected")

		redisDir := relay.NewRedisDirectory(redisClients.Store, instance, logger)
		go func() {
			if err := redisDir.Heartbeat(ctx); err != nil {
				logger.Error("heartbeat stopped", zap.Error(err))
			}
		}()
		dir = redisDir
		bus = relay.NewRedisBus(redisClients.PubSub, logger)
	} else {
		dir = relay.NewMemoryDirectory()
		logger.Info("✓ In-memory directory (single replica)")
	}

	// ──── Step 3: Start Gateway ────
	gateway := relay.NewGateway(instance, dir, bus, logger)
	if bus != nil {
		go func() {
			if err := bus.Run(ctx, instance, gateway.HandleDelivery); err != nil {
				logger.Error("backplane stopped", zap.Error(err))
			}
		}()
		logger.Info("✓ Redis backplane subscribed")
	}

	wsOpts := websocket.DefaultOptions()
	wsOpts.PingInterval = cfg.RelayPingInterval
	wsOpts.PongTimeout = cfg.RelayPongTimeout
	relayServer := relay.NewServer(gateway, wsOpts, logger)

	// Upgrade rate limiter, per client IP
	limiter := middleware.NewRateLimiter(cfg.UpgradesPerMinute, time.Minute, clock.Real())
	defer limiter.Stop()

	// ──── Step 4: Start HTTP Server ────
	r := router.NewRelay(logger, relayServer, limiter)

	server := &http.Server{
		Addr:              cfg.RelayAddr,
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
		relayServer.Shutdown()
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("✓ classlock relay ready",
		zap.String("addr", cfg.RelayAddr),
		zap.String("ws", "ws://"+cfg.RelayAddr+"/ws"),
	)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server error", zap.Error(err))
	}
}
