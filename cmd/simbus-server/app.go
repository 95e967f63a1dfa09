package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"simbus/pkg/config"
	"simbus/pkg/observability"
	"simbus/pkg/server"
	"simbus/pkg/transport"
	"simbus/pkg/transport/mem"
	"simbus/pkg/transport/quic"
	"simbus/pkg/transport/tcp"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Transport != "" {
		cfg.Server.Transport = opts.Transport
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("simbus-server started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	tr, err := newTransport(cfg.Server.Transport)
	if err != nil {
		zap.L().Error("transport setup failed", zap.Error(err))
		return 1
	}

	srv := server.New(tr, server.Options{
		HeartbeatInterval: cfg.Server.HeartbeatInterval(),
		HeartbeatMisses:   cfg.Server.HeartbeatMisses,
		TopicRetention:    cfg.Server.TopicRetention(),
		SubscriberQueue:   cfg.Server.SubscriberQueue,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, cfg.Server.Listen); err != nil {
		zap.L().Error("failed to start server", zap.Error(err))
		return 1
	}

	<-ctx.Done()
	zap.L().Info("shutting down")
	srv.Close()
	return 0
}

func newTransport(kind string) (transport.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "tcp":
		return tcp.New(), nil
	case "quic":
		return quic.New()
	case "mem":
		return mem.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", kind)
	}
}
