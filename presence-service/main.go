package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"

	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/natsconn"
	"github.com/example/nats-chat-realtime/pkg/otelhelper"
	"github.com/example/nats-chat-realtime/pkg/presence"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()
	logger := otelhelper.SetupLogging("presence-service")

	otelShutdown, err := otelhelper.Init(ctx, "presence-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	slog.Info("Starting Presence Service", "nats_url", natsURL)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := natsconn.Connect(sigCtx, natsconn.Options{
		URL:      natsURL,
		Name:     "presence-service",
		User:     envOrDefault("NATS_USER", "presence-service"),
		Pass:     envOrDefault("NATS_PASS", "presence-service-secret"),
		NKeySeed: os.Getenv("NATS_NKEY_SEED"),
	})
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	store, err := presence.NewKVStore(sigCtx, js)
	if err != nil {
		slog.Error("Failed to bind PRESENCE bucket", "error", err)
		os.Exit(1)
	}

	srv := bus.NewServer(nc, contract.BackendPresence,
		bus.WithServerLogger(logger),
		bus.WithServerMeter(otel.Meter("presence-service")),
	)
	presence.RegisterHandlers(srv, store)
	if err := srv.Start(); err != nil {
		slog.Error("Failed to start bus server", "error", err)
		os.Exit(1)
	}

	<-sigCtx.Done()
	slog.Info("Shutting down presence service")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		slog.Warn("In-flight requests did not finish", "error", err)
	}
	if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		slog.Warn("NATS drain error", "error", err)
	}
}
