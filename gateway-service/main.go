package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"

	"github.com/example/nats-chat-realtime/pkg/auth"
	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/gateway"
	"github.com/example/nats-chat-realtime/pkg/natsconn"
	"github.com/example/nats-chat-realtime/pkg/otelhelper"
	"github.com/example/nats-chat-realtime/pkg/persistence"
	"github.com/example/nats-chat-realtime/pkg/presence"
)

func main() {
	ctx := context.Background()
	logger := otelhelper.SetupLogging("gateway")

	otelShutdown, err := otelhelper.Init(ctx, "gateway")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := loadConfig("gateway")
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting Gateway", "addr", cfg.ListenAddr, "nats_url", cfg.NATS.URL,
		"auth_mode", cfg.AuthMode, "persistence", cfg.Persistence, "delivery", cfg.Gateway.Delivery)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := natsconn.Connect(sigCtx, cfg.NATS)
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

	client, err := bus.NewClient(nc,
		bus.WithTimeout(cfg.BusTimeout),
		bus.WithBreaker(cfg.BusBreakerFails, cfg.BusBreakerCool),
		bus.WithClientLogger(logger),
		bus.WithClientMeter(otel.Meter("gateway")),
	)
	if err != nil {
		slog.Error("Failed to start bus client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	verifier, closeVerifier, err := newVerifier(sigCtx, cfg, client)
	if err != nil {
		slog.Error("Failed to initialize verifier", "error", err)
		os.Exit(1)
	}
	defer closeVerifier()

	deps := gateway.Deps{Verifier: verifier, Logger: logger}
	switch cfg.Persistence {
	case "memory":
		deps.Store = persistence.NewMemoryStore()
	default:
		deps.Store = persistence.NewBusStore(client)
	}
	if cfg.Gateway.Delivery == gateway.DeliveryAsync && cfg.Persistence == "bus" {
		if _, err := persistence.EnsureStream(sigCtx, js); err != nil {
			slog.Error("Failed to ensure message stream", "error", err)
			os.Exit(1)
		}
		deps.Journal = persistence.NewStreamJournal(js)
	}
	if cfg.PresenceMirror {
		kv, err := presence.NewKVStore(sigCtx, js, presence.WithInstance(cfg.InstanceID))
		if err != nil {
			slog.Error("Failed to bind presence bucket", "error", err)
			os.Exit(1)
		}
		deps.Recorder = kv
	}

	gw, err := gateway.New(cfg.Gateway, deps)
	if err != nil {
		slog.Error("Failed to create gateway", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/healthz", gw.HealthHandler())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-sigCtx.Done()
	slog.Info("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Connections did not close in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		slog.Warn("NATS drain error", "error", err)
	}
}

// newVerifier builds the credential verifier selected by cfg.AuthMode and a
// function releasing its resources.
func newVerifier(ctx context.Context, cfg Config, inv bus.Invoker) (auth.Verifier, func(), error) {
	switch cfg.AuthMode {
	case "keycloak":
		v, err := auth.NewKeycloakVerifier(ctx, auth.KeycloakConfig{
			URL:    cfg.KeycloakURL,
			Realm:  cfg.KeycloakRealm,
			Issuer: cfg.KeycloakIssuer,
		})
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	case "hmac":
		return auth.NewHMACVerifier([]byte(cfg.HMACSecret), ""), func() {}, nil
	default:
		return auth.NewBusVerifier(inv), func() {}, nil
	}
}
