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
	"go.opentelemetry.io/otel"

	"github.com/example/nats-chat-realtime/pkg/auth"
	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/natsconn"
	"github.com/example/nats-chat-realtime/pkg/otelhelper"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()
	logger := otelhelper.SetupLogging("auth-service")

	otelShutdown, err := otelhelper.Init(ctx, "auth-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	keycloakURL := envOrDefault("KEYCLOAK_URL", "http://localhost:8080")
	keycloakRealm := envOrDefault("KEYCLOAK_REALM", "nats-chat")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var verifier auth.Verifier
	if secret := os.Getenv("AUTH_HMAC_SECRET"); secret != "" {
		slog.Info("Starting Auth Service", "nats_url", natsURL, "mode", "hmac")
		verifier = auth.NewHMACVerifier([]byte(secret), os.Getenv("AUTH_ISSUER"))
	} else {
		slog.Info("Starting Auth Service",
			"nats_url", natsURL,
			"keycloak_url", keycloakURL,
			"keycloak_realm", keycloakRealm,
		)
		kc, err := auth.NewKeycloakVerifier(sigCtx, auth.KeycloakConfig{
			URL:    keycloakURL,
			Realm:  keycloakRealm,
			Issuer: os.Getenv("KEYCLOAK_ISSUER_URL"),
		})
		if err != nil {
			slog.Error("Failed to initialize Keycloak verifier", "error", err)
			os.Exit(1)
		}
		defer kc.Close()
		verifier = kc
	}

	nc, err := natsconn.Connect(sigCtx, natsconn.Options{
		URL:      natsURL,
		Name:     "auth-service",
		User:     envOrDefault("NATS_USER", "auth-service"),
		Pass:     envOrDefault("NATS_PASS", "auth-service-secret"),
		NKeySeed: os.Getenv("NATS_NKEY_SEED"),
	})
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	srv := bus.NewServer(nc, contract.BackendAuth,
		bus.WithServerLogger(logger),
		bus.WithServerMeter(otel.Meter("auth-service")),
	)
	auth.RegisterHandlers(srv, verifier)
	if err := srv.Start(); err != nil {
		slog.Error("Failed to start bus server", "error", err)
		os.Exit(1)
	}

	<-sigCtx.Done()
	slog.Info("Shutting down auth service")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		slog.Warn("In-flight requests did not finish", "error", err)
	}
	if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		slog.Warn("NATS drain error", "error", err)
	}
}
