package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/nats-chat-realtime/pkg/gateway"
	"github.com/example/nats-chat-realtime/pkg/natsconn"
)

// Config is the gateway process configuration: defaults, then an optional
// gateway.yaml in the working directory, then GATEWAY_* environment variables
// (e.g. GATEWAY_HEARTBEAT_TIMEOUT=45s, GATEWAY_NATS_URL=...).
type Config struct {
	ListenAddr string
	NATS       natsconn.Options

	// AuthMode is "bus" (auth.verify on the auth backend), "keycloak" or "hmac".
	AuthMode       string
	HMACSecret     string
	KeycloakURL    string
	KeycloakRealm  string
	KeycloakIssuer string
	// Persistence is "bus" or "memory".
	Persistence    string
	PresenceMirror bool
	// InstanceID names this gateway in the PRESENCE bucket keys.
	InstanceID      string
	BusTimeout      time.Duration
	BusBreakerFails int
	BusBreakerCool  time.Duration
	ShutdownTimeout time.Duration
	Gateway         gateway.Config
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "gateway"
}

func newViper(fileName string) *viper.Viper {
	v := viper.New()
	d := gateway.DefaultConfig()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.user", "gateway")
	v.SetDefault("nats.pass", "gateway-secret")
	v.SetDefault("nats.nkey_seed", "")
	v.SetDefault("auth_mode", "bus")
	v.SetDefault("hmac_secret", "")
	v.SetDefault("keycloak.url", "http://localhost:8080")
	v.SetDefault("keycloak.realm", "nats-chat")
	v.SetDefault("keycloak.issuer", "")
	v.SetDefault("persistence", "bus")
	v.SetDefault("presence_mirror", true)
	v.SetDefault("instance_id", defaultInstanceID())
	v.SetDefault("bus.timeout", "5s")
	v.SetDefault("bus.breaker_failures", 5)
	v.SetDefault("bus.breaker_cooldown", "30s")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("heartbeat.interval", d.HeartbeatInterval)
	v.SetDefault("heartbeat.timeout", d.HeartbeatTimeout)
	v.SetDefault("auth_timeout", d.AuthTimeout)
	v.SetDefault("write_wait", d.WriteWait)
	v.SetDefault("persist_timeout", d.PersistTimeout)
	v.SetDefault("send_buffer", d.SendBuffer)
	v.SetDefault("max_frame_bytes", d.MaxFrameBytes)
	v.SetDefault("max_content_bytes", d.MaxContentBytes)
	v.SetDefault("delivery", string(d.Delivery))
	v.SetDefault("allowed_origins", []string{})

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func loadConfig(fileName string) (Config, error) {
	v := newViper(fileName)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		slog.Debug("Config file not found, using defaults and environment", "name", fileName)
	}

	cfg := Config{
		ListenAddr: v.GetString("listen_addr"),
		NATS: natsconn.Options{
			URL:      v.GetString("nats.url"),
			Name:     "gateway",
			User:     v.GetString("nats.user"),
			Pass:     v.GetString("nats.pass"),
			NKeySeed: v.GetString("nats.nkey_seed"),
		},
		AuthMode:        v.GetString("auth_mode"),
		HMACSecret:      v.GetString("hmac_secret"),
		KeycloakURL:     v.GetString("keycloak.url"),
		KeycloakRealm:   v.GetString("keycloak.realm"),
		KeycloakIssuer:  v.GetString("keycloak.issuer"),
		Persistence:     v.GetString("persistence"),
		PresenceMirror:  v.GetBool("presence_mirror"),
		InstanceID:      v.GetString("instance_id"),
		BusTimeout:      v.GetDuration("bus.timeout"),
		BusBreakerFails: v.GetInt("bus.breaker_failures"),
		BusBreakerCool:  v.GetDuration("bus.breaker_cooldown"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Gateway: gateway.Config{
			HeartbeatInterval: v.GetDuration("heartbeat.interval"),
			HeartbeatTimeout:  v.GetDuration("heartbeat.timeout"),
			AuthTimeout:       v.GetDuration("auth_timeout"),
			WriteWait:         v.GetDuration("write_wait"),
			PersistTimeout:    v.GetDuration("persist_timeout"),
			SendBuffer:        v.GetInt("send_buffer"),
			MaxFrameBytes:     v.GetInt64("max_frame_bytes"),
			MaxContentBytes:   v.GetInt("max_content_bytes"),
			Delivery:          gateway.DeliveryPolicy(v.GetString("delivery")),
			AllowedOrigins:    v.GetStringSlice("allowed_origins"),
		},
	}

	switch cfg.AuthMode {
	case "bus", "keycloak":
	case "hmac":
		if cfg.HMACSecret == "" {
			return Config{}, errors.New("auth_mode hmac requires hmac_secret")
		}
	default:
		return Config{}, fmt.Errorf("unknown auth_mode %q", cfg.AuthMode)
	}
	switch cfg.Persistence {
	case "bus", "memory":
	default:
		return Config{}, fmt.Errorf("unknown persistence %q", cfg.Persistence)
	}
	if err := cfg.Gateway.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
