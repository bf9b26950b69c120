package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
	if cfg.HeartbeatInterval != 10*time.Second || cfg.HeartbeatTimeout != 30*time.Second {
		t.Errorf("Expected heartbeat 10s/30s, got %s/%s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
	if cfg.SendBuffer != 256 {
		t.Errorf("Expected send buffer 256, got %d", cfg.SendBuffer)
	}
	if cfg.Delivery != DeliverySync {
		t.Errorf("Expected sync delivery, got %s", cfg.Delivery)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"timeout below interval", func(c *Config) { c.HeartbeatTimeout = time.Second }},
		{"zero auth timeout", func(c *Config) { c.AuthTimeout = 0 }},
		{"zero buffer", func(c *Config) { c.SendBuffer = 0 }},
		{"zero frame limit", func(c *Config) { c.MaxFrameBytes = 0 }},
		{"unknown delivery", func(c *Config) { c.Delivery = "eventually" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateAuthenticated:  "authenticated",
		StateClosing:        "closing",
		StateClosed:         "closed",
		State(99):           "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestCredential(t *testing.T) {
	tests := []struct {
		header, query, want string
	}{
		{"Bearer abc", "", "abc"},
		{"bearer  abc ", "", "abc"},
		{"", "xyz", "xyz"},
		{"Basic abc", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		r := httptestRequest(tt.header, tt.query)
		if got := credential(r); got != tt.want {
			t.Errorf("credential(%q, %q) = %q, want %q", tt.header, tt.query, got, tt.want)
		}
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://chat.example.com/"})
	for origin, want := range map[string]bool{
		"":                         true,
		"https://chat.example.com": true,
		"https://CHAT.example.com": true,
		"https://evil.example.com": false,
		"http://chat.example.com":  false,
	} {
		r := httptestRequest("", "")
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := check(r); got != want {
			t.Errorf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}

func httptestRequest(authHeader, token string) *http.Request {
	target := "/ws"
	if token != "" {
		target += "?token=" + token
	}
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	return r
}
