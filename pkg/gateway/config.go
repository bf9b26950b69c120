package gateway

import (
	"fmt"
	"time"
)

// DeliveryPolicy selects how send-message is persisted relative to fan-out.
type DeliveryPolicy string

const (
	// DeliverySync persists first and fans out the stored record. A persistence
	// failure is reported to the sender and nothing is delivered.
	DeliverySync DeliveryPolicy = "sync"
	// DeliveryAsync fans out immediately with a locally minted id and records
	// the message through the Journal in the background.
	DeliveryAsync DeliveryPolicy = "async"
)

// Config holds the per-connection limits and timers.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	WriteWait         time.Duration
	PersistTimeout    time.Duration
	SendBuffer        int
	MaxFrameBytes     int64
	MaxContentBytes   int
	Delivery          DeliveryPolicy
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		AuthTimeout:       10 * time.Second,
		WriteWait:         10 * time.Second,
		PersistTimeout:    5 * time.Second,
		SendBuffer:        256,
		MaxFrameBytes:     64 * 1024,
		MaxContentBytes:   4096,
		Delivery:          DeliverySync,
	}
}

// Validate checks that every timer and limit is usable.
func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive")
	case c.HeartbeatTimeout < c.HeartbeatInterval:
		return fmt.Errorf("heartbeat timeout %s shorter than interval %s", c.HeartbeatTimeout, c.HeartbeatInterval)
	case c.AuthTimeout <= 0:
		return fmt.Errorf("auth timeout must be positive")
	case c.WriteWait <= 0 || c.PersistTimeout <= 0:
		return fmt.Errorf("write wait and persist timeout must be positive")
	case c.SendBuffer <= 0:
		return fmt.Errorf("send buffer must be positive")
	case c.MaxFrameBytes <= 0 || c.MaxContentBytes <= 0:
		return fmt.Errorf("frame and content limits must be positive")
	}
	switch c.Delivery {
	case DeliverySync, DeliveryAsync:
	default:
		return fmt.Errorf("unknown delivery policy %q", c.Delivery)
	}
	return nil
}
