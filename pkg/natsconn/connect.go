// Package natsconn connects services to NATS with the retry and reconnect
// behaviour every process in this repository shares.
package natsconn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// Options configures Connect.
type Options struct {
	URL  string
	Name string
	User string
	Pass string
	// NKeySeed, when set, authenticates with the NKey derived from the seed
	// instead of User/Pass.
	NKeySeed string

	Attempts  int
	RetryWait time.Duration

	// OnReconnect runs after NATS reconnects (e.g. to re-hydrate local caches).
	OnReconnect func(*nats.Conn)
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 30
	}
	if o.RetryWait <= 0 {
		o.RetryWait = 2 * time.Second
	}
	return o
}

// natsOptions builds the nats.Option list for o.
func (o Options) natsOptions() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(o.RetryWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "name", o.Name, "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "name", o.Name, "url", nc.ConnectedUrl())
			if o.OnReconnect != nil {
				o.OnReconnect(nc)
			}
		}),
	}

	switch {
	case o.NKeySeed != "":
		kp, err := nkeys.FromSeed([]byte(o.NKeySeed))
		if err != nil {
			return nil, fmt.Errorf("failed to parse NKey seed: %w", err)
		}
		pub, err := kp.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive NKey public key: %w", err)
		}
		opts = append(opts, nats.Nkey(pub, kp.Sign))
	case o.User != "":
		opts = append(opts, nats.UserInfo(o.User, o.Pass))
	}
	return opts, nil
}

// Connect dials NATS, retrying until Attempts is exhausted or ctx is done.
func Connect(ctx context.Context, o Options) (*nats.Conn, error) {
	o = o.withDefaults()
	opts, err := o.natsOptions()
	if err != nil {
		return nil, err
	}

	var nc *nats.Conn
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		nc, err = nats.Connect(o.URL, opts...)
		if err == nil {
			slog.Info("Connected to NATS", "name", o.Name, "url", nc.ConnectedUrl())
			return nc, nil
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.RetryWait):
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS at %s: %w", o.URL, err)
}
