// Package natstest runs embedded NATS servers for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func options(t *testing.T) *server.Options {
	return &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
}

func start(t *testing.T, opts *server.Options) *server.Server {
	t.Helper()
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("Failed to create NATS server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

// RunServer starts a JetStream-enabled server on a random port. It is shut
// down when the test ends.
func RunServer(t *testing.T) *server.Server {
	t.Helper()
	return start(t, options(t))
}

// RunServerWithNKey starts a server that only accepts the given NKey user.
func RunServerWithNKey(t *testing.T, pub string) *server.Server {
	t.Helper()
	opts := options(t)
	opts.Nkeys = []*server.NkeyUser{{Nkey: pub}}
	return start(t, opts)
}

// Connect starts a server and returns a client connection to it.
func Connect(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()
	srv := RunServer(t)
	nc := Dial(t, srv)
	return srv, nc
}

// Dial opens an additional client connection to srv.
func Dial(t *testing.T, srv *server.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
