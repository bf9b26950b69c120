package natsconn_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nkeys"

	"github.com/example/nats-chat-realtime/pkg/natsconn"
	"github.com/example/nats-chat-realtime/pkg/natstest"
)

func TestConnect(t *testing.T) {
	srv := natstest.RunServer(t)

	nc, err := natsconn.Connect(context.Background(), natsconn.Options{
		URL:  srv.ClientURL(),
		Name: "natsconn-test",
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer nc.Close()

	if !nc.IsConnected() {
		t.Error("Expected connection to be established")
	}
}

func TestConnect_GivesUpAfterAttempts(t *testing.T) {
	start := time.Now()
	_, err := natsconn.Connect(context.Background(), natsconn.Options{
		URL:       "nats://127.0.0.1:1",
		Name:      "unreachable",
		Attempts:  2,
		RetryWait: 10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("Expected error connecting to an unreachable server")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Expected Connect to give up quickly, took %v", time.Since(start))
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := natsconn.Connect(ctx, natsconn.Options{
		URL:       "nats://127.0.0.1:1",
		Attempts:  5,
		RetryWait: time.Second,
	})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestConnect_InvalidSeed(t *testing.T) {
	_, err := natsconn.Connect(context.Background(), natsconn.Options{
		URL:      "nats://127.0.0.1:1",
		NKeySeed: "not-a-seed",
	})
	if err == nil {
		t.Fatal("Expected error for invalid NKey seed")
	}
}

func TestConnect_NKeySeed(t *testing.T) {
	kp, err := nkeys.CreateUser()
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	seed, _ := kp.Seed()
	pub, _ := kp.PublicKey()

	srv := natstest.RunServerWithNKey(t, pub)

	nc, err := natsconn.Connect(context.Background(), natsconn.Options{
		URL:      srv.ClientURL(),
		Name:     "nkey-test",
		NKeySeed: string(seed),
		Attempts: 1,
	})
	if err != nil {
		t.Fatalf("Connect with NKey failed: %v", err)
	}
	nc.Close()
}
