package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/natstest"
)

func startBackends(t *testing.T, mem *MemoryStore) *BusStore {
	t.Helper()
	srv, nc := natstest.Connect(t)

	rooms := bus.NewServer(natstest.Dial(t, srv), contract.BackendRoom)
	RegisterRoomHandlers(rooms, mem)
	require.NoError(t, rooms.Start())
	messages := bus.NewServer(natstest.Dial(t, srv), contract.BackendMessage)
	RegisterMessageHandlers(messages, mem)
	require.NoError(t, messages.Start())
	t.Cleanup(func() {
		_ = rooms.Stop(context.Background())
		_ = messages.Stop(context.Background())
	})

	client, err := bus.NewClient(nc, bus.WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, nc.Flush())
	return NewBusStore(client)
}

func TestBusStore_Messages(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	store := startBackends(t, mem)

	rec, err := store.AppendMessage(ctx, "general", "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Content)
	assert.NotEmpty(t, rec.ID)

	require.NoError(t, store.Record(ctx, contract.MessageRecord{ID: "m-1", RoomID: "general", SenderID: "bob", Content: "hey", Timestamp: 42}))
	require.NoError(t, store.Record(ctx, contract.MessageRecord{ID: "m-1", RoomID: "general", SenderID: "bob", Content: "hey", Timestamp: 42}))
	assert.Len(t, mem.Messages("general"), 2)

	_, err = store.AppendMessage(ctx, "general", "alice", "   ")
	assert.True(t, bus.IsCode(err, contract.CodeInvalidRequest))
	_, err = store.AppendMessage(ctx, "bad.room", "alice", "hi")
	assert.True(t, bus.IsCode(err, contract.CodeInvalidRequest))
}

func TestBusStore_Membership(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mem.SetPrivate("staff", "alice")
	store := startBackends(t, mem)

	member, err := store.IsMember(ctx, "staff", "bob")
	require.NoError(t, err)
	assert.False(t, member)
	member, err = store.IsMember(ctx, "staff", "alice")
	require.NoError(t, err)
	assert.True(t, member)

	joined, err := store.Join(ctx, "staff", "bob")
	require.NoError(t, err, "not-member is reported as false")
	assert.False(t, joined)

	joined, err = store.Join(ctx, "general", "bob")
	require.NoError(t, err)
	assert.True(t, joined)
	left, err := store.Leave(ctx, "general", "bob")
	require.NoError(t, err)
	assert.True(t, left)
}
