package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/natstest"
)

func TestStreamJournal_ConsumedOnce(t *testing.T) {
	ctx := context.Background()
	_, nc := natstest.Connect(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := EnsureStream(ctx, js)
	require.NoError(t, err)

	journal := NewStreamJournal(js)
	rec := contract.MessageRecord{ID: "m-1", RoomID: "general", SenderID: "alice", Content: "hello", Timestamp: 1000}
	require.NoError(t, journal.Record(ctx, rec))
	require.NoError(t, journal.Record(ctx, rec), "duplicate publish is accepted")
	require.NoError(t, journal.Record(ctx, contract.MessageRecord{ID: "m-2", RoomID: "random", SenderID: "bob", Content: "hi", Timestamp: 2000}))

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	mem := NewMemoryStore()
	cc, err := (&Consumer{Durable: "persist-test", Creator: mem}).Start(ctx, stream)
	require.NoError(t, err)
	defer cc.Stop()

	require.Eventually(t, func() bool {
		return len(mem.Messages("general")) == 1 && len(mem.Messages("random")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, rec, mem.Messages("general")[0])
}

func TestKVMembership_Mirrors(t *testing.T) {
	ctx := context.Background()
	_, nc := natstest.Connect(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	mem := NewMemoryStore()
	mem.SetPrivate("staff", "alice")
	m, err := NewKVMembership(ctx, js, mem, nil)
	require.NoError(t, err)

	joined, err := m.Join(ctx, "general", "bob")
	require.NoError(t, err)
	assert.True(t, joined)
	joined, err = m.Join(ctx, "staff", "bob")
	require.NoError(t, err)
	assert.False(t, joined)

	members, err := m.Members(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
	members, err = m.Members(ctx, "staff")
	require.NoError(t, err)
	assert.Empty(t, members)

	left, err := m.Leave(ctx, "general", "bob")
	require.NoError(t, err)
	assert.True(t, left)
	members, err = m.Members(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, members)
}
