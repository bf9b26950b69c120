package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

func TestMemoryStore_CreateMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.AppendMessage(ctx, "general", "alice", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.NotZero(t, rec.Timestamp)

	again, err := s.CreateMessage(ctx, contract.CreateMessageRequest{ID: rec.ID, RoomID: "general", SenderID: "alice", Content: "changed"})
	require.NoError(t, err)
	assert.Equal(t, rec, again)
	assert.Len(t, s.Messages("general"), 1)
}

func TestMemoryStore_PrivateRooms(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetPrivate("staff", "alice")

	ok, err := s.IsMember(ctx, "staff", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.IsMember(ctx, "staff", "bob")
	assert.False(t, ok)
	ok, _ = s.IsMember(ctx, "general", "bob")
	assert.True(t, ok, "unknown rooms are open")

	joined, _ := s.Join(ctx, "staff", "bob")
	assert.False(t, joined)
	joined, _ = s.Join(ctx, "general", "bob")
	assert.True(t, joined)
	assert.Equal(t, []string{"bob"}, s.Members("general"))

	left, _ := s.Leave(ctx, "general", "bob")
	assert.True(t, left)
	left, _ = s.Leave(ctx, "general", "bob")
	assert.False(t, left)
}
