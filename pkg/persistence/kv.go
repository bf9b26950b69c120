package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// RoomsBucket mirrors room membership as keys "{room}.{userId}".
const RoomsBucket = "ROOMS"

// KVMembership wraps a Membership and mirrors successful joins and leaves
// into the ROOMS bucket so other processes can watch membership.
type KVMembership struct {
	Membership
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewKVMembership creates or binds the ROOMS bucket.
func NewKVMembership(ctx context.Context, js jetstream.JetStream, m Membership, logger *slog.Logger) (*KVMembership, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  RoomsBucket,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", RoomsBucket, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KVMembership{Membership: m, kv: kv, logger: logger}, nil
}

func roomKey(roomID, userID string) string {
	return roomID + "." + userID
}

func (m *KVMembership) Join(ctx context.Context, roomID, userID string) (bool, error) {
	joined, err := m.Membership.Join(ctx, roomID, userID)
	if err != nil || !joined {
		return joined, err
	}
	if _, err := m.kv.Put(ctx, roomKey(roomID, userID), []byte("{}")); err != nil {
		m.logger.WarnContext(ctx, "Failed to mirror join to KV", "room", roomID, "user", userID, "error", err)
	}
	return true, nil
}

func (m *KVMembership) Leave(ctx context.Context, roomID, userID string) (bool, error) {
	left, err := m.Membership.Leave(ctx, roomID, userID)
	if err != nil || !left {
		return left, err
	}
	if err := m.kv.Delete(ctx, roomKey(roomID, userID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		m.logger.WarnContext(ctx, "Failed to mirror leave to KV", "room", roomID, "user", userID, "error", err)
	}
	return true, nil
}

// Members lists the users mirrored for roomID.
func (m *KVMembership) Members(ctx context.Context, roomID string) ([]string, error) {
	lister, err := m.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", RoomsBucket, err)
	}
	defer lister.Stop()
	var out []string
	prefix := roomID + "."
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	return out, nil
}
