// Package presence turns session registry transitions into room-visible
// presence events.
//
// The Broadcaster holds no state of its own. Callers mutate the registry and
// the room index, then hand the reported outcome (first/last connection,
// rooms affected) to the Broadcaster, which decides what to emit.
package presence

import (
	"context"
	"log/slog"

	"github.com/example/nats-chat-realtime/pkg/protocol"
)

// Publisher delivers a frame to every member connection of a room except the
// connection with id except (ignored when empty).
type Publisher interface {
	Broadcast(ctx context.Context, roomID string, frame any, except string)
}

// Recorder persists a user's aggregate online status for other processes.
type Recorder interface {
	SetStatus(ctx context.Context, userID string, online bool) error
}

// Broadcaster emits presence frames through a Publisher and optionally mirrors
// transitions to a Recorder.
type Broadcaster struct {
	pub    Publisher
	rec    Recorder
	logger *slog.Logger
}

// NewBroadcaster returns a Broadcaster. rec may be nil.
func NewBroadcaster(pub Publisher, rec Recorder, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{pub: pub, rec: rec, logger: logger.With("component", "presence")}
}

// Connected reacts to a registry Register. When first is true the user just
// came online and every room in rooms receives presence{online:true}.
// It reports whether an event was emitted.
func (b *Broadcaster) Connected(ctx context.Context, userID string, first bool, rooms []string) bool {
	if !first {
		return false
	}
	b.record(ctx, userID, true)
	b.emit(ctx, userID, true, rooms, "")
	return true
}

// Disconnected reacts to a registry Unregister. rooms are the rooms the
// closing connection left. Only the user's last connection produces
// presence{online:false}.
func (b *Broadcaster) Disconnected(ctx context.Context, userID string, last bool, rooms []string) bool {
	if !last {
		return false
	}
	b.record(ctx, userID, false)
	b.emit(ctx, userID, false, rooms, "")
	return true
}

// EnteredRoom announces an online user to a room it just became visible in.
// firstInRoom is false when another connection of the same user was already
// a member, in which case the room already knows the user is online.
func (b *Broadcaster) EnteredRoom(ctx context.Context, userID, roomID, connID string, firstInRoom bool) bool {
	if !firstInRoom {
		return false
	}
	b.emit(ctx, userID, true, []string{roomID}, connID)
	return true
}

func (b *Broadcaster) emit(ctx context.Context, userID string, online bool, rooms []string, except string) {
	frame := protocol.Presence(userID, online)
	for _, room := range rooms {
		b.pub.Broadcast(ctx, room, frame, except)
	}
	b.logger.DebugContext(ctx, "Presence event", "user", userID, "online", online, "rooms", len(rooms))
}

func (b *Broadcaster) record(ctx context.Context, userID string, online bool) {
	if b.rec == nil {
		return
	}
	if err := b.rec.SetStatus(ctx, userID, online); err != nil {
		b.logger.WarnContext(ctx, "Failed to record presence", "user", userID, "online", online, "error", err)
	}
}
