// Package persistence holds the message and membership collaborators used by
// the gateway and the backends.
//
// The gateway talks to a Store (in-process or over the bus) and, for async
// delivery, a Journal. Backends implement the same operations on Postgres.
package persistence

import (
	"context"
	"errors"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

// ErrNotFound is returned when a requested message does not exist.
var ErrNotFound = errors.New("persistence: not found")

// Store is what the gateway needs from persistence.
type Store interface {
	// AppendMessage durably stores a message and returns the stored record.
	AppendMessage(ctx context.Context, roomID, senderID, content string) (contract.MessageRecord, error)
	// IsMember reports whether userID may take part in roomID.
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Journal records messages that were already fanned out. Recording the same
// message id twice stores it once.
type Journal interface {
	Record(ctx context.Context, rec contract.MessageRecord) error
}

// MessageCreator is implemented by backends that store messages.
type MessageCreator interface {
	CreateMessage(ctx context.Context, req contract.CreateMessageRequest) (contract.MessageRecord, error)
}

// Membership is implemented by backends that own room membership.
type Membership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	Join(ctx context.Context, roomID, userID string) (bool, error)
	Leave(ctx context.Context, roomID, userID string) (bool, error)
}
