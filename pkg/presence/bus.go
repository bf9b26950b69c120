package presence

import (
	"context"
	"errors"

	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/contract"
)

// StatusReader reads recorded presence.
type StatusReader interface {
	Get(ctx context.Context, userID string) (Status, error)
}

// RegisterHandlers serves presence.status on s. Users never recorded are
// reported offline.
func RegisterHandlers(s *bus.Server, r StatusReader) {
	bus.Handle(s, contract.PresenceStatus, func(ctx context.Context, req contract.PresenceRequest) (contract.PresenceResponse, error) {
		if req.UserID == "" {
			return contract.PresenceResponse{}, bus.NewError(contract.CodeInvalidRequest, "userId is required")
		}
		st, err := r.Get(ctx, req.UserID)
		if errors.Is(err, ErrUnknownUser) {
			return contract.PresenceResponse{UserID: req.UserID}, nil
		}
		if err != nil {
			return contract.PresenceResponse{}, err
		}
		return contract.PresenceResponse{UserID: req.UserID, Online: st.Online(), LastSeen: st.LastSeen}, nil
	})
}
