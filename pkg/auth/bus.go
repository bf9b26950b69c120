package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/contract"
)

// BusVerifier verifies credentials through the auth backend (auth.verify).
type BusVerifier struct {
	inv bus.Invoker
}

func NewBusVerifier(inv bus.Invoker) *BusVerifier {
	return &BusVerifier{inv: inv}
}

// Verify returns ErrInvalidCredential when the backend rejects the credential
// and passes transport errors (bus.ErrTimeout, bus.ErrBackendUnavailable)
// through unchanged.
func (v *BusVerifier) Verify(ctx context.Context, credential string) (contract.Identity, error) {
	if credential == "" {
		return contract.Identity{}, ErrInvalidCredential
	}
	id, err := bus.Call[contract.Identity](ctx, v.inv, contract.BackendAuth, contract.AuthVerify,
		contract.VerifyRequest{Credential: credential})
	if bus.IsCode(err, contract.CodeInvalidCredential) {
		return contract.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err != nil {
		return contract.Identity{}, err
	}
	if id.UserID == "" {
		return contract.Identity{}, ErrInvalidCredential
	}
	return id, nil
}

// RegisterHandlers serves auth.verify on s using v.
func RegisterHandlers(s *bus.Server, v Verifier) {
	bus.Handle(s, contract.AuthVerify, func(ctx context.Context, req contract.VerifyRequest) (contract.Identity, error) {
		id, err := v.Verify(ctx, req.Credential)
		if errors.Is(err, ErrInvalidCredential) {
			slog.DebugContext(ctx, "Rejected credential", "error", err)
			return contract.Identity{}, bus.NewError(contract.CodeInvalidCredential, "credential rejected")
		}
		if err != nil {
			return contract.Identity{}, err
		}
		return id, nil
	})
}
