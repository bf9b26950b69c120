package persistence

import (
	"context"
	"errors"
	"strings"

	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/contract"
)

// BusStore reaches the message and room backends over the bus. It implements
// Store and Journal.
type BusStore struct {
	inv bus.Invoker
}

func NewBusStore(inv bus.Invoker) *BusStore {
	return &BusStore{inv: inv}
}

func (s *BusStore) AppendMessage(ctx context.Context, roomID, senderID, content string) (contract.MessageRecord, error) {
	return bus.Call[contract.MessageRecord](ctx, s.inv, contract.BackendMessage, contract.MessageCreate,
		contract.CreateMessageRequest{RoomID: roomID, SenderID: senderID, Content: content})
}

func (s *BusStore) Record(ctx context.Context, rec contract.MessageRecord) error {
	_, err := s.inv.Invoke(ctx, contract.BackendMessage, contract.MessageCreate, contract.CreateMessageRequest(rec))
	return err
}

func (s *BusStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	resp, err := bus.Call[contract.MemberResponse](ctx, s.inv, contract.BackendRoom, contract.RoomIsMember,
		contract.MembershipRequest{RoomID: roomID, UserID: userID})
	return resp.Member, err
}

// Join registers the membership with the room backend. A not-member reply
// reports false without error.
func (s *BusStore) Join(ctx context.Context, roomID, userID string) (bool, error) {
	resp, err := bus.Call[contract.JoinResponse](ctx, s.inv, contract.BackendRoom, contract.RoomJoin,
		contract.MembershipRequest{RoomID: roomID, UserID: userID})
	if bus.IsCode(err, contract.CodeNotMember) {
		return false, nil
	}
	return resp.Joined, err
}

func (s *BusStore) Leave(ctx context.Context, roomID, userID string) (bool, error) {
	resp, err := bus.Call[contract.LeaveResponse](ctx, s.inv, contract.BackendRoom, contract.RoomLeave,
		contract.MembershipRequest{RoomID: roomID, UserID: userID})
	return resp.Left, err
}

func validMembership(req contract.MembershipRequest) error {
	if !contract.ValidRoomID(req.RoomID) || req.UserID == "" {
		return bus.NewError(contract.CodeInvalidRequest, "roomId and userId are required")
	}
	return nil
}

// RegisterRoomHandlers serves room.join, room.leave and room.isMember on s.
func RegisterRoomHandlers(s *bus.Server, m Membership) {
	bus.Handle(s, contract.RoomJoin, func(ctx context.Context, req contract.MembershipRequest) (contract.JoinResponse, error) {
		if err := validMembership(req); err != nil {
			return contract.JoinResponse{}, err
		}
		joined, err := m.Join(ctx, req.RoomID, req.UserID)
		if err != nil {
			return contract.JoinResponse{}, err
		}
		if !joined {
			return contract.JoinResponse{}, bus.NewError(contract.CodeNotMember, "%s is not a member of %s", req.UserID, req.RoomID)
		}
		return contract.JoinResponse{RoomID: req.RoomID, UserID: req.UserID, Joined: true}, nil
	})
	bus.Handle(s, contract.RoomLeave, func(ctx context.Context, req contract.MembershipRequest) (contract.LeaveResponse, error) {
		if err := validMembership(req); err != nil {
			return contract.LeaveResponse{}, err
		}
		left, err := m.Leave(ctx, req.RoomID, req.UserID)
		if err != nil {
			return contract.LeaveResponse{}, err
		}
		return contract.LeaveResponse{RoomID: req.RoomID, UserID: req.UserID, Left: left}, nil
	})
	bus.Handle(s, contract.RoomIsMember, func(ctx context.Context, req contract.MembershipRequest) (contract.MemberResponse, error) {
		if err := validMembership(req); err != nil {
			return contract.MemberResponse{}, err
		}
		member, err := m.IsMember(ctx, req.RoomID, req.UserID)
		return contract.MemberResponse{Member: member}, err
	})
}

// RegisterMessageHandlers serves message.create on s.
func RegisterMessageHandlers(s *bus.Server, c MessageCreator) {
	bus.Handle(s, contract.MessageCreate, func(ctx context.Context, req contract.CreateMessageRequest) (contract.MessageRecord, error) {
		if !contract.ValidRoomID(req.RoomID) || req.SenderID == "" {
			return contract.MessageRecord{}, bus.NewError(contract.CodeInvalidRequest, "roomId and senderId are required")
		}
		if strings.TrimSpace(req.Content) == "" {
			return contract.MessageRecord{}, bus.NewError(contract.CodeInvalidRequest, "content is empty")
		}
		rec, err := c.CreateMessage(ctx, req)
		if errors.Is(err, ErrNotFound) {
			return contract.MessageRecord{}, bus.NewError(contract.CodeNotFound, "message not found")
		}
		return rec, err
	})
}
