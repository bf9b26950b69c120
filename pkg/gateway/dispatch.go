package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/nats-chat-realtime/pkg/bus"
	"github.com/example/nats-chat-realtime/pkg/contract"
	"github.com/example/nats-chat-realtime/pkg/protocol"
)

// errorCode maps a collaborator error to the code of the error frame sent to
// the client.
func errorCode(err error) string {
	switch {
	case errors.Is(err, bus.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeBackendTimeout
	case errors.Is(err, bus.ErrBackendUnavailable), errors.Is(err, bus.ErrClosed):
		return protocol.CodeBackendUnavailable
	case bus.IsCode(err, contract.CodeNotMember):
		return protocol.CodeForbidden
	case bus.IsCode(err, contract.CodeInvalidRequest), bus.IsCode(err, bus.CodeBadRequest):
		return protocol.CodeInvalidPayload
	default:
		return protocol.CodeBackendError
	}
}

// handle processes one inbound frame. Frames of a connection are handled
// sequentially by its read pump, in arrival order.
func (c *Conn) handle(frame protocol.Frame) {
	if ack, ok := frame.(protocol.HeartbeatAck); ok {
		c.handleHeartbeatAck(ack)
		return
	}

	id, authenticated := c.Identity()
	if a, ok := frame.(protocol.Auth); ok {
		if authenticated || c.State() != StateAuthenticating {
			c.replyError(protocol.CodeInvalidPayload, "already authenticated")
			return
		}
		c.authenticate(a.Token)
		return
	}
	if !authenticated {
		c.replyError(protocol.CodeUnauthenticated, "authenticate before sending "+frame.FrameType())
		return
	}

	switch f := frame.(type) {
	case protocol.JoinRoom:
		c.handleJoin(id, f)
	case protocol.LeaveRoom:
		c.handleLeave(id, f)
	case protocol.SendMessage:
		c.handleSend(id, f)
	case protocol.Typing:
		c.handleTyping(id, f)
	}
}

func (c *Conn) handleHeartbeatAck(protocol.HeartbeatAck) {
	c.lastAck.Store(time.Now().UnixNano())
}

func (c *Conn) handleJoin(id contract.Identity, f protocol.JoinRoom) {
	if !contract.ValidRoomID(f.RoomID) {
		c.replyError(protocol.CodeInvalidPayload, "invalid roomId")
		return
	}
	gw := c.gw
	if gw.index.IsMember(f.RoomID, c.id) {
		c.reply(protocol.Joined(f.RoomID, id))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, gw.cfg.PersistTimeout)
	allowed, err := gw.admit(ctx, f.RoomID, id.UserID)
	cancel()
	if err != nil {
		c.log().Warn("Membership check failed", "room", f.RoomID, "error", err)
		c.replyError(errorCode(err), "join failed")
		return
	}
	if !allowed {
		c.log().Info("Rejected join", "room", f.RoomID)
		c.replyError(protocol.CodeForbidden, "not a member of "+f.RoomID)
		return
	}

	unlock := gw.users.lock(id.UserID)
	if c.State() != StateAuthenticated {
		unlock()
		return
	}
	firstInRoom := !gw.index.AnyMember(f.RoomID, gw.otherConns(id.UserID, c.id))
	if !gw.index.Join(f.RoomID, c.id) {
		unlock()
		c.reply(protocol.Joined(f.RoomID, id))
		return
	}
	if firstInRoom {
		gw.Broadcast(c.ctx, f.RoomID, protocol.Joined(f.RoomID, id), c.id)
		gw.presence.EnteredRoom(c.ctx, id.UserID, f.RoomID, c.id, true)
	}
	unlock()
	c.reply(protocol.Joined(f.RoomID, id))
	c.log().Info("User joined room", "room", f.RoomID)
}

func (c *Conn) handleLeave(id contract.Identity, f protocol.LeaveRoom) {
	if !contract.ValidRoomID(f.RoomID) {
		c.replyError(protocol.CodeInvalidPayload, "invalid roomId")
		return
	}
	gw := c.gw
	unlock := gw.users.lock(id.UserID)
	lastInRoom := false
	if gw.index.Leave(f.RoomID, c.id) {
		lastInRoom = !gw.index.AnyMember(f.RoomID, gw.otherConns(id.UserID, c.id))
		if lastInRoom {
			gw.Broadcast(c.ctx, f.RoomID, protocol.Left(f.RoomID, id), "")
		}
		c.log().Info("User left room", "room", f.RoomID)
	}
	unlock()
	if lastInRoom {
		gw.release(c.ctx, f.RoomID, id.UserID)
	}
	c.reply(protocol.Left(f.RoomID, id))
}

func (c *Conn) handleSend(id contract.Identity, f protocol.SendMessage) {
	gw := c.gw
	if !contract.ValidRoomID(f.RoomID) {
		c.replyError(protocol.CodeInvalidPayload, "invalid roomId")
		return
	}
	if !gw.index.IsMember(f.RoomID, c.id) {
		c.replyError(protocol.CodeForbidden, "not a member of "+f.RoomID)
		return
	}
	content := strings.TrimSpace(f.Content)
	if content == "" {
		c.replyError(protocol.CodeInvalidPayload, "content is empty")
		return
	}
	if len(f.Content) > gw.cfg.MaxContentBytes {
		c.replyError(protocol.CodeInvalidPayload, "content too long")
		return
	}

	if gw.cfg.Delivery == DeliveryAsync {
		rec := contract.MessageRecord{
			ID:        uuid.NewString(),
			RoomID:    f.RoomID,
			SenderID:  id.UserID,
			Content:   f.Content,
			Timestamp: time.Now().UnixMilli(),
		}
		gw.Broadcast(c.ctx, f.RoomID, protocol.NewMessage(rec), "")
		gw.journalAsync(rec)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, gw.cfg.PersistTimeout)
	rec, err := gw.store.AppendMessage(ctx, f.RoomID, id.UserID, f.Content)
	cancel()
	if err != nil {
		code := errorCode(err)
		c.log().Warn("Failed to persist message", "room", f.RoomID, "code", code, "error", err)
		c.replyError(code, "message not delivered")
		return
	}
	gw.Broadcast(c.ctx, f.RoomID, protocol.NewMessage(rec), "")
}

func (c *Conn) handleTyping(id contract.Identity, f protocol.Typing) {
	if !c.gw.index.IsMember(f.RoomID, c.id) {
		c.replyError(protocol.CodeForbidden, "not a member of "+f.RoomID)
		return
	}
	c.gw.Broadcast(c.ctx, f.RoomID, protocol.TypingEvent(f.RoomID, id.UserID, f.IsTyping), c.id)
}
