// Package protocol defines the JSON frames exchanged with websocket clients.
//
// Every frame is a JSON object whose "type" field selects its shape, e.g.
//
//	{"type":"join-room","roomId":"general"}
//	{"type":"new-message","roomId":"general","id":"...","senderId":"alice","content":"hi","serverTimestamp":1700000000000}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

// Inbound frame types.
const (
	TypeAuth         = "auth"
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeSendMessage  = "send-message"
	TypeTyping       = "typing"
	TypeHeartbeatAck = "heartbeat-ack"
)

// Outbound frame types. TypeTyping is shared with inbound.
const (
	TypeAuthenticated = "authenticated"
	TypeJoined        = "joined"
	TypeLeft          = "left"
	TypeNewMessage    = "new-message"
	TypePresence      = "presence"
	TypeError         = "error"
	TypeHeartbeat     = "heartbeat"
)

// Error codes carried by error frames and close reasons.
const (
	CodeInvalidCredential  = "invalid-credential"
	CodeUnauthenticated    = "unauthenticated"
	CodeForbidden          = "forbidden"
	CodeInvalidPayload     = "invalid-payload"
	CodeBackendTimeout     = "backend-timeout"
	CodeBackendUnavailable = "backend-unavailable"
	CodeBackendError       = "backend-error"
	CodeProtocolError      = "protocol-error"
	CodeHeartbeatTimeout   = "heartbeat-timeout"
)

var (
	// ErrMalformed is returned by Decode for frames that are not JSON
	// objects with a known type. Callers treat it as a protocol failure.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrInvalidPayload is returned when a frame of a known type has fields
	// of the wrong shape. The frame is rejected; the connection stays open.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Frame is implemented by every inbound frame.
type Frame interface {
	FrameType() string
}

type Auth struct {
	Token string `json:"token"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type Typing struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type HeartbeatAck struct{}

func (Auth) FrameType() string         { return TypeAuth }
func (JoinRoom) FrameType() string     { return TypeJoinRoom }
func (LeaveRoom) FrameType() string    { return TypeLeaveRoom }
func (SendMessage) FrameType() string  { return TypeSendMessage }
func (Typing) FrameType() string       { return TypeTyping }
func (HeartbeatAck) FrameType() string { return TypeHeartbeatAck }

// Decode parses one inbound frame. The result is one of the value types
// Auth, JoinRoom, LeaveRoom, SendMessage, Typing or HeartbeatAck.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var (
		f   Frame
		err error
	)
	switch typ.Str {
	case TypeAuth:
		var v Auth
		err = json.Unmarshal(data, &v)
		f = v
	case TypeJoinRoom:
		var v JoinRoom
		err = json.Unmarshal(data, &v)
		f = v
	case TypeLeaveRoom:
		var v LeaveRoom
		err = json.Unmarshal(data, &v)
		f = v
	case TypeSendMessage:
		var v SendMessage
		err = json.Unmarshal(data, &v)
		f = v
	case TypeTyping:
		var v Typing
		err = json.Unmarshal(data, &v)
		f = v
	case TypeHeartbeatAck:
		f = HeartbeatAck{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, typ.Str)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, typ.Str, err)
	}
	return f, nil
}

// Outbound frames. Each carries its type so it can be marshalled directly.

type AuthenticatedFrame struct {
	Type     string            `json:"type"`
	Identity contract.Identity `json:"identity"`
}

type MembershipFrame struct {
	Type     string            `json:"type"`
	RoomID   string            `json:"roomId"`
	Identity contract.Identity `json:"identity"`
}

type NewMessageFrame struct {
	Type            string `json:"type"`
	RoomID          string `json:"roomId"`
	ID              string `json:"id,omitempty"`
	SenderID        string `json:"senderId"`
	Content         string `json:"content"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type TypingFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type PresenceFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HeartbeatFrame struct {
	Type string `json:"type"`
}

func Authenticated(id contract.Identity) AuthenticatedFrame {
	return AuthenticatedFrame{Type: TypeAuthenticated, Identity: id}
}

func Joined(roomID string, id contract.Identity) MembershipFrame {
	return MembershipFrame{Type: TypeJoined, RoomID: roomID, Identity: id}
}

func Left(roomID string, id contract.Identity) MembershipFrame {
	return MembershipFrame{Type: TypeLeft, RoomID: roomID, Identity: id}
}

// NewMessage builds the fan-out frame for a stored message.
func NewMessage(rec contract.MessageRecord) NewMessageFrame {
	return NewMessageFrame{
		Type:            TypeNewMessage,
		RoomID:          rec.RoomID,
		ID:              rec.ID,
		SenderID:        rec.SenderID,
		Content:         rec.Content,
		ServerTimestamp: rec.Timestamp,
	}
}

func TypingEvent(roomID, userID string, isTyping bool) TypingFrame {
	return TypingFrame{Type: TypeTyping, RoomID: roomID, UserID: userID, IsTyping: isTyping}
}

func Presence(userID string, online bool) PresenceFrame {
	return PresenceFrame{Type: TypePresence, UserID: userID, Online: online}
}

func Error(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}

func Heartbeat() HeartbeatFrame {
	return HeartbeatFrame{Type: TypeHeartbeat}
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
