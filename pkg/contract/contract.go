// Package contract is the versioned table of bus patterns and their payloads.
//
// Adding a pattern is backward compatible; renaming or removing one is a
// breaking change for every caller.
package contract

// Backend names. Each backend listens on bus subject "rpc.<backend>".
const (
	BackendRoom     = "room"
	BackendMessage  = "message"
	BackendAuth     = "auth"
	BackendPresence = "presence"
)

// Pattern names.
const (
	RoomJoin       = "room.join"
	RoomLeave      = "room.leave"
	RoomIsMember   = "room.isMember"
	MessageCreate  = "message.create"
	AuthVerify     = "auth.verify"
	PresenceStatus = "presence.status"
)

// Application error codes returned by backends.
const (
	CodeNotMember         = "not-member"
	CodeInvalidRequest    = "invalid-request"
	CodeInvalidCredential = "invalid-credential"
	CodeNotFound          = "not-found"
)

// Identity is an authenticated user.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// MembershipRequest is the payload of room.join, room.leave and room.isMember.
type MembershipRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// JoinResponse is the reply to room.join.
type JoinResponse struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Joined bool   `json:"joined"`
}

// LeaveResponse is the reply to room.leave.
type LeaveResponse struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Left   bool   `json:"left"`
}

// MemberResponse is the reply to room.isMember.
type MemberResponse struct {
	Member bool `json:"member"`
}

// CreateMessageRequest is the payload of message.create. ID is optional; when
// set the backend stores the message idempotently under it.
type CreateMessageRequest struct {
	ID        string `json:"id,omitempty"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// MessageRecord is a durably stored chat message.
type MessageRecord struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// VerifyRequest is the payload of auth.verify.
type VerifyRequest struct {
	Credential string `json:"credential"`
}

// PresenceRequest is the payload of presence.status.
type PresenceRequest struct {
	UserID string `json:"userId"`
}

// PresenceResponse is the reply to presence.status.
type PresenceResponse struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// ValidRoomID reports whether id can be used as a room id. Room ids become a
// subject token, so they are limited to letters, digits, '-' and '_'.
func ValidRoomID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// MessageSubject is the JetStream subject an asynchronously persisted message
// for room is published on.
func MessageSubject(room string) string {
	return "chat." + room
}

// MessageStream is the JetStream stream holding chat messages awaiting persistence.
const MessageStream = "CHAT_MESSAGES"
