package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chat-realtime/pkg/contract"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Frame
	}{
		{"auth", `{"type":"auth","token":"abc"}`, Auth{Token: "abc"}},
		{"join", `{"type":"join-room","roomId":"general"}`, JoinRoom{RoomID: "general"}},
		{"leave", `{"type":"leave-room","roomId":"general"}`, LeaveRoom{RoomID: "general"}},
		{"send", `{"type":"send-message","roomId":"general","content":"hello"}`, SendMessage{RoomID: "general", Content: "hello"}},
		{"typing", `{"type":"typing","roomId":"general","isTyping":true}`, Typing{RoomID: "general", IsTyping: true}},
		{"ack", `{"type":"heartbeat-ack"}`, HeartbeatAck{}},
		{"unknown fields ignored", `{"type":"join-room","roomId":"r","extra":1}`, JoinRoom{RoomID: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.FrameType(), got.FrameType())
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{
		``,
		`not json`,
		`[1,2]`,
		`{"roomId":"general"}`,
		`{"type":42}`,
		`{"type":"dance"}`,
	} {
		_, err := Decode([]byte(in))
		assert.True(t, errors.Is(err, ErrMalformed), "input %q: got %v", in, err)
	}
}

func TestDecode_InvalidPayload(t *testing.T) {
	for _, in := range []string{
		`{"type":"join-room","roomId":7}`,
		`{"type":"send-message","roomId":"r","content":["a"]}`,
		`{"type":"typing","roomId":"r","isTyping":"yes"}`,
		`{"type":"auth","token":{}}`,
	} {
		_, err := Decode([]byte(in))
		assert.True(t, errors.Is(err, ErrInvalidPayload), "input %q: got %v", in, err)
		assert.False(t, errors.Is(err, ErrMalformed), "input %q must not be a protocol failure", in)
	}
}

func TestEncode_NewMessage(t *testing.T) {
	data, err := Encode(NewMessage(contract.MessageRecord{
		ID: "m1", RoomID: "general", SenderID: "alice", Content: "hello", Timestamp: 1700000000000,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"new-message","roomId":"general","id":"m1","senderId":"alice","content":"hello","serverTimestamp":1700000000000}`, string(data))
}

func TestEncode_Frames(t *testing.T) {
	alice := contract.Identity{UserID: "alice", DisplayName: "Alice"}
	tests := []struct {
		name  string
		frame any
		want  string
	}{
		{"joined", Joined("general", alice), `{"type":"joined","roomId":"general","identity":{"userId":"alice","displayName":"Alice"}}`},
		{"left", Left("general", alice), `{"type":"left","roomId":"general","identity":{"userId":"alice","displayName":"Alice"}}`},
		{"typing", TypingEvent("general", "alice", false), `{"type":"typing","roomId":"general","userId":"alice","isTyping":false}`},
		{"presence", Presence("alice", true), `{"type":"presence","userId":"alice","online":true}`},
		{"error", Error(CodeForbidden, "not a member"), `{"type":"error","code":"forbidden","message":"not a member"}`},
		{"heartbeat", Heartbeat(), `{"type":"heartbeat"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.frame)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}
