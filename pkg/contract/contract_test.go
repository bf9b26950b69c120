package contract

import "testing"

func TestValidRoomID(t *testing.T) {
	for id, want := range map[string]bool{
		"general":                 true,
		"team-42_ops":             true,
		"":                        false,
		"a.b":                     false,
		"chat>":                   false,
		"has space":               false,
		"wild*":                   false,
		string(make([]byte, 129)): false,
	} {
		if got := ValidRoomID(id); got != want {
			t.Errorf("ValidRoomID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestMessageSubject(t *testing.T) {
	if got := MessageSubject("general"); got != "chat.general" {
		t.Errorf("MessageSubject = %q", got)
	}
}
