package model

import "testing"

func TestSession_Expired(t *testing.T) {
	s := Session{SessionID: "s1", UserID: "u1", ExpiresAt: 1000}
	if s.Expired(999) {
		t.Error("Expected session live before expiry")
	}
	if !s.Expired(1000) {
		t.Error("Expected session expired at the boundary")
	}

	forever := Session{SessionID: "s2", UserID: "u2"}
	if forever.Expired(1 << 60) {
		t.Error("Expected zero ExpiresAt to never expire")
	}
}

func TestUser_Name(t *testing.T) {
	u := User{UserID: "u1", Username: "alice", DisplayName: "Alice A"}
	if u.Name() != "Alice A" {
		t.Errorf("Expected display name, got %q", u.Name())
	}
	u.DisplayName = ""
	if u.Name() != "alice" {
		t.Errorf("Expected username fallback, got %q", u.Name())
	}
}

func TestMembershipKey(t *testing.T) {
	if got := MembershipKey("g1", "u1"); got != "g1:u1" {
		t.Errorf("Expected g1:u1, got %q", got)
	}
}
