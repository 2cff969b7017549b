package main

import (
	"errors"
	"testing"

	"github.com/example/nats-chat-group-service/pkg/workflow"
)

func TestGroupID(t *testing.T) {
	cases := map[string]string{
		"group.join.request.g1": "g1",
		"group.members.abc-123": "abc-123",
		"noseparator":           "",
	}
	for subject, want := range cases {
		if got := groupID(subject); got != want {
			t.Errorf("groupID(%q) = %q, expected %q", subject, got, want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{workflow.ErrInvalidSession, "invalid_session"},
		{workflow.ErrNotAuthorized, "not_authorized"},
		{workflow.ErrGroupNotFound, "group_not_found"},
		{workflow.ErrUserNotFound, "user_not_found"},
		{workflow.ErrAlreadyMember, "already_member"},
		{workflow.ErrNotMember, "not_member"},
		{workflow.ErrAdminProtected, "admin_protected"},
		{errors.New("disk on fire"), "internal"},
	}
	for _, c := range cases {
		if got := errorCode(c.err); got != c.want {
			t.Errorf("errorCode(%v) = %q, expected %q", c.err, got, c.want)
		}
	}
}

func TestEnvIntOrDefault(t *testing.T) {
	t.Setenv("TEST_CACHE_SIZE", "99")
	if got := envIntOrDefault("TEST_CACHE_SIZE", 5); got != 99 {
		t.Errorf("Expected 99, got %d", got)
	}
	t.Setenv("TEST_CACHE_SIZE", "not-a-number")
	if got := envIntOrDefault("TEST_CACHE_SIZE", 5); got != 5 {
		t.Errorf("Expected fallback 5, got %d", got)
	}
	t.Setenv("TEST_CACHE_SIZE", "-3")
	if got := envIntOrDefault("TEST_CACHE_SIZE", 5); got != 5 {
		t.Errorf("Expected fallback for non-positive, got %d", got)
	}
}
