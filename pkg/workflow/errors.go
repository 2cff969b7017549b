package workflow

import (
	"errors"

	"github.com/example/nats-chat-group-service/pkg/presence"
)

// ErrInvalidSession is shared with the presence registry so callers can match
// either layer's rejection with a single errors.Is.
var ErrInvalidSession = presence.ErrInvalidSession

var (
	// ErrNotAuthorized means the caller is not the group's admin for an
	// admin-only action. Nothing is mutated.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrGroupNotFound means the named group does not exist.
	ErrGroupNotFound = errors.New("group not found")

	// ErrUserNotFound means the named user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrAlreadyMember means the requester already belongs to the group.
	ErrAlreadyMember = errors.New("already a member")

	// ErrAlreadyRequested means the requester's join request is still
	// queued for the admin's decision.
	ErrAlreadyRequested = errors.New("join request already pending")

	// ErrNotMember means the named user does not belong to the group.
	ErrNotMember = errors.New("not a member")

	// ErrAdminProtected means the operation would remove the group's admin.
	// Admins leave only through an explicit transfer or LeaveGroup.
	ErrAdminProtected = errors.New("cannot remove group admin")
)
