package workflow

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/example/nats-chat-group-service/pkg/model"
)

// CreateGroup makes a new group with the caller as admin and sole member.
func (e *Engine) CreateGroup(ctx context.Context, sessionID, name, description string, deleteOnAdminExit bool) (model.Group, error) {
	userID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return model.Group{}, err
	}

	now := e.now().UnixMilli()
	group := model.Group{
		GroupID:           uuid.NewString(),
		Name:              name,
		Description:       description,
		AdminID:           userID,
		CreatorID:         userID,
		CreatedAt:         now,
		DeleteOnAdminExit: deleteOnAdminExit,
	}
	if err := e.groups.Save(ctx, group); err != nil {
		return model.Group{}, err
	}
	m := model.Membership{
		GroupID:  group.GroupID,
		UserID:   userID,
		State:    model.MemberActive,
		JoinedAt: now,
		IsAdmin:  true,
	}
	if err := e.members.Save(ctx, m); err != nil {
		// Roll the half-created group back so it never appears adminless.
		if derr := e.groups.Delete(ctx, group.GroupID); derr != nil {
			slog.Error("group rollback failed", "group_id", group.GroupID, "error", derr)
		}
		return model.Group{}, err
	}

	slog.Info("group created", "group_id", group.GroupID, "name", name, "admin_id", userID)
	return group, nil
}

// AddMember admits userID directly, bypassing the join-request flow. Admin
// only. Adding an existing member is a no-op success.
func (e *Engine) AddMember(ctx context.Context, sessionID, groupID, userID string) error {
	adminID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	group, ok, err := e.groups.ByID(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGroupNotFound
	}
	if group.AdminID != adminID {
		return ErrNotAuthorized
	}
	if _, ok, err := e.users.ByID(ctx, userID); err != nil {
		return err
	} else if !ok {
		return ErrUserNotFound
	}
	if _, member, err := e.members.Member(ctx, groupID, userID); err != nil {
		return err
	} else if member {
		return nil
	}

	m := model.Membership{
		GroupID:  groupID,
		UserID:   userID,
		State:    model.MemberActive,
		JoinedAt: e.now().UnixMilli(),
	}
	if err := e.members.Save(ctx, m); err != nil {
		return err
	}
	e.bestEffort(ctx, userID, model.NewMemberAdded(groupID, group.Name))
	slog.Info("member added", "group_id", groupID, "user_id", userID, "admin_id", adminID)
	return nil
}

// RemoveMember takes userID out of the group. The admin may remove anyone but
// themselves; a member may remove themselves. The admin can only leave via
// TransferAdmin or LeaveGroup. Removing a non-member is a no-op success.
func (e *Engine) RemoveMember(ctx context.Context, sessionID, groupID, userID string) error {
	callerID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	group, ok, err := e.groups.ByID(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGroupNotFound
	}
	if callerID != group.AdminID && callerID != userID {
		return ErrNotAuthorized
	}
	if userID == group.AdminID {
		return ErrAdminProtected
	}
	if _, member, err := e.members.Member(ctx, groupID, userID); err != nil {
		return err
	} else if !member {
		return nil
	}

	if err := e.members.Delete(ctx, groupID, userID); err != nil {
		return err
	}
	if callerID != userID {
		e.bestEffort(ctx, userID, model.NewMemberRemoved(groupID, group.Name))
	}
	slog.Info("member removed", "group_id", groupID, "user_id", userID, "caller_id", callerID)
	return nil
}

// TransferAdmin hands the admin role to newAdminID, who must already be a
// member. Admin only. Transferring to the current admin is a no-op.
func (e *Engine) TransferAdmin(ctx context.Context, sessionID, groupID, newAdminID string) error {
	callerID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	group, ok, err := e.groups.ByID(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGroupNotFound
	}
	if group.AdminID != callerID {
		return ErrNotAuthorized
	}
	if newAdminID == group.AdminID {
		return nil
	}
	target, member, err := e.members.Member(ctx, groupID, newAdminID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}

	if err := e.setAdmin(ctx, group, callerID, target); err != nil {
		return err
	}
	e.announceAdminChange(ctx, group, newAdminID, callerID)
	slog.Info("admin transferred", "group_id", groupID, "from", callerID, "to", newAdminID)
	return nil
}

// setAdmin commits the admin change: the group record first, then the two
// membership flags. The group record is authoritative for who the admin is.
func (e *Engine) setAdmin(ctx context.Context, group model.Group, oldAdminID string, newAdmin model.Membership) error {
	group.AdminID = newAdmin.UserID
	if err := e.groups.Save(ctx, group); err != nil {
		return err
	}
	newAdmin.IsAdmin = true
	if err := e.members.Save(ctx, newAdmin); err != nil {
		return err
	}
	if old, ok, err := e.members.Member(ctx, group.GroupID, oldAdminID); err != nil {
		return err
	} else if ok {
		old.IsAdmin = false
		if err := e.members.Save(ctx, old); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) announceAdminChange(ctx context.Context, group model.Group, newAdminID, skipUserID string) {
	members, err := e.members.ListByGroup(ctx, group.GroupID)
	if err != nil {
		slog.Error("list members for admin change failed", "group_id", group.GroupID, "error", err)
		return
	}
	event := model.NewAdminChanged(group.GroupID, group.Name, newAdminID)
	for _, m := range members {
		if m.UserID == skipUserID {
			continue
		}
		e.bestEffort(ctx, m.UserID, event)
	}
}

// LeaveGroup removes the caller from the group. A leaving admin either takes
// the group down with them, when the group was created with deleteOnAdminExit,
// or hands the role to the longest-standing remaining member.
func (e *Engine) LeaveGroup(ctx context.Context, sessionID, groupID string) error {
	userID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return err
	}
	group, ok, err := e.groups.ByID(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGroupNotFound
	}
	if _, member, err := e.members.Member(ctx, groupID, userID); err != nil {
		return err
	} else if !member {
		return ErrNotMember
	}

	if userID != group.AdminID {
		if err := e.members.Delete(ctx, groupID, userID); err != nil {
			return err
		}
		slog.Info("member left", "group_id", groupID, "user_id", userID)
		return nil
	}

	members, err := e.members.ListByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	rest := members[:0:0]
	for _, m := range members {
		if m.UserID != userID {
			rest = append(rest, m)
		}
	}

	if group.DeleteOnAdminExit || len(rest) == 0 {
		return e.dissolve(ctx, group, userID, rest)
	}

	heir := rest[0]
	for _, m := range rest[1:] {
		if m.JoinedAt < heir.JoinedAt ||
			(m.JoinedAt == heir.JoinedAt && m.UserID < heir.UserID) {
			heir = m
		}
	}
	if err := e.setAdmin(ctx, group, userID, heir); err != nil {
		return err
	}
	if err := e.members.Delete(ctx, groupID, userID); err != nil {
		return err
	}
	e.announceAdminChange(ctx, group, heir.UserID, userID)
	slog.Info("admin left, role passed on",
		"group_id", groupID, "from", userID, "to", heir.UserID)
	return nil
}

// dissolve deletes the group and every remaining membership, telling each
// remaining member they were removed.
func (e *Engine) dissolve(ctx context.Context, group model.Group, adminID string, rest []model.Membership) error {
	for _, m := range rest {
		if err := e.members.Delete(ctx, group.GroupID, m.UserID); err != nil {
			return err
		}
		e.bestEffort(ctx, m.UserID, model.NewMemberRemoved(group.GroupID, group.Name))
	}
	if err := e.members.Delete(ctx, group.GroupID, adminID); err != nil {
		return err
	}
	if err := e.groups.Delete(ctx, group.GroupID); err != nil {
		return err
	}
	slog.Info("group dissolved", "group_id", group.GroupID, "admin_id", adminID)
	return nil
}

// ListGroups returns every group, for browsing before a join request. Any
// authenticated user may call it.
func (e *Engine) ListGroups(ctx context.Context, sessionID string) ([]model.Group, error) {
	if _, err := e.resolve(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.groups.All(ctx)
}

// ListUserGroups returns the groups the caller belongs to. A membership row
// whose group has since been dissolved is skipped.
func (e *Engine) ListUserGroups(ctx context.Context, sessionID string) ([]model.Group, error) {
	userID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := e.members.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	groups := make([]model.Group, 0, len(rows))
	for _, row := range rows {
		group, ok, err := e.groups.ByID(ctx, row.GroupID)
		if err != nil {
			return nil, err
		}
		if ok {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// ListMembers returns the group's roster. Members only.
func (e *Engine) ListMembers(ctx context.Context, sessionID, groupID string) ([]model.Membership, error) {
	userID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, ok, err := e.groups.ByID(ctx, groupID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrGroupNotFound
	}
	if _, member, err := e.members.Member(ctx, groupID, userID); err != nil {
		return nil, err
	} else if !member {
		return nil, ErrNotMember
	}
	return e.members.ListByGroup(ctx, groupID)
}
