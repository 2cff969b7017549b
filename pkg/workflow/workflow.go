// Package workflow orchestrates the join-request state machine and the group
// membership operations around it. Authorization and validation fail fast at
// the boundary; racing decisions collapse into idempotent successes; only
// durable-store failures propagate to the caller.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/nats-chat-group-service/pkg/model"
	"github.com/example/nats-chat-group-service/pkg/notify"
	"github.com/example/nats-chat-group-service/pkg/pending"
	"github.com/example/nats-chat-group-service/pkg/store"
)

// Sessions resolves session tokens to user IDs.
type Sessions interface {
	UserIDFor(ctx context.Context, sessionID string) (string, bool, error)
}

// Users reads user profiles.
type Users interface {
	ByID(ctx context.Context, userID string) (model.User, bool, error)
}

// Groups reads and writes group records.
type Groups interface {
	Save(ctx context.Context, g model.Group) error
	ByID(ctx context.Context, groupID string) (model.Group, bool, error)
	Delete(ctx context.Context, groupID string) error
	All(ctx context.Context) ([]model.Group, error)
}

// Members reads and writes membership records.
type Members interface {
	Save(ctx context.Context, m model.Membership) error
	Member(ctx context.Context, groupID, userID string) (model.Membership, bool, error)
	Delete(ctx context.Context, groupID, userID string) error
	ListByGroup(ctx context.Context, groupID string) ([]model.Membership, error)
	ListByUser(ctx context.Context, userID string) ([]model.Membership, error)
}

// Notifier routes one event to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, event model.Event) (notify.Outcome, error)
}

// PendingRequests is the durable queue of undelivered events.
type PendingRequests interface {
	Drain(ctx context.Context, userID string) ([]pending.Entry, error)
	Remove(ctx context.Context, userID, kind, groupID, requesterID string) (bool, error)
	Contains(userID, kind, groupID, requesterID string) bool
}

// Engine runs the join-request workflow and the group operations.
type Engine struct {
	sessions Sessions
	users    Users
	groups   Groups
	members  Members
	notifier Notifier
	pendingQ PendingRequests
	intents  store.EntityStore
	now      func() time.Time

	// Serializes decision commits so racing approvals resolve to one
	// membership write followed by one idempotent no-op.
	decideMu sync.Mutex
}

func NewEngine(sessions Sessions, users Users, groups Groups, members Members,
	notifier Notifier, pendingQ PendingRequests, intents store.EntityStore) *Engine {
	return &Engine{
		sessions: sessions,
		users:    users,
		groups:   groups,
		members:  members,
		notifier: notifier,
		pendingQ: pendingQ,
		intents:  intents,
		now:      time.Now,
	}
}

func (e *Engine) resolve(ctx context.Context, sessionID string) (string, error) {
	userID, ok, err := e.sessions.UserIDFor(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidSession
	}
	return userID, nil
}

// RequestJoin asks group's admin to admit the calling user. The admin is
// notified live when online, durably otherwise. Fails if the caller already
// belongs to the group.
func (e *Engine) RequestJoin(ctx context.Context, sessionID, groupID string) error {
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
	} else if member {
		return ErrAlreadyMember
	}
	// The queue keeps duplicates, so dedup happens here: one undecided
	// request per (admin, group, requester) triple.
	if e.pendingQ.Contains(group.AdminID, model.KindJoinRequested, groupID, userID) {
		return ErrAlreadyRequested
	}

	name := userID
	if u, ok, err := e.users.ByID(ctx, userID); err != nil {
		return err
	} else if ok {
		name = u.Name()
	}

	event := model.NewJoinRequested(model.JoinRequest{
		GroupID:   groupID,
		GroupName: group.Name,
		UserID:    userID,
		UserName:  name,
	})
	outcome, err := e.notifier.Notify(ctx, group.AdminID, event)
	if err != nil {
		return fmt.Errorf("notify admin %s: %w", group.AdminID, err)
	}
	slog.Info("join requested",
		"group_id", groupID, "user_id", userID, "admin_id", group.AdminID,
		"outcome", outcome.String())
	return nil
}

// RespondJoin records the admin's decision on (groupID, requesterID). Approval
// admits the requester; rejection leaves membership untouched. A decision on
// an already-resolved request is a benign success. Only the group's current
// admin may call this.
func (e *Engine) RespondJoin(ctx context.Context, sessionID, groupID, requesterID string, accept bool) error {
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

	e.decideMu.Lock()
	defer e.decideMu.Unlock()

	if _, err := e.pendingQ.Remove(ctx, adminID, model.KindJoinRequested, groupID, requesterID); err != nil {
		return err
	}

	_, member, err := e.members.Member(ctx, groupID, requesterID)
	if err != nil {
		return err
	}
	if member {
		// A racing decision already admitted the requester. Approve and
		// reject alike treat this as resolved.
		return nil
	}

	if !accept {
		e.bestEffort(ctx, requesterID, model.NewJoinRejected(groupID, group.Name))
		slog.Info("join rejected", "group_id", groupID, "user_id", requesterID, "admin_id", adminID)
		return nil
	}

	intent := model.DecisionIntent{
		AdminID:   adminID,
		GroupID:   groupID,
		UserID:    requesterID,
		CreatedAt: e.now().UnixMilli(),
	}
	if err := e.putIntent(ctx, intent); err != nil {
		return err
	}
	m := model.Membership{
		GroupID:  groupID,
		UserID:   requesterID,
		State:    model.MemberActive,
		JoinedAt: intent.CreatedAt,
	}
	if err := e.members.Save(ctx, m); err != nil {
		return err
	}
	e.clearIntent(ctx, intent)

	e.bestEffort(ctx, requesterID, model.NewJoinAccepted(groupID, group.Name))
	slog.Info("join approved", "group_id", groupID, "user_id", requesterID, "admin_id", adminID)
	return nil
}

// DismissNotification drops the caller's queued join request for
// (groupID, requesterID) without deciding it. Reports whether an entry
// existed.
func (e *Engine) DismissNotification(ctx context.Context, sessionID, groupID, requesterID string) (bool, error) {
	adminID, err := e.resolve(ctx, sessionID)
	if err != nil {
		return false, err
	}
	removed, err := e.pendingQ.Remove(ctx, adminID, model.KindJoinRequested, groupID, requesterID)
	if err != nil {
		return false, err
	}
	if removed {
		slog.Info("join request dismissed",
			"group_id", groupID, "user_id", requesterID, "admin_id", adminID)
	}
	return removed, nil
}

// DeliverPending drains userID's queued events and pushes them to the live
// connection. Wired as the presence registry's connect hook, so it runs after
// the presence record is installed. Events that fail to send go back to the
// queue through the dispatcher's normal degradation.
func (e *Engine) DeliverPending(ctx context.Context, userID string) {
	entries, err := e.pendingQ.Drain(ctx, userID)
	if err != nil {
		slog.Error("drain pending failed", "user_id", userID, "error", err)
		return
	}
	for _, entry := range entries {
		event, ok := notify.EventFromEntry(entry)
		if !ok {
			slog.Warn("skipping unknown pending entry", "user_id", userID, "kind", entry.Kind)
			continue
		}
		e.bestEffort(ctx, userID, event)
	}
	if len(entries) > 0 {
		slog.Info("pending events replayed", "user_id", userID, "count", len(entries))
	}
}

// RecoverIntents replays approvals that crashed between the intent write and
// the membership write. Call once at startup, before serving traffic.
func (e *Engine) RecoverIntents(ctx context.Context) error {
	var intents []model.DecisionIntent
	var scanErr error
	err := e.intents.Scan(ctx, store.KindIntents, func(key string, value []byte) bool {
		var in model.DecisionIntent
		if err := json.Unmarshal(value, &in); err != nil {
			scanErr = fmt.Errorf("unmarshal intent %s: %w", key, err)
			return false
		}
		intents = append(intents, in)
		return true
	})
	if err != nil {
		return err
	}
	if scanErr != nil {
		return scanErr
	}

	for _, in := range intents {
		if err := e.recoverIntent(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recoverIntent(ctx context.Context, in model.DecisionIntent) error {
	group, ok, err := e.groups.ByID(ctx, in.GroupID)
	if err != nil {
		return err
	}
	if !ok {
		// Group vanished since the decision. The intent is moot.
		e.clearIntent(ctx, in)
		return nil
	}
	_, member, err := e.members.Member(ctx, in.GroupID, in.UserID)
	if err != nil {
		return err
	}
	if !member {
		m := model.Membership{
			GroupID:  in.GroupID,
			UserID:   in.UserID,
			State:    model.MemberActive,
			JoinedAt: in.CreatedAt,
		}
		if err := e.members.Save(ctx, m); err != nil {
			return err
		}
		e.bestEffort(ctx, in.UserID, model.NewJoinAccepted(in.GroupID, group.Name))
		slog.Info("replayed approval intent", "group_id", in.GroupID, "user_id", in.UserID)
	}
	e.clearIntent(ctx, in)
	return nil
}

func (e *Engine) putIntent(ctx context.Context, in model.DecisionIntent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	return e.intents.Put(ctx, store.KindIntents, model.MembershipKey(in.GroupID, in.UserID), data)
}

func (e *Engine) clearIntent(ctx context.Context, in model.DecisionIntent) {
	key := model.MembershipKey(in.GroupID, in.UserID)
	if err := e.intents.Delete(ctx, store.KindIntents, key); err != nil {
		// Harmless to leave behind: recovery sees the membership row and
		// clears it then.
		slog.Warn("clear intent failed", "key", key, "error", err)
	}
}

// bestEffort notifies and logs. Delivery problems never change the outcome of
// the operation that triggered the notification.
func (e *Engine) bestEffort(ctx context.Context, userID string, event model.Event) {
	outcome, err := e.notifier.Notify(ctx, userID, event)
	if err != nil {
		slog.Error("notification lost", "user_id", userID, "kind", event.Kind(), "error", err)
		return
	}
	slog.Debug("notified", "user_id", userID, "kind", event.Kind(), "outcome", outcome.String())
}
