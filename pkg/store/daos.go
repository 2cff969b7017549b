package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/nats-chat-group-service/pkg/model"
)

// cached is the write-through core shared by the typed DAOs. Every mutation
// hits the durable store first; the cache is touched only after the durable
// write succeeds, so the cache never holds a value that does not exist
// durably. Reads populate the cache on miss; the LRU bounds memory.
type cached[T any] struct {
	kind  string
	es    EntityStore
	cache *lru.Cache[string, T]
}

func newCached[T any](kind string, size int, es EntityStore) (*cached[T], error) {
	c, err := lru.New[string, T](size)
	if err != nil {
		return nil, fmt.Errorf("cache for %s: %w", kind, err)
	}
	return &cached[T]{kind: kind, es: es, cache: c}, nil
}

func (c *cached[T]) save(ctx context.Context, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", c.kind, key, err)
	}
	if err := c.es.Put(ctx, c.kind, key, data); err != nil {
		return err
	}
	c.cache.Add(key, v)
	return nil
}

func (c *cached[T]) find(ctx context.Context, key string) (T, bool, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, true, nil
	}
	var zero T
	data, err := c.es.Get(ctx, c.kind, key)
	if errors.Is(err, ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("unmarshal %s/%s: %w", c.kind, key, err)
	}
	c.cache.Add(key, v)
	return v, true, nil
}

func (c *cached[T]) remove(ctx context.Context, key string) error {
	if err := c.es.Delete(ctx, c.kind, key); err != nil {
		return err
	}
	c.cache.Remove(key)
	return nil
}

// UserDAO reads and writes user profiles.
type UserDAO struct {
	c *cached[model.User]
}

func NewUserDAO(es EntityStore, cacheSize int) (*UserDAO, error) {
	c, err := newCached[model.User](KindUsers, cacheSize, es)
	if err != nil {
		return nil, err
	}
	return &UserDAO{c: c}, nil
}

func (d *UserDAO) Save(ctx context.Context, u model.User) error {
	return d.c.save(ctx, u.UserID, u)
}

func (d *UserDAO) ByID(ctx context.Context, userID string) (model.User, bool, error) {
	return d.c.find(ctx, userID)
}

// SessionDAO reads and writes sessions. Expiry is lazy: an expired session is
// deleted on first access and reported as a miss.
type SessionDAO struct {
	c   *cached[model.Session]
	now func() time.Time
}

func NewSessionDAO(es EntityStore, cacheSize int) (*SessionDAO, error) {
	c, err := newCached[model.Session](KindSessions, cacheSize, es)
	if err != nil {
		return nil, err
	}
	return &SessionDAO{c: c, now: time.Now}, nil
}

func (d *SessionDAO) Save(ctx context.Context, s model.Session) error {
	return d.c.save(ctx, s.SessionID, s)
}

func (d *SessionDAO) Delete(ctx context.Context, sessionID string) error {
	return d.c.remove(ctx, sessionID)
}

// ByID returns the raw session record without the expiry check.
func (d *SessionDAO) ByID(ctx context.Context, sessionID string) (model.Session, bool, error) {
	return d.c.find(ctx, sessionID)
}

// UserIDFor resolves a session to its user. An unknown or expired session is
// a miss, never an error.
func (d *SessionDAO) UserIDFor(ctx context.Context, sessionID string) (string, bool, error) {
	s, ok, err := d.c.find(ctx, sessionID)
	if err != nil || !ok {
		return "", false, err
	}
	if s.Expired(d.now().UnixMilli()) {
		if err := d.c.remove(ctx, sessionID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return s.UserID, true, nil
}

// GroupDAO reads and writes groups.
type GroupDAO struct {
	c *cached[model.Group]
}

func NewGroupDAO(es EntityStore, cacheSize int) (*GroupDAO, error) {
	c, err := newCached[model.Group](KindGroups, cacheSize, es)
	if err != nil {
		return nil, err
	}
	return &GroupDAO{c: c}, nil
}

func (d *GroupDAO) Save(ctx context.Context, g model.Group) error {
	return d.c.save(ctx, g.GroupID, g)
}

func (d *GroupDAO) ByID(ctx context.Context, groupID string) (model.Group, bool, error) {
	return d.c.find(ctx, groupID)
}

func (d *GroupDAO) Delete(ctx context.Context, groupID string) error {
	return d.c.remove(ctx, groupID)
}

// All lists every group straight from the durable store.
func (d *GroupDAO) All(ctx context.Context) ([]model.Group, error) {
	var groups []model.Group
	var scanErr error
	err := d.c.es.Scan(ctx, KindGroups, func(key string, value []byte) bool {
		var g model.Group
		if err := json.Unmarshal(value, &g); err != nil {
			scanErr = fmt.Errorf("unmarshal group %s: %w", key, err)
			return false
		}
		groups = append(groups, g)
		return true
	})
	if err != nil {
		return nil, err
	}
	return groups, scanErr
}

// MemberDAO reads and writes group memberships, keyed "{groupId}:{userId}".
// Point lookups go through the cache; list queries hit the durable store so
// they never serve a stale roster.
type MemberDAO struct {
	c *cached[model.Membership]
}

func NewMemberDAO(es EntityStore, cacheSize int) (*MemberDAO, error) {
	c, err := newCached[model.Membership](KindMembers, cacheSize, es)
	if err != nil {
		return nil, err
	}
	return &MemberDAO{c: c}, nil
}

func (d *MemberDAO) Save(ctx context.Context, m model.Membership) error {
	return d.c.save(ctx, model.MembershipKey(m.GroupID, m.UserID), m)
}

func (d *MemberDAO) Member(ctx context.Context, groupID, userID string) (model.Membership, bool, error) {
	return d.c.find(ctx, model.MembershipKey(groupID, userID))
}

func (d *MemberDAO) Delete(ctx context.Context, groupID, userID string) error {
	return d.c.remove(ctx, model.MembershipKey(groupID, userID))
}

func (d *MemberDAO) ListByGroup(ctx context.Context, groupID string) ([]model.Membership, error) {
	return d.list(ctx, func(key string, m model.Membership) bool {
		return strings.HasPrefix(key, groupID+":")
	})
}

func (d *MemberDAO) ListByUser(ctx context.Context, userID string) ([]model.Membership, error) {
	return d.list(ctx, func(_ string, m model.Membership) bool {
		return m.UserID == userID
	})
}

func (d *MemberDAO) list(ctx context.Context, keep func(key string, m model.Membership) bool) ([]model.Membership, error) {
	var members []model.Membership
	var scanErr error
	err := d.c.es.Scan(ctx, KindMembers, func(key string, value []byte) bool {
		var m model.Membership
		if err := json.Unmarshal(value, &m); err != nil {
			scanErr = fmt.Errorf("unmarshal membership %s: %w", key, err)
			return false
		}
		if keep(key, m) {
			members = append(members, m)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return members, scanErr
}
