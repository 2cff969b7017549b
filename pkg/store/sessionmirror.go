package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-group-service/pkg/model"
)

// sessionKV is the slice of nats.KeyValue the mirror needs.
type sessionKV interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

// SessionMirror fronts the session DAO with a TTL'd JetStream KV bucket so
// session lookups on the hot path skip the backing store. The DAO stays
// authoritative: every write lands there first, and a mirror failure is
// logged but never surfaced. Mirror entries age out on their own.
type SessionMirror struct {
	dao *SessionDAO
	kv  sessionKV
	now func() time.Time
}

// NewSessionMirror binds the SESSION_MIRROR bucket. Entries expire after ttl,
// so the bucket lives in memory and bounds how stale a dropped session can
// look to readers.
func NewSessionMirror(js nats.JetStreamContext, dao *SessionDAO, ttl time.Duration) (*SessionMirror, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  "SESSION_MIRROR",
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create KV bucket SESSION_MIRROR: %w", err)
	}
	return &SessionMirror{dao: dao, kv: kv, now: time.Now}, nil
}

func (m *SessionMirror) Save(ctx context.Context, s model.Session) error {
	if err := m.dao.Save(ctx, s); err != nil {
		return err
	}
	m.mirror(s)
	return nil
}

func (m *SessionMirror) Delete(ctx context.Context, sessionID string) error {
	if err := m.dao.Delete(ctx, sessionID); err != nil {
		return err
	}
	if err := m.kv.Delete(sessionID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		slog.Warn("Session mirror delete failed", "sessionId", sessionID, "error", err)
	}
	return nil
}

// UserIDFor resolves a session, preferring the mirror. A mirror miss falls
// through to the DAO and repopulates the bucket on a live session.
func (m *SessionMirror) UserIDFor(ctx context.Context, sessionID string) (string, bool, error) {
	if entry, err := m.kv.Get(sessionID); err == nil {
		var s model.Session
		if jerr := json.Unmarshal(entry.Value(), &s); jerr == nil && !s.Expired(m.now().UnixMilli()) {
			return s.UserID, true, nil
		}
	} else if !errors.Is(err, nats.ErrKeyNotFound) {
		slog.Warn("Session mirror read failed", "sessionId", sessionID, "error", err)
	}

	s, ok, err := m.dao.ByID(ctx, sessionID)
	if err != nil || !ok {
		return "", false, err
	}
	if s.Expired(m.now().UnixMilli()) {
		if err := m.dao.Delete(ctx, sessionID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	m.mirror(s)
	return s.UserID, true, nil
}

func (m *SessionMirror) mirror(s model.Session) {
	data, err := json.Marshal(s)
	if err == nil {
		_, err = m.kv.Put(s.SessionID, data)
	}
	if err != nil {
		slog.Warn("Session mirror write failed", "sessionId", s.SessionID, "error", err)
	}
}
