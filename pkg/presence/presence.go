// Package presence tracks which users currently hold a live connection.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrInvalidSession = errors.New("invalid session")

// Conn is a live delivery channel for one connected client.
type Conn interface {
	// ID identifies this connection. Two connections never share an ID.
	ID() string
	// Send pushes one encoded event to the client.
	Send(ctx context.Context, data []byte) error
}

// SessionLookup resolves a session token to a user ID.
type SessionLookup interface {
	UserIDFor(ctx context.Context, sessionID string) (string, bool, error)
}

// ConnectHook runs after a user's connection is registered. The registry
// already reports the user online when the hook fires.
type ConnectHook func(ctx context.Context, userID string)

// Registry maps users to their live connections. A user has at most one
// connection; a newer connect replaces the older one.
type Registry struct {
	sessions SessionLookup
	hook     ConnectHook

	mu     sync.RWMutex
	byUser map[string]Conn
	byConn map[string]string
}

func NewRegistry(sessions SessionLookup) *Registry {
	return &Registry{
		sessions: sessions,
		byUser:   make(map[string]Conn),
		byConn:   make(map[string]string),
	}
}

// SetConnectHook installs the hook fired on every successful Connect.
// Call before the registry starts taking connections.
func (r *Registry) SetConnectHook(h ConnectHook) {
	r.hook = h
}

// Connect validates the session and registers conn as the user's live
// connection, displacing any previous one. Returns the resolved user ID.
func (r *Registry) Connect(ctx context.Context, conn Conn, sessionID string) (string, error) {
	userID, ok, err := r.sessions.UserIDFor(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalidSession
	}

	r.mu.Lock()
	if old, exists := r.byUser[userID]; exists {
		delete(r.byConn, old.ID())
	}
	r.byUser[userID] = conn
	r.byConn[conn.ID()] = userID
	r.mu.Unlock()

	slog.Info("user connected", "user_id", userID, "conn_id", conn.ID())

	if r.hook != nil {
		r.hook(ctx, userID)
	}
	return userID, nil
}

// Disconnect removes connID's registration. A stale connID, one already
// displaced by a newer connection for the same user, is a no-op so a late
// disconnect can never knock a freshly connected user offline.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	userID, ok := r.byConn[connID]
	if ok {
		delete(r.byConn, connID)
		if cur, exists := r.byUser[userID]; exists && cur.ID() == connID {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()

	if ok {
		slog.Info("user disconnected", "user_id", userID, "conn_id", connID)
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// ConnFor returns the user's live connection, if any.
func (r *Registry) ConnFor(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Online returns the number of connected users.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
