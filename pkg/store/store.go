// Package store provides the durable entity store and the write-through
// cached DAOs built on top of it.
//
// The store is a key-value space partitioned by entity kind. Two backends
// exist: PostgresStore for production and MemStore for tests and embedded
// runs. KVStore maps the same contract onto NATS JetStream key-value buckets.
package store

import (
	"context"
	"errors"
)

// Entity kinds. Each kind is its own key namespace.
const (
	KindUsers    = "users"
	KindSessions = "sessions"
	KindGroups   = "groups"
	KindMembers  = "group_members"
	KindPending  = "pending_join_requests"
	KindIntents  = "join_decisions"
)

// ErrNotFound is returned by Get for a key that does not exist durably.
var ErrNotFound = errors.New("entity not found")

// EntityStore is durable key-value storage partitioned by kind. Every
// implementation must make Put/Delete durable before returning: a nil error
// means the mutation survives a process restart.
type EntityStore interface {
	Get(ctx context.Context, kind, key string) ([]byte, error)
	Put(ctx context.Context, kind, key string, value []byte) error
	Delete(ctx context.Context, kind, key string) error

	// Scan visits every entry of a kind in key order. Returning false from
	// fn stops the scan early.
	Scan(ctx context.Context, kind string, fn func(key string, value []byte) bool) error
}
