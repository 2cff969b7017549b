// Package pending queues durable events for users who were offline when the
// event fired. Entries are held in memory for fast drains and mirrored to the
// durable store per target user, so a restart loses nothing.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/example/nats-chat-group-service/pkg/store"
)

// Entry is one queued event, flattened to the fields every durable event
// variant carries.
type Entry struct {
	Kind      string `json:"kind"`
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName,omitempty"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

// Store holds per-user FIFO queues of undelivered events.
type Store struct {
	es store.EntityStore

	mu     sync.Mutex
	queues map[string][]Entry
}

// New hydrates the in-memory queues from the durable store.
func New(ctx context.Context, es store.EntityStore) (*Store, error) {
	s := &Store{es: es, queues: make(map[string][]Entry)}
	var scanErr error
	err := es.Scan(ctx, store.KindPending, func(key string, value []byte) bool {
		var entries []Entry
		if err := json.Unmarshal(value, &entries); err != nil {
			scanErr = fmt.Errorf("unmarshal pending queue %s: %w", key, err)
			return false
		}
		if len(entries) > 0 {
			s.queues[key] = entries
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return s, nil
}

// persistLocked writes userID's queue through to the durable store.
// Caller holds s.mu.
func (s *Store) persistLocked(ctx context.Context, userID string) error {
	entries := s.queues[userID]
	if len(entries) == 0 {
		return s.es.Delete(ctx, store.KindPending, userID)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal pending queue %s: %w", userID, err)
	}
	return s.es.Put(ctx, store.KindPending, userID, data)
}

// Enqueue appends e to userID's queue. Duplicates are kept; replay order is
// arrival order. If the durable write fails the in-memory append is rolled
// back and the error returned.
func (s *Store) Enqueue(ctx context.Context, userID string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[userID] = append(s.queues[userID], e)
	if err := s.persistLocked(ctx, userID); err != nil {
		q := s.queues[userID]
		if len(q) <= 1 {
			delete(s.queues, userID)
		} else {
			s.queues[userID] = q[:len(q)-1]
		}
		return err
	}
	return nil
}

// Drain atomically removes and returns userID's queued entries in FIFO
// order. If the durable delete fails the queue is restored and nothing is
// returned, so no entry can be lost between drain and delivery.
func (s *Store) Drain(ctx context.Context, userID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.queues[userID]
	if !ok {
		return nil, nil
	}
	delete(s.queues, userID)
	if err := s.persistLocked(ctx, userID); err != nil {
		s.queues[userID] = entries
		return nil, err
	}
	return entries, nil
}

// Remove deletes adminID's queued join request for (groupID, userID), if one
// is present. Reports whether an entry was removed.
func (s *Store) Remove(ctx context.Context, adminID, kind, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.queues[adminID]
	if !ok {
		return false, nil
	}
	idx := -1
	for i, e := range entries {
		if e.Kind == kind && e.GroupID == groupID && e.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	next := make([]Entry, 0, len(entries)-1)
	next = append(next, entries[:idx]...)
	next = append(next, entries[idx+1:]...)
	if len(next) == 0 {
		delete(s.queues, adminID)
	} else {
		s.queues[adminID] = next
	}
	if err := s.persistLocked(ctx, adminID); err != nil {
		s.queues[adminID] = entries
		return false, err
	}
	return true, nil
}

// Contains reports whether userID's queue already holds an entry for
// (kind, groupID, requesterID), without consuming it.
func (s *Store) Contains(userID, kind, groupID, requesterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queues[userID] {
		if e.Kind == kind && e.GroupID == groupID && e.UserID == requesterID {
			return true
		}
	}
	return false
}

// Entries returns a copy of userID's queue without consuming it.
func (s *Store) Entries(userID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[userID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
