package pending

import (
	"context"
	"errors"
	"testing"

	"github.com/example/nats-chat-group-service/pkg/model"
	"github.com/example/nats-chat-group-service/pkg/store"
)

// flakyStore fails writes on demand, for rollback tests.
type flakyStore struct {
	store.EntityStore
	failNext bool
}

var errBoom = errors.New("boom")

func (f *flakyStore) Put(ctx context.Context, kind, key string, value []byte) error {
	if f.failNext {
		f.failNext = false
		return errBoom
	}
	return f.EntityStore.Put(ctx, kind, key, value)
}

func (f *flakyStore) Delete(ctx context.Context, kind, key string) error {
	if f.failNext {
		f.failNext = false
		return errBoom
	}
	return f.EntityStore.Delete(ctx, kind, key)
}

func entry(groupID, userID string) Entry {
	return Entry{Kind: model.KindJoinRequested, GroupID: groupID, GroupName: "g", UserID: userID, UserName: userID}
}

func newStore(t *testing.T, es store.EntityStore) *Store {
	t.Helper()
	s, err := New(context.Background(), es)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestStore_EnqueueDrainFIFO(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.NewMemStore())

	for _, uid := range []string{"u2", "u3", "u2"} {
		if err := s.Enqueue(ctx, "admin", entry("g1", uid)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	got, err := s.Drain(ctx, "admin")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries (duplicates kept), got %d", len(got))
	}
	if got[0].UserID != "u2" || got[1].UserID != "u3" || got[2].UserID != "u2" {
		t.Errorf("Expected arrival order preserved, got %v", got)
	}

	again, err := s.Drain(ctx, "admin")
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected empty queue after drain, got %d entries", len(again))
	}
}

func TestStore_DurableAcrossRestart(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemStore()
	s := newStore(t, es)

	if err := s.Enqueue(ctx, "admin", entry("g1", "u2")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A new store over the same entity store simulates a restart.
	reborn := newStore(t, es)
	got := reborn.Entries("admin")
	if len(got) != 1 || got[0].UserID != "u2" {
		t.Errorf("Expected queue to survive restart, got %v", got)
	}
}

func TestStore_Remove(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.NewMemStore())

	s.Enqueue(ctx, "admin", entry("g1", "u2"))
	s.Enqueue(ctx, "admin", entry("g1", "u3"))

	removed, err := s.Remove(ctx, "admin", model.KindJoinRequested, "g1", "u2")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !removed {
		t.Error("Expected Remove to report removal")
	}

	left := s.Entries("admin")
	if len(left) != 1 || left[0].UserID != "u3" {
		t.Errorf("Expected only u3 left, got %v", left)
	}

	removed, err = s.Remove(ctx, "admin", model.KindJoinRequested, "g1", "u2")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed {
		t.Error("Expected second Remove to be a no-op")
	}
}

func TestStore_Contains(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.NewMemStore())

	if s.Contains("admin", model.KindJoinRequested, "g1", "u2") {
		t.Error("Expected empty queue to contain nothing")
	}
	s.Enqueue(ctx, "admin", entry("g1", "u2"))
	if !s.Contains("admin", model.KindJoinRequested, "g1", "u2") {
		t.Error("Expected queued entry to be found")
	}
	if s.Contains("admin", model.KindJoinAccepted, "g1", "u2") {
		t.Error("Expected kind mismatch to miss")
	}
	if s.Contains("other", model.KindJoinRequested, "g1", "u2") {
		t.Error("Expected other user's queue to miss")
	}
}

func TestStore_EnqueueRollsBackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{EntityStore: store.NewMemStore()}
	s := newStore(t, fs)

	fs.failNext = true
	if err := s.Enqueue(ctx, "admin", entry("g1", "u2")); !errors.Is(err, errBoom) {
		t.Fatalf("Expected write failure to surface, got %v", err)
	}
	if got := s.Entries("admin"); len(got) != 0 {
		t.Errorf("Expected in-memory queue rolled back, got %v", got)
	}
}

func TestStore_DrainRestoresOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{EntityStore: store.NewMemStore()}
	s := newStore(t, fs)

	if err := s.Enqueue(ctx, "admin", entry("g1", "u2")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fs.failNext = true
	if _, err := s.Drain(ctx, "admin"); !errors.Is(err, errBoom) {
		t.Fatalf("Expected drain failure to surface, got %v", err)
	}
	if got := s.Entries("admin"); len(got) != 1 {
		t.Errorf("Expected queue restored after failed drain, got %v", got)
	}
}
