package store

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-group-service/pkg/model"
)

type fakeEntry struct {
	key   string
	value []byte
}

func (e fakeEntry) Bucket() string             { return "SESSION_MIRROR" }
func (e fakeEntry) Key() string                { return e.key }
func (e fakeEntry) Value() []byte              { return e.value }
func (e fakeEntry) Revision() uint64           { return 1 }
func (e fakeEntry) Created() time.Time         { return time.Time{} }
func (e fakeEntry) Delta() uint64              { return 0 }
func (e fakeEntry) Operation() nats.KeyValueOp { return nats.KeyValuePut }

type fakeKV struct {
	data map[string][]byte
	gets int
	puts int
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) Get(key string) (nats.KeyValueEntry, error) {
	f.gets++
	v, ok := f.data[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: v}, nil
}

func (f *fakeKV) Put(key string, value []byte) (uint64, error) {
	f.puts++
	f.data[key] = value
	return 1, nil
}

func (f *fakeKV) Delete(key string, _ ...nats.DeleteOpt) error {
	if _, ok := f.data[key]; !ok {
		return nats.ErrKeyNotFound
	}
	delete(f.data, key)
	return nil
}

func newMirror(t *testing.T) (*SessionMirror, *fakeKV, EntityStore) {
	t.Helper()
	es := NewMemStore()
	dao, err := NewSessionDAO(es, 8)
	if err != nil {
		t.Fatalf("NewSessionDAO failed: %v", err)
	}
	kv := newFakeKV()
	return &SessionMirror{dao: dao, kv: kv, now: time.Now}, kv, es
}

func TestSessionMirror_SaveWritesThrough(t *testing.T) {
	ctx := context.Background()
	m, kv, es := newMirror(t)

	if err := m.Save(ctx, model.Session{SessionID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := es.Get(ctx, KindSessions, "s1"); err != nil {
		t.Errorf("Expected session in the backing store, got %v", err)
	}
	if _, ok := kv.data["s1"]; !ok {
		t.Error("Expected session mirrored to KV")
	}

	uid, ok, err := m.UserIDFor(ctx, "s1")
	if err != nil || !ok || uid != "u1" {
		t.Errorf("Expected u1 from mirror, got %q ok=%v err=%v", uid, ok, err)
	}
}

func TestSessionMirror_MissFallsThroughAndRepopulates(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newMirror(t)

	// Session written behind the mirror's back, as the auth side does.
	if err := m.dao.Save(ctx, model.Session{SessionID: "s2", UserID: "u2"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	uid, ok, err := m.UserIDFor(ctx, "s2")
	if err != nil || !ok || uid != "u2" {
		t.Fatalf("Expected u2 from DAO fall-through, got %q ok=%v err=%v", uid, ok, err)
	}
	if kv.puts != 1 {
		t.Errorf("Expected the miss to repopulate the mirror, got %d puts", kv.puts)
	}
	if _, ok := kv.data["s2"]; !ok {
		t.Error("Expected s2 in the mirror after fall-through")
	}
}

func TestSessionMirror_DeleteEvicts(t *testing.T) {
	ctx := context.Background()
	m, kv, _ := newMirror(t)

	if err := m.Save(ctx, model.Session{SessionID: "s3", UserID: "u3"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := m.Delete(ctx, "s3"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := kv.data["s3"]; ok {
		t.Error("Expected delete to evict the mirror entry")
	}
	if _, ok, _ := m.UserIDFor(ctx, "s3"); ok {
		t.Error("Expected deleted session to be a miss")
	}
}

func TestSessionMirror_ExpiredSessionIsMissEvenWhenMirrored(t *testing.T) {
	ctx := context.Background()
	m, _, es := newMirror(t)

	fixed := time.Now()
	m.now = func() time.Time { return fixed }
	m.dao.now = func() time.Time { return fixed }

	expired := model.Session{SessionID: "s4", UserID: "u4", ExpiresAt: fixed.Add(-time.Minute).UnixMilli()}
	if err := m.Save(ctx, expired); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, ok, err := m.UserIDFor(ctx, "s4"); err != nil || ok {
		t.Errorf("Expected expired session to miss, got ok=%v err=%v", ok, err)
	}
	if _, err := es.Get(ctx, KindSessions, "s4"); err != ErrNotFound {
		t.Errorf("Expected lazy expiry to delete the row, got %v", err)
	}
}
