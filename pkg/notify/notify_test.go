package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/nats-chat-group-service/pkg/model"
	"github.com/example/nats-chat-group-service/pkg/pending"
	"github.com/example/nats-chat-group-service/pkg/presence"
	"github.com/example/nats-chat-group-service/pkg/store"
)

type fakeConn struct {
	id      string
	sent    [][]byte
	fail    bool
	lastCtx context.Context
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, data []byte) error {
	c.lastCtx = ctx
	if c.fail {
		return errors.New("connection reset")
	}
	c.sent = append(c.sent, data)
	return nil
}

type fakePresence map[string]presence.Conn

func (f fakePresence) ConnFor(userID string) (presence.Conn, bool) {
	c, ok := f[userID]
	return c, ok
}

func newQueue(t *testing.T) *pending.Store {
	t.Helper()
	q, err := pending.New(context.Background(), store.NewMemStore())
	if err != nil {
		t.Fatalf("pending.New failed: %v", err)
	}
	return q
}

func TestDispatcher_DeliversWhenOnline(t *testing.T) {
	conn := &fakeConn{id: "c1"}
	q := newQueue(t)
	d := NewDispatcher(fakePresence{"u1": conn}, q)

	outcome, err := d.Notify(context.Background(), "u1", model.NewJoinAccepted("g1", "general"))
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if outcome != Delivered {
		t.Errorf("Expected Delivered, got %v", outcome)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("Expected 1 sent payload, got %d", len(conn.sent))
	}

	var wire map[string]any
	if err := json.Unmarshal(conn.sent[0], &wire); err != nil {
		t.Fatalf("Sent payload not JSON: %v", err)
	}
	if wire["type"] != model.KindJoinAccepted {
		t.Errorf("Expected type %q on the wire, got %v", model.KindJoinAccepted, wire["type"])
	}
	if got := q.Entries("u1"); len(got) != 0 {
		t.Errorf("Expected nothing queued on the happy path, got %v", got)
	}
}

type ctxKey struct{}

func TestDispatcher_SendCarriesCallerContext(t *testing.T) {
	conn := &fakeConn{id: "c1"}
	d := NewDispatcher(fakePresence{"u1": conn}, newQueue(t))

	ctx := context.WithValue(context.Background(), ctxKey{}, "request")
	if _, err := d.Notify(ctx, "u1", model.NewJoinAccepted("g1", "general")); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if conn.lastCtx == nil || conn.lastCtx.Value(ctxKey{}) != "request" {
		t.Error("Expected the caller's context to reach the connection")
	}
}

func TestDispatcher_QueuesDurableWhenOffline(t *testing.T) {
	q := newQueue(t)
	d := NewDispatcher(fakePresence{}, q)

	event := model.NewJoinRequested(model.JoinRequest{GroupID: "g1", GroupName: "general", UserID: "u2", UserName: "bob"})
	outcome, err := d.Notify(context.Background(), "u1", event)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if outcome != Queued {
		t.Errorf("Expected Queued, got %v", outcome)
	}

	got := q.Entries("u1")
	if len(got) != 1 {
		t.Fatalf("Expected 1 queued entry, got %d", len(got))
	}
	if got[0].Kind != model.KindJoinRequested || got[0].GroupID != "g1" || got[0].UserID != "u2" {
		t.Errorf("Unexpected queued entry: %+v", got[0])
	}
}

func TestDispatcher_DropsTransientWhenOffline(t *testing.T) {
	q := newQueue(t)
	d := NewDispatcher(fakePresence{}, q)

	outcome, err := d.Notify(context.Background(), "u1", model.NewPresencePing("u2"))
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if outcome != Dropped {
		t.Errorf("Expected Dropped, got %v", outcome)
	}
	if got := q.Entries("u1"); len(got) != 0 {
		t.Errorf("Expected nothing queued for transient event, got %v", got)
	}
}

func TestDispatcher_SendFailureDegradesToQueued(t *testing.T) {
	conn := &fakeConn{id: "c1", fail: true}
	q := newQueue(t)
	d := NewDispatcher(fakePresence{"u1": conn}, q)

	event := model.NewMemberAdded("g1", "general")
	outcome, err := d.Notify(context.Background(), "u1", event)
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if outcome != Queued {
		t.Errorf("Expected send failure on durable event to degrade to Queued, got %v", outcome)
	}
	if got := q.Entries("u1"); len(got) != 1 {
		t.Errorf("Expected 1 queued entry after failed send, got %d", len(got))
	}
}

func TestDispatcher_SendFailureDropsTransient(t *testing.T) {
	conn := &fakeConn{id: "c1", fail: true}
	q := newQueue(t)
	d := NewDispatcher(fakePresence{"u1": conn}, q)

	outcome, err := d.Notify(context.Background(), "u1", model.NewPresencePing("u2"))
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if outcome != Dropped {
		t.Errorf("Expected Dropped, got %v", outcome)
	}
}

func TestEventFromEntry_RoundTrip(t *testing.T) {
	events := []model.Event{
		model.NewJoinRequested(model.JoinRequest{GroupID: "g1", GroupName: "general", UserID: "u2", UserName: "bob"}),
		model.NewJoinAccepted("g1", "general"),
		model.NewJoinRejected("g1", "general"),
		model.NewMemberAdded("g1", "general"),
		model.NewMemberRemoved("g1", "general"),
		model.NewAdminChanged("g1", "general", "u3"),
	}
	for _, want := range events {
		got, ok := EventFromEntry(EntryFor(want))
		if !ok {
			t.Errorf("Expected %s entry to convert back", want.Kind())
			continue
		}
		if got != want {
			t.Errorf("Round trip changed %s: %+v != %+v", want.Kind(), got, want)
		}
	}

	if _, ok := EventFromEntry(pending.Entry{Kind: "unheard-of"}); ok {
		t.Error("Expected unknown kind to be rejected")
	}
}

func TestOutcome_String(t *testing.T) {
	cases := map[Outcome]string{Delivered: "delivered", Queued: "queued", Dropped: "dropped", Outcome(9): "unknown"}
	for o, want := range cases {
		if o.String() != want {
			t.Errorf("Expected %q, got %q", want, o.String())
		}
	}
}
