package presence

import (
	"context"
	"testing"
)

type fakeSessions map[string]string

func (f fakeSessions) UserIDFor(_ context.Context, sessionID string) (string, bool, error) {
	uid, ok := f[sessionID]
	return uid, ok, nil
}

type fakeConn struct {
	id   string
	sent [][]byte
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func TestRegistry_Connect(t *testing.T) {
	r := NewRegistry(fakeSessions{"s1": "u1"})
	conn := &fakeConn{id: "c1"}

	uid, err := r.Connect(context.Background(), conn, "s1")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if uid != "u1" {
		t.Errorf("Expected userId u1, got %q", uid)
	}
	if !r.IsOnline("u1") {
		t.Error("Expected u1 online after connect")
	}
	if got, ok := r.ConnFor("u1"); !ok || got.ID() != "c1" {
		t.Errorf("Expected ConnFor to return c1, got %v ok=%v", got, ok)
	}
}

func TestRegistry_InvalidSession(t *testing.T) {
	r := NewRegistry(fakeSessions{})

	_, err := r.Connect(context.Background(), &fakeConn{id: "c1"}, "nope")
	if err != ErrInvalidSession {
		t.Errorf("Expected ErrInvalidSession, got %v", err)
	}
	if r.Online() != 0 {
		t.Errorf("Expected no registrations, got %d", r.Online())
	}
}

func TestRegistry_NewLoginReplacesOld(t *testing.T) {
	r := NewRegistry(fakeSessions{"s1": "u1"})
	ctx := context.Background()

	if _, err := r.Connect(ctx, &fakeConn{id: "c1"}, "s1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := r.Connect(ctx, &fakeConn{id: "c2"}, "s1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conn, ok := r.ConnFor("u1")
	if !ok || conn.ID() != "c2" {
		t.Errorf("Expected newest connection c2 to own the slot, got %v", conn)
	}
	if r.Online() != 1 {
		t.Errorf("Expected exactly one registration for u1, got %d", r.Online())
	}
}

func TestRegistry_ZombieDisconnectIsNoOp(t *testing.T) {
	r := NewRegistry(fakeSessions{"s1": "u1"})
	ctx := context.Background()

	if _, err := r.Connect(ctx, &fakeConn{id: "c1"}, "s1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := r.Connect(ctx, &fakeConn{id: "c2"}, "s1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The displaced connection finally closes. The fresh login must survive.
	r.Disconnect("c1")
	if !r.IsOnline("u1") {
		t.Error("Expected u1 to stay online after zombie disconnect")
	}

	r.Disconnect("c2")
	if r.IsOnline("u1") {
		t.Error("Expected u1 offline after its live connection closed")
	}
}

func TestRegistry_DisconnectUnknownConn(t *testing.T) {
	r := NewRegistry(fakeSessions{})
	r.Disconnect("never-seen")
	if r.Online() != 0 {
		t.Errorf("Expected no registrations, got %d", r.Online())
	}
}

func TestRegistry_ConnectHookSeesRecord(t *testing.T) {
	r := NewRegistry(fakeSessions{"s1": "u1"})

	var hookedUser string
	var onlineInHook bool
	r.SetConnectHook(func(_ context.Context, userID string) {
		hookedUser = userID
		onlineInHook = r.IsOnline(userID)
	})

	if _, err := r.Connect(context.Background(), &fakeConn{id: "c1"}, "s1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if hookedUser != "u1" {
		t.Errorf("Expected hook fired for u1, got %q", hookedUser)
	}
	if !onlineInHook {
		t.Error("Expected presence record installed before hook runs")
	}
}
