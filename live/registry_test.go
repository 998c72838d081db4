package live

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type nopPusher struct {
	mu        sync.Mutex
	numCloses int
}

func (n *nopPusher) Push(ctx context.Context, msg Message) error { return nil }

func (n *nopPusher) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.numCloses++
}

func (n *nopPusher) closes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.numCloses
}

func TestRegistryAttachDetach(t *testing.T) {
	r := NewRegistry(false)
	roomID := uuid.New()
	p := &nopPusher{}
	conn := NewConn("alice", roomID, p)
	r.Attach(conn)
	// re-attaching the same connection is a no-op
	r.Attach(conn)
	if got := r.NumConns(); got != 1 {
		t.Fatalf("NumConns: got %d want 1", got)
	}
	if got := r.ConnsForRoom(roomID); len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("ConnsForRoom: got %v", got)
	}
	if got := r.ConnsForUser("alice"); len(got) != 1 {
		t.Fatalf("ConnsForUser: got %v", got)
	}

	r.Detach(conn)
	// detach races with push-failure detection; the second call must be a no-op
	r.Detach(conn)
	if got := r.NumConns(); got != 0 {
		t.Fatalf("NumConns after detach: got %d want 0", got)
	}
	if got := p.closes(); got != 1 {
		t.Fatalf("transport closed %d times, want 1", got)
	}
	if got := r.ConnsForRoom(roomID); len(got) != 0 {
		t.Fatalf("ConnsForRoom after detach: got %v", got)
	}
}

func TestRegistryScopes(t *testing.T) {
	r := NewRegistry(false)
	roomID := uuid.New()
	roomConn := NewConn("alice", roomID, &nopPusher{})
	globalConn := NewConn("alice", uuid.Nil, &nopPusher{})
	otherGlobal := NewConn("bob", uuid.Nil, &nopPusher{})
	r.Attach(roomConn)
	r.Attach(globalConn)
	r.Attach(otherGlobal)

	// a user's connections include both scopes
	if got := r.ConnsForUser("alice"); len(got) != 2 {
		t.Fatalf("ConnsForUser: got %d conns want 2", len(got))
	}
	// room listings exclude global connections
	if got := r.ConnsForRoom(roomID); len(got) != 1 {
		t.Fatalf("ConnsForRoom: got %d conns want 1", len(got))
	}
	if got := r.GlobalConns(); len(got) != 2 {
		t.Fatalf("GlobalConns: got %d conns want 2", len(got))
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(false)
	pushers := make([]*nopPusher, 5)
	for i := range pushers {
		pushers[i] = &nopPusher{}
		r.Attach(NewConn("user", uuid.New(), pushers[i]))
	}
	r.CloseAll()
	if got := r.NumConns(); got != 0 {
		t.Fatalf("NumConns after CloseAll: got %d want 0", got)
	}
	for i, p := range pushers {
		if p.closes() != 1 {
			t.Fatalf("pusher %d closed %d times, want 1", i, p.closes())
		}
	}
}
