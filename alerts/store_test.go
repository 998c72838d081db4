package alerts

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// stubSource is the durable truth the store rebuilds from. Tests mutate it in
// step with the incremental writes they issue.
type stubSource struct {
	visible           map[string]int64
	read              map[string]int64
	words             map[string]int64
	maxAnnouncementID int64
	modQueue          int64
}

func (s *stubSource) UnreadRoomCounters(userID string) (map[string]int64, map[string]int64, error) {
	return s.visible, s.read, nil
}

func (s *stubSource) AlertWordCounts(userID string) (map[string]int64, error) {
	return s.words, nil
}

func (s *stubSource) MaxAnnouncementID() (int64, error) {
	return s.maxAnnouncementID, nil
}

func (s *stubSource) ModQueueSize() (int64, error) {
	return s.modQueue, nil
}

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *stubSource) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	source := &stubSource{
		visible: map[string]int64{},
		read:    map[string]int64{},
		words:   map[string]int64{},
	}
	return NewStoreWithClient(client, source, time.Hour), mr, source
}

// Replays an event history through the incremental writes, then wipes the hash
// and lets Snapshot rebuild from the durable truth. Both routes must land on
// the same snapshot.
func TestRebuildMatchesIncrementalMaintenance(t *testing.T) {
	store, mr, source := newTestStore(t)
	ctx := context.Background()

	// first snapshot builds the hash so incremental writes stick
	if _, err := store.Snapshot(ctx, "alice"); err != nil {
		t.Fatalf("Snapshot: %s", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.Increment(ctx, "alice", RoomUnreadField("room1"), 1); err != nil {
			t.Fatalf("Increment: %s", err)
		}
	}
	source.visible["room1"] = 3
	if err := store.MarkViewed(ctx, "alice", RoomUnreadField("room1"), 1); err != nil {
		t.Fatalf("MarkViewed: %s", err)
	}
	source.read["room1"] = 1
	for i := 0; i < 2; i++ {
		if err := store.Increment(ctx, "alice", AlertWordField("pizza"), 1); err != nil {
			t.Fatalf("Increment: %s", err)
		}
	}
	source.words["pizza"] = 2
	if err := store.Increment(ctx, "alice", KindModQueue, 1); err != nil {
		t.Fatalf("Increment: %s", err)
	}
	source.modQueue = 1
	source.maxAnnouncementID = 4

	before, err := store.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot: %s", err)
	}
	if before.RoomUnread["room1"] != 2 {
		t.Fatalf("room unread: got %d want 2", before.RoomUnread["room1"])
	}
	if before.AlertWords["pizza"] != 2 {
		t.Fatalf("alert word: got %d want 2", before.AlertWords["pizza"])
	}
	if before.Announcements != 4 {
		t.Fatalf("announcements: got %d want 4", before.Announcements)
	}

	mr.FlushAll()
	after, err := store.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatalf("Snapshot after eviction: %s", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rebuild diverged from incremental maintenance:\nbefore %+v\nafter  %+v", before, after)
	}
}

// Writes landing before the hash was ever built get discarded by the first
// rebuild: the durable write for their event already happened, so keeping them
// would double count.
func TestBlindWritesBeforeFirstSnapshotAreDiscarded(t *testing.T) {
	store, _, source := newTestStore(t)
	ctx := context.Background()

	if err := store.Increment(ctx, "bob", RoomUnreadField("room1"), 5); err != nil {
		t.Fatalf("Increment: %s", err)
	}
	source.visible["room1"] = 2

	snap, err := store.Snapshot(ctx, "bob")
	if err != nil {
		t.Fatalf("Snapshot: %s", err)
	}
	if snap.RoomUnread["room1"] != 2 {
		t.Fatalf("room unread: got %d want 2", snap.RoomUnread["room1"])
	}
}

func TestDecrementFloorsAtZero(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	field := RoomUnreadField("room1")
	if err := store.Increment(ctx, "carol", field, 1); err != nil {
		t.Fatalf("Increment: %s", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Decrement(ctx, "carol", field, 1); err != nil {
			t.Fatalf("Decrement: %s", err)
		}
	}
	if got := mr.HGet("notify:carol", field); got != "0" {
		t.Fatalf("raw counter: got %q want %q", got, "0")
	}
}

func TestMarkViewedIsMonotonic(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	field := RoomUnreadField("room1")
	if err := store.MarkViewed(ctx, "dave", field, 5); err != nil {
		t.Fatalf("MarkViewed: %s", err)
	}
	if err := store.MarkViewed(ctx, "dave", field, 3); err != nil {
		t.Fatalf("MarkViewed: %s", err)
	}
	if got := mr.HGet("notify:dave", SeenField(field)); got != "5" {
		t.Fatalf("seen checkpoint: got %q want %q", got, "5")
	}
}

// Join seeds a room's fields on a built hash; leave removes them, checkpoint
// included, so nothing stale survives a later rejoin.
func TestResetAndDropRoom(t *testing.T) {
	store, mr, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Snapshot(ctx, "erin"); err != nil {
		t.Fatalf("Snapshot: %s", err)
	}
	if err := store.ResetRoom(ctx, "erin", "room1", 7, 0); err != nil {
		t.Fatalf("ResetRoom: %s", err)
	}
	snap, err := store.Snapshot(ctx, "erin")
	if err != nil {
		t.Fatalf("Snapshot: %s", err)
	}
	if snap.RoomUnread["room1"] != 7 {
		t.Fatalf("room unread after seed: got %d want 7", snap.RoomUnread["room1"])
	}

	if err := store.MarkViewed(ctx, "erin", RoomUnreadField("room1"), 4); err != nil {
		t.Fatalf("MarkViewed: %s", err)
	}
	if err := store.DropRoom(ctx, "erin", "room1"); err != nil {
		t.Fatalf("DropRoom: %s", err)
	}
	snap, err = store.Snapshot(ctx, "erin")
	if err != nil {
		t.Fatalf("Snapshot: %s", err)
	}
	if _, ok := snap.RoomUnread["room1"]; ok {
		t.Fatalf("room counter survived the drop: %+v", snap.RoomUnread)
	}
	if mr.HGet("notify:erin", SeenField(RoomUnreadField("room1"))) != "" {
		t.Fatalf("seen checkpoint survived the drop")
	}

	// a rejoin with less visible history must not inherit the old checkpoint
	if err := store.ResetRoom(ctx, "erin", "room1", 2, 0); err != nil {
		t.Fatalf("ResetRoom: %s", err)
	}
	snap, err = store.Snapshot(ctx, "erin")
	if err != nil {
		t.Fatalf("Snapshot: %s", err)
	}
	if snap.RoomUnread["room1"] != 2 {
		t.Fatalf("room unread after rejoin: got %d want 2", snap.RoomUnread["room1"])
	}
}
