package alerts

import (
	"reflect"
	"testing"
)

func TestFieldNames(t *testing.T) {
	if got := RoomUnreadField("abc"); got != "fez:abc" {
		t.Fatalf("RoomUnreadField: got %q", got)
	}
	if got := AlertWordField("pizza"); got != "word:pizza" {
		t.Fatalf("AlertWordField: got %q", got)
	}
	if got := SeenField(RoomUnreadField("abc")); got != "seen:fez:abc" {
		t.Fatalf("SeenField: got %q", got)
	}
}

func TestSnapshotFromFields(t *testing.T) {
	fields := map[string]string{
		rebuiltMarkerField: "1",
		"fez:room1":        "10",
		"seen:fez:room1":   "7",
		"fez:room2":        "4",
		"seen:fez:room2":   "9", // seen ran ahead of raw after a rebuild: floor at 0
		"word:pizza":       "3",
		"seen:word:pizza":  "1",
		"seen:announce":    "5",
		"modqueue":         "2",
	}
	snap := snapshotFromFields(fields, 8)
	wantRooms := map[string]int64{"room1": 3}
	if !reflect.DeepEqual(snap.RoomUnread, wantRooms) {
		t.Errorf("RoomUnread: got %v want %v", snap.RoomUnread, wantRooms)
	}
	wantWords := map[string]int64{"pizza": 2}
	if !reflect.DeepEqual(snap.AlertWords, wantWords) {
		t.Errorf("AlertWords: got %v want %v", snap.AlertWords, wantWords)
	}
	// 3 announcements beyond the seen checkpoint of 5
	if snap.Announcements != 3 {
		t.Errorf("Announcements: got %d want 3", snap.Announcements)
	}
	if snap.ModQueue != 2 {
		t.Errorf("ModQueue: got %d want 2", snap.ModQueue)
	}
}

func TestSnapshotFromFieldsEmpty(t *testing.T) {
	snap := snapshotFromFields(map[string]string{rebuiltMarkerField: "1"}, 0)
	if len(snap.RoomUnread) != 0 || len(snap.AlertWords) != 0 || snap.Announcements != 0 || snap.ModQueue != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}

func TestSnapshotIgnoresSeenOnlyFields(t *testing.T) {
	// a member who read everything then got a rebuild keeps seen twins with no
	// raw partner; those must not resurface as counters
	snap := snapshotFromFields(map[string]string{
		rebuiltMarkerField: "1",
		"seen:fez:gone":    "12",
	}, 0)
	if len(snap.RoomUnread) != 0 {
		t.Fatalf("seen-only field leaked: %v", snap.RoomUnread)
	}
}
