package state

import (
	"os"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Hard limit of bound parameters in a single Postgres statement.
const MaxPostgresParameters = 65535

// RoomKind enumerates the chat container flavours. Closed/open are seamail
// (invite-only, owner adds members); the rest are self-joinable LFG categories.
type RoomKind string

const (
	RoomKindClosed   RoomKind = "closed"
	RoomKindOpen     RoomKind = "open"
	RoomKindActivity RoomKind = "activity"
	RoomKindDining   RoomKind = "dining"
	RoomKindGaming   RoomKind = "gaming"
	RoomKindMeetup   RoomKind = "meetup"
	RoomKindShore    RoomKind = "shore"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindClosed, RoomKindOpen, RoomKindActivity, RoomKindDining,
		RoomKindGaming, RoomKindMeetup, RoomKindShore:
		return true
	}
	return false
}

// IsSeamail reports whether the kind forbids self-joins: membership changes go
// through the owner only.
func (k RoomKind) IsSeamail() bool {
	return k == RoomKindClosed || k == RoomKindOpen
}

// Room is the durable record for a chat container. Participants is insertion
// ordered and doubles as the waitlist: members beyond MaxCapacity (when nonzero)
// are waitlisted in array order. Waitlist membership is derived, never stored.
type Room struct {
	ID           uuid.UUID      `db:"room_id"`
	Kind         RoomKind       `db:"kind"`
	Owner        string         `db:"owner_id"`
	Title        string         `db:"title"`
	Info         string         `db:"info"`
	Location     string         `db:"location"`
	MinCapacity  int            `db:"min_capacity"`
	MaxCapacity  int            `db:"max_capacity"`
	Cancelled    bool           `db:"cancelled"`
	Deleted      bool           `db:"deleted"`
	PostCount    int            `db:"post_count"`
	Participants pq.StringArray `db:"participants"`
	CreatedTS    int64          `db:"created_ts"`
}

// ParticipantIndex returns the position of user in the participant array, or -1.
func (r *Room) ParticipantIndex(user string) int {
	return lo.IndexOf(r.Participants, user)
}

func (r *Room) IsParticipant(user string) bool {
	return r.ParticipantIndex(user) >= 0
}

// ActiveParticipants are the members within capacity.
func (r *Room) ActiveParticipants() []string {
	if r.MaxCapacity <= 0 || len(r.Participants) <= r.MaxCapacity {
		return r.Participants
	}
	return r.Participants[:r.MaxCapacity]
}

// Waitlist are the members beyond capacity, in join order.
func (r *Room) Waitlist() []string {
	if r.MaxCapacity <= 0 || len(r.Participants) <= r.MaxCapacity {
		return nil
	}
	return r.Participants[r.MaxCapacity:]
}

// Post is one message in a room. Ordering within a room is by ID (bigserial), so
// insertion order and creation order agree and cursor arithmetic stays stable.
type Post struct {
	ID        int64     `db:"post_id"`
	RoomID    uuid.UUID `db:"room_id"`
	Author    string    `db:"author_id"`
	Text      string    `db:"text"`
	Image     string    `db:"image"`
	CreatedTS int64     `db:"created_ts"`
}

// Cursor is the per-(room, user) read/hidden bookkeeping.
// Invariant: 0 <= ReadCount, 0 <= HiddenCount, ReadCount+HiddenCount <= room.PostCount.
type Cursor struct {
	RoomID      uuid.UUID `db:"room_id"`
	UserID      string    `db:"user_id"`
	ReadCount   int       `db:"read_count"`
	HiddenCount int       `db:"hidden_count"`
}

// RelationSet is a user's block and mute lists, stored as a single CBOR blob as
// we never need to search inside it.
type RelationSet struct {
	Blocks []string `cbor:"b"`
	Mutes  []string `cbor:"m"`
}

// HiddenAuthors is the combined block∪mute set: authors whose posts must not
// appear in the owning user's post list nor count toward their unread.
func (rs *RelationSet) HiddenAuthors() map[string]struct{} {
	if rs == nil {
		return nil
	}
	hidden := make(map[string]struct{}, len(rs.Blocks)+len(rs.Mutes))
	for _, u := range rs.Blocks {
		hidden[u] = struct{}{}
	}
	for _, u := range rs.Mutes {
		hidden[u] = struct{}{}
	}
	return hidden
}

func (rs *RelationSet) Hides(author string) bool {
	if rs == nil {
		return false
	}
	return lo.Contains(rs.Blocks, author) || lo.Contains(rs.Mutes, author)
}

// Announcement is a ship-wide notice. The unseen counter kind is derived from
// the max announcement ID vs the user's seen checkpoint.
type Announcement struct {
	ID           int64  `db:"announcement_id"`
	Author       string `db:"author_id"`
	Text         string `db:"text"`
	DisplayUntil int64  `db:"display_until"`
	CreatedTS    int64  `db:"created_ts"`
}
