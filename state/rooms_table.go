package state

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// RoomsTable stores one row per room. The participant array lives on the room
// row so that join/leave and post-count arithmetic serialise on a single
// SELECT ... FOR UPDATE of that row.
type RoomsTable struct {
	db *sqlx.DB
}

func NewRoomsTable(db *sqlx.DB) *RoomsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shipboard_rooms (
		room_id UUID NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		info TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		min_capacity INTEGER NOT NULL DEFAULT 0,
		max_capacity INTEGER NOT NULL DEFAULT 0,
		cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		post_count INTEGER NOT NULL DEFAULT 0,
		participants TEXT[] NOT NULL DEFAULT '{}',
		created_ts BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS shipboard_rooms_owner_idx ON shipboard_rooms(owner_id);
	-- membership listings query the participant array directly
	CREATE INDEX IF NOT EXISTS shipboard_rooms_participants_idx ON shipboard_rooms USING GIN(participants);
	`)
	return &RoomsTable{db}
}

func (t *RoomsTable) Insert(txn *sqlx.Tx, room *Room) error {
	_, err := txn.Exec(
		`INSERT INTO shipboard_rooms(room_id, kind, owner_id, title, info, location, min_capacity, max_capacity, participants, created_ts)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		room.ID, room.Kind, room.Owner, room.Title, room.Info, room.Location,
		room.MinCapacity, room.MaxCapacity, room.Participants, room.CreatedTS,
	)
	return err
}

// SelectRoomForUpdate locks the room row for the duration of the transaction.
// All same-room mutations go through this, serialising read-then-write counter
// arithmetic. Returns nil with no error if the room doesn't exist or is deleted.
func (t *RoomsTable) SelectRoomForUpdate(txn *sqlx.Tx, roomID uuid.UUID) (*Room, error) {
	var room Room
	err := txn.Get(&room, `SELECT room_id, kind, owner_id, title, info, location, min_capacity, max_capacity,
		cancelled, deleted, post_count, participants, created_ts
		FROM shipboard_rooms WHERE room_id=$1 AND deleted=FALSE FOR UPDATE`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// SelectRoom is the read-path variant: no lock taken.
func (t *RoomsTable) SelectRoom(roomID uuid.UUID) (*Room, error) {
	var room Room
	err := t.db.Get(&room, `SELECT room_id, kind, owner_id, title, info, location, min_capacity, max_capacity,
		cancelled, deleted, post_count, participants, created_ts
		FROM shipboard_rooms WHERE room_id=$1 AND deleted=FALSE`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (t *RoomsTable) UpdateParticipants(txn *sqlx.Tx, roomID uuid.UUID, participants []string) error {
	_, err := txn.Exec(
		`UPDATE shipboard_rooms SET participants=$2 WHERE room_id=$1`,
		roomID, pq.StringArray(participants),
	)
	return err
}

// IncrementPostCount bumps the cached non-deleted post count. delta may be
// negative; the count is floored at 0 as a belt against double-deletes.
func (t *RoomsTable) IncrementPostCount(txn *sqlx.Tx, roomID uuid.UUID, delta int) (newCount int, err error) {
	err = txn.QueryRow(
		`UPDATE shipboard_rooms SET post_count=GREATEST(0, post_count + $2) WHERE room_id=$1 RETURNING post_count`,
		roomID, delta,
	).Scan(&newCount)
	return
}

func (t *RoomsTable) UpdateDetails(txn *sqlx.Tx, room *Room) error {
	_, err := txn.Exec(
		`UPDATE shipboard_rooms SET title=$2, info=$3, location=$4, min_capacity=$5, max_capacity=$6 WHERE room_id=$1`,
		room.ID, room.Title, room.Info, room.Location, room.MinCapacity, room.MaxCapacity,
	)
	return err
}

func (t *RoomsTable) SetCancelled(txn *sqlx.Tx, roomID uuid.UUID, cancelled bool) error {
	_, err := txn.Exec(`UPDATE shipboard_rooms SET cancelled=$2 WHERE room_id=$1`, roomID, cancelled)
	return err
}

// SetDeleted soft-deletes: rooms are never hard-purged while posts exist.
func (t *RoomsTable) SetDeleted(txn *sqlx.Tx, roomID uuid.UUID) error {
	_, err := txn.Exec(`UPDATE shipboard_rooms SET deleted=TRUE WHERE room_id=$1`, roomID)
	return err
}

// SelectOpenRooms lists self-joinable rooms, newest first.
func (t *RoomsTable) SelectOpenRooms(limit, offset int) (rooms []Room, err error) {
	err = t.db.Select(&rooms, `SELECT room_id, kind, owner_id, title, info, location, min_capacity, max_capacity,
		cancelled, deleted, post_count, participants, created_ts
		FROM shipboard_rooms
		WHERE deleted=FALSE AND cancelled=FALSE AND kind NOT IN ('closed','open')
		ORDER BY created_ts DESC LIMIT $1 OFFSET $2`, limit, offset)
	return
}

// SelectRoomsForUser lists rooms the user participates in, newest first.
func (t *RoomsTable) SelectRoomsForUser(userID string, limit, offset int) (rooms []Room, err error) {
	err = t.db.Select(&rooms, `SELECT room_id, kind, owner_id, title, info, location, min_capacity, max_capacity,
		cancelled, deleted, post_count, participants, created_ts
		FROM shipboard_rooms
		WHERE deleted=FALSE AND participants @> ARRAY[$1]
		ORDER BY created_ts DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	return
}

func (t *RoomsTable) SelectRoomsOwnedBy(userID string, limit, offset int) (rooms []Room, err error) {
	err = t.db.Select(&rooms, `SELECT room_id, kind, owner_id, title, info, location, min_capacity, max_capacity,
		cancelled, deleted, post_count, participants, created_ts
		FROM shipboard_rooms
		WHERE deleted=FALSE AND owner_id=$1
		ORDER BY created_ts DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	return
}
