package state

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/shipboard-chat/shipboard/sqlutil"
)

// ParticipantsTable stores one cursor row per (room, user). Counter updates are
// single UPDATE statements with GREATEST floors so concurrent repair paths can
// never drive a count negative.
type ParticipantsTable struct {
	db *sqlx.DB
}

func NewParticipantsTable(db *sqlx.DB) *ParticipantsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shipboard_participants (
		room_id UUID NOT NULL,
		user_id TEXT NOT NULL,
		read_count INTEGER NOT NULL DEFAULT 0,
		hidden_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(room_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS shipboard_participants_user_idx ON shipboard_participants(user_id);
	`)
	return &ParticipantsTable{db}
}

func (t *ParticipantsTable) Insert(txn *sqlx.Tx, cursor *Cursor) error {
	_, err := txn.Exec(
		`INSERT INTO shipboard_participants(room_id, user_id, read_count, hidden_count) VALUES($1,$2,$3,$4)`,
		cursor.RoomID, cursor.UserID, cursor.ReadCount, cursor.HiddenCount,
	)
	return err
}

// BulkInsert creates cursors for many members at once, chunked to stay under
// the Postgres bound-parameter limit. Used on room creation with an initial
// participant list.
func (t *ParticipantsTable) BulkInsert(txn *sqlx.Tx, cursors []Cursor) error {
	if len(cursors) == 0 {
		return nil
	}
	chunks := sqlutil.Chunkify(4, MaxPostgresParameters, CursorChunker(cursors))
	for _, chunk := range chunks {
		_, err := txn.NamedExec(`
		INSERT INTO shipboard_participants (room_id, user_id, read_count, hidden_count)
		VALUES (:room_id, :user_id, :read_count, :hidden_count)`, chunk)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *ParticipantsTable) Delete(txn *sqlx.Tx, roomID uuid.UUID, userID string) error {
	_, err := txn.Exec(`DELETE FROM shipboard_participants WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	return err
}

func (t *ParticipantsTable) Select(roomID uuid.UUID, userID string) (*Cursor, error) {
	var c Cursor
	err := t.db.Get(&c, `SELECT room_id, user_id, read_count, hidden_count
		FROM shipboard_participants WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *ParticipantsTable) SelectForRoom(txn *sqlx.Tx, roomID uuid.UUID) (cursors []Cursor, err error) {
	err = txn.Select(&cursors, `SELECT room_id, user_id, read_count, hidden_count
		FROM shipboard_participants WHERE room_id=$1`, roomID)
	return
}

// SelectForUser returns all of a user's cursors; the counter rebuild path joins
// these against room post counts.
func (t *ParticipantsTable) SelectForUser(userID string) (cursors []Cursor, err error) {
	err = t.db.Select(&cursors, `SELECT room_id, user_id, read_count, hidden_count
		FROM shipboard_participants WHERE user_id=$1`, userID)
	return
}

// IncrementHidden adjusts hidden counts for the given members. delta may be
// negative; floored at 0.
func (t *ParticipantsTable) IncrementHidden(txn *sqlx.Tx, roomID uuid.UUID, userIDs []string, delta int) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := txn.Exec(
		`UPDATE shipboard_participants SET hidden_count=GREATEST(0, hidden_count + $3)
		WHERE room_id=$1 AND user_id = ANY($2)`,
		roomID, pq.StringArray(userIDs), delta,
	)
	return err
}

// DecrementRead repairs read counts after a post deletion for the members who
// had read past the deleted post, floored at 0. The caller decides membership
// of userIDs: read counts index each member's visible sequence, so whether a
// member read past the deleted post cannot be decided by a shared SQL predicate.
func (t *ParticipantsTable) DecrementRead(txn *sqlx.Tx, roomID uuid.UUID, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := txn.Exec(
		`UPDATE shipboard_participants SET read_count=GREATEST(0, read_count - 1)
		WHERE room_id=$1 AND user_id = ANY($2)`,
		roomID, pq.StringArray(userIDs),
	)
	return err
}

// SetReadCount overwrites the read count, used by the author's own cursor on
// post creation (authoring implies having read everything visible).
func (t *ParticipantsTable) SetReadCount(txn *sqlx.Tx, roomID uuid.UUID, userID string, readCount int) error {
	_, err := txn.Exec(
		`UPDATE shipboard_participants SET read_count=$3 WHERE room_id=$1 AND user_id=$2`,
		roomID, userID, readCount,
	)
	return err
}

// SetCounts overwrites both counters, used by the relation-change rebuild path.
func (t *ParticipantsTable) SetCounts(txn *sqlx.Tx, roomID uuid.UUID, userID string, readCount, hiddenCount int) error {
	_, err := txn.Exec(
		`UPDATE shipboard_participants SET read_count=$3, hidden_count=$4 WHERE room_id=$1 AND user_id=$2`,
		roomID, userID, readCount, hiddenCount,
	)
	return err
}

type CursorChunker []Cursor

func (c CursorChunker) Len() int {
	return len(c)
}
func (c CursorChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

// MarkRead advances the read count to through, clamped to the number of visible
// posts and never decreasing.
func (t *ParticipantsTable) MarkRead(txn *sqlx.Tx, roomID uuid.UUID, userID string, through, postCount int) error {
	_, err := txn.Exec(
		`UPDATE shipboard_participants
		SET read_count=GREATEST(read_count, LEAST($3, $4 - hidden_count))
		WHERE room_id=$1 AND user_id=$2`,
		roomID, userID, through, postCount,
	)
	return err
}
