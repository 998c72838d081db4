package state

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostsTable stores posts. Posts reference their room by ID only; the room holds
// no direct collection, just a cached count.
type PostsTable struct {
	db *sqlx.DB
}

func NewPostsTable(db *sqlx.DB) *PostsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shipboard_posts (
		post_id BIGSERIAL PRIMARY KEY,
		room_id UUID NOT NULL,
		author_id TEXT NOT NULL,
		text TEXT NOT NULL,
		image TEXT NOT NULL DEFAULT '',
		created_ts BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS shipboard_posts_room_idx ON shipboard_posts(room_id, post_id);
	CREATE INDEX IF NOT EXISTS shipboard_posts_author_idx ON shipboard_posts(author_id);
	`)
	return &PostsTable{db}
}

func (t *PostsTable) Insert(txn *sqlx.Tx, post *Post) (int64, error) {
	var id int64
	err := txn.QueryRow(
		`INSERT INTO shipboard_posts(room_id, author_id, text, image, created_ts)
		VALUES($1,$2,$3,$4,$5) RETURNING post_id`,
		post.RoomID, post.Author, post.Text, post.Image, post.CreatedTS,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	post.ID = id
	return id, nil
}

func (t *PostsTable) SelectForUpdate(txn *sqlx.Tx, postID int64) (*Post, error) {
	var post Post
	err := txn.Get(&post, `SELECT post_id, room_id, author_id, text, image, created_ts
		FROM shipboard_posts WHERE post_id=$1 FOR UPDATE`, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (t *PostsTable) Delete(txn *sqlx.Tx, postID int64) error {
	_, err := txn.Exec(`DELETE FROM shipboard_posts WHERE post_id=$1`, postID)
	return err
}

// CountBefore returns the position index of postID within its room: the number
// of remaining posts that sort before it. Cursor repair on deletion compares
// read counts against this index.
func (t *PostsTable) CountBefore(txn *sqlx.Tx, roomID uuid.UUID, postID int64) (count int, err error) {
	err = txn.QueryRow(
		`SELECT count(*) FROM shipboard_posts WHERE room_id=$1 AND post_id < $2`,
		roomID, postID,
	).Scan(&count)
	return
}

// CountByAuthors counts posts in the room written by any of authors. Used to
// initialise a joining member's hidden count from existing history.
func (t *PostsTable) CountByAuthors(txn *sqlx.Tx, roomID uuid.UUID, authors []string) (count int, err error) {
	if len(authors) == 0 {
		return 0, nil
	}
	err = txn.QueryRow(
		`SELECT count(*) FROM shipboard_posts WHERE room_id=$1 AND author_id = ANY($2)`,
		roomID, pq.StringArray(authors),
	).Scan(&count)
	return
}

// CountByAuthorsBefore counts posts before beforeID in the room written by any
// of authors. Deletion repair uses this to translate a global position index
// into one member's visible sequence.
func (t *PostsTable) CountByAuthorsBefore(txn *sqlx.Tx, roomID uuid.UUID, authors []string, beforeID int64) (count int, err error) {
	if len(authors) == 0 {
		return 0, nil
	}
	err = txn.QueryRow(
		`SELECT count(*) FROM shipboard_posts WHERE room_id=$1 AND post_id < $2 AND author_id = ANY($3)`,
		roomID, beforeID, pq.StringArray(authors),
	).Scan(&count)
	return
}

// SelectRoomPosts returns a page of posts in insertion order, excluding posts by
// hiddenAuthors (the viewer's block∪mute set).
func (t *PostsTable) SelectRoomPosts(roomID uuid.UUID, hiddenAuthors []string, limit, offset int) (posts []Post, err error) {
	err = t.db.Select(&posts, `SELECT post_id, room_id, author_id, text, image, created_ts
		FROM shipboard_posts
		WHERE room_id=$1 AND NOT (author_id = ANY($2))
		ORDER BY post_id ASC LIMIT $3 OFFSET $4`,
		roomID, pq.StringArray(hiddenAuthors), limit, offset)
	return
}

// SelectPostsContaining pulls candidate posts for alert-word rebuilds. The SQL
// match is a coarse substring filter; callers re-apply the word matcher so the
// rebuilt count is identical to what incremental maintenance produced.
func (t *PostsTable) SelectPostsContaining(fragment string) (posts []Post, err error) {
	err = t.db.Select(&posts, `SELECT post_id, room_id, author_id, text, image, created_ts
		FROM shipboard_posts WHERE text ILIKE '%' || $1 || '%' ORDER BY post_id ASC`, fragment)
	return
}
