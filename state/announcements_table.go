package state

import (
	"github.com/jmoiron/sqlx"
)

// AnnouncementsTable stores ship-wide notices. The bigserial ID doubles as the
// sequence the announcement-unseen counter is derived from.
type AnnouncementsTable struct {
	db *sqlx.DB
}

func NewAnnouncementsTable(db *sqlx.DB) *AnnouncementsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shipboard_announcements (
		announcement_id BIGSERIAL PRIMARY KEY,
		author_id TEXT NOT NULL,
		text TEXT NOT NULL,
		display_until BIGINT NOT NULL,
		created_ts BIGINT NOT NULL
	);
	`)
	return &AnnouncementsTable{db}
}

func (t *AnnouncementsTable) Insert(a *Announcement) (int64, error) {
	var id int64
	err := t.db.QueryRow(
		`INSERT INTO shipboard_announcements(author_id, text, display_until, created_ts)
		VALUES($1,$2,$3,$4) RETURNING announcement_id`,
		a.Author, a.Text, a.DisplayUntil, a.CreatedTS,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// SelectActive returns announcements still within their display window.
func (t *AnnouncementsTable) SelectActive(nowTS int64) (announcements []Announcement, err error) {
	err = t.db.Select(&announcements, `SELECT announcement_id, author_id, text, display_until, created_ts
		FROM shipboard_announcements WHERE display_until >= $1 ORDER BY announcement_id DESC`, nowTS)
	return
}

// MaxID returns the highest announcement ID, 0 when none exist. This is the raw
// value of the announcement-unseen counter kind.
func (t *AnnouncementsTable) MaxID() (maxID int64, err error) {
	err = t.db.QueryRow(`SELECT COALESCE(MAX(announcement_id), 0) FROM shipboard_announcements`).Scan(&maxID)
	return
}
