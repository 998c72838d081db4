package state

import (
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ReportsTable stores room reports feeding the moderator queue counter.
// One report per (room, reporter): duplicates are a Conflict at the API surface.
type ReportsTable struct {
	db *sqlx.DB
}

func NewReportsTable(db *sqlx.DB) *ReportsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shipboard_reports (
		report_id BIGSERIAL PRIMARY KEY,
		room_id UUID NOT NULL,
		reporter_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		closed BOOLEAN NOT NULL DEFAULT FALSE,
		created_ts BIGINT NOT NULL,
		UNIQUE(room_id, reporter_id)
	);
	`)
	return &ReportsTable{db}
}

// Insert files a report. Returns false if this reporter already reported the room.
func (t *ReportsTable) Insert(roomID uuid.UUID, reporterID, reason string, nowTS int64) (bool, error) {
	res, err := t.db.Exec(
		`INSERT INTO shipboard_reports(room_id, reporter_id, reason, created_ts)
		VALUES($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
		roomID, reporterID, reason, nowTS,
	)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	return ra > 0, err
}

// CountOpen is the raw value of the moderator-queue counter kind.
func (t *ReportsTable) CountOpen() (count int64, err error) {
	err = t.db.QueryRow(`SELECT count(*) FROM shipboard_reports WHERE closed=FALSE`).Scan(&count)
	return
}

func (t *ReportsTable) Close(reportID int64) error {
	_, err := t.db.Exec(`UPDATE shipboard_reports SET closed=TRUE WHERE report_id=$1`, reportID)
	return err
}
