package state

import (
	"strings"

	"github.com/jmoiron/sqlx"
)

// AlertWordsTable stores which users track which words. The fan-out engine
// builds its multi-pattern matcher from SelectAll and mention counters key off
// (word, user) registrations.
type AlertWordsTable struct {
	db *sqlx.DB
}

func NewAlertWordsTable(db *sqlx.DB) *AlertWordsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shipboard_alert_words (
		word TEXT NOT NULL,
		user_id TEXT NOT NULL,
		UNIQUE(word, user_id)
	);
	CREATE INDEX IF NOT EXISTS shipboard_alert_words_user_idx ON shipboard_alert_words(user_id);
	`)
	return &AlertWordsTable{db}
}

// Insert registers a word for a user. Words are normalised to lower case.
// Returns true if this was a new registration.
func (t *AlertWordsTable) Insert(word, userID string) (bool, error) {
	res, err := t.db.Exec(
		`INSERT INTO shipboard_alert_words(word, user_id) VALUES($1,$2) ON CONFLICT DO NOTHING`,
		strings.ToLower(word), userID,
	)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	return ra > 0, err
}

func (t *AlertWordsTable) Delete(word, userID string) error {
	_, err := t.db.Exec(
		`DELETE FROM shipboard_alert_words WHERE word=$1 AND user_id=$2`,
		strings.ToLower(word), userID,
	)
	return err
}

// SelectAll returns the full word → users mapping.
func (t *AlertWordsTable) SelectAll() (map[string][]string, error) {
	rows, err := t.db.Query(`SELECT word, user_id FROM shipboard_alert_words`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string][]string)
	for rows.Next() {
		var word, userID string
		if err := rows.Scan(&word, &userID); err != nil {
			return nil, err
		}
		result[word] = append(result[word], userID)
	}
	return result, rows.Err()
}

func (t *AlertWordsTable) SelectForUser(userID string) (words []string, err error) {
	err = t.db.Select(&words, `SELECT word FROM shipboard_alert_words WHERE user_id=$1 ORDER BY word`, userID)
	return
}
