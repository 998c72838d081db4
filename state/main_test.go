package state

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/shipboard-chat/shipboard/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=shipboard_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("shipboard_test")
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*sqlx.DB, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	return db, func() {
		db.Close()
	}
}

// cleanDB wipes all tables so each test starts fresh.
func cleanDB(t *testing.T, db *sqlx.DB) {
	t.Helper()
	_, err := db.Exec(`
	TRUNCATE shipboard_rooms, shipboard_posts, shipboard_participants,
	shipboard_relations, shipboard_alert_words, shipboard_announcements, shipboard_reports`)
	if err != nil {
		t.Fatalf("failed to clean the database: %s", err)
	}
}
