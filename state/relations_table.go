package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/shipboard-chat/shipboard/sqlutil"
)

// RelationsTable stores each user's block/mute lists as a single CBOR blob. We
// never search inside the blob, and CBOR keeps the hot join path's reads small.
type RelationsTable struct {
	db *sqlx.DB
}

func NewRelationsTable(db *sqlx.DB) *RelationsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS shipboard_relations (
		user_id TEXT NOT NULL PRIMARY KEY,
		data BYTEA NOT NULL
	);
	`)
	return &RelationsTable{db}
}

// Select returns the user's relation set, or an empty set if none stored.
func (t *RelationsTable) Select(userID string) (*RelationSet, error) {
	var data []byte
	err := t.db.QueryRow(`SELECT data FROM shipboard_relations WHERE user_id=$1`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &RelationSet{}, nil
	}
	if err != nil {
		return nil, err
	}
	var rs RelationSet
	if err := cbor.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("corrupt relation blob for %s: %w", userID, err)
	}
	return &rs, nil
}

// SelectMany loads relation sets for several users in one query. Users with no
// row are absent from the returned map; callers treat that as an empty set.
func (t *RelationsTable) SelectMany(txn *sqlx.Tx, userIDs []string) (map[string]*RelationSet, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := txn.Query(`SELECT user_id, data FROM shipboard_relations WHERE user_id = ANY($1)`, pq.StringArray(userIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]*RelationSet)
	for rows.Next() {
		var userID string
		var data []byte
		if err := rows.Scan(&userID, &data); err != nil {
			return nil, err
		}
		var rs RelationSet
		if err := cbor.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("corrupt relation blob for %s: %w", userID, err)
		}
		result[userID] = &rs
	}
	return result, rows.Err()
}

// Mutate atomically applies fn to the user's relation set. The row is locked
// FOR UPDATE for the read-modify-write; fn returning false skips the write.
func (t *RelationsTable) Mutate(userID string, fn func(rs *RelationSet) bool) (*RelationSet, error) {
	var result *RelationSet
	err := sqlutil.WithTransaction(t.db, func(txn *sqlx.Tx) error {
		var data []byte
		err := txn.QueryRow(`SELECT data FROM shipboard_relations WHERE user_id=$1 FOR UPDATE`, userID).Scan(&data)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		rs := &RelationSet{}
		if len(data) > 0 {
			if err := cbor.Unmarshal(data, rs); err != nil {
				return fmt.Errorf("corrupt relation blob for %s: %w", userID, err)
			}
		}
		result = rs
		if !fn(rs) {
			return nil
		}
		rs.Blocks = lo.Uniq(rs.Blocks)
		rs.Mutes = lo.Uniq(rs.Mutes)
		blob, err := cbor.Marshal(rs)
		if err != nil {
			return err
		}
		_, err = txn.Exec(
			`INSERT INTO shipboard_relations(user_id, data) VALUES($1,$2)
			ON CONFLICT (user_id) DO UPDATE SET data=$2`,
			userID, blob,
		)
		return err
	})
	return result, err
}
