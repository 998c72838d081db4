package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCborRelations, downCborRelations)
}

// relationSet mirrors state.RelationSet; redeclared here so the migration keeps
// working if the live struct grows fields later.
type relationSet struct {
	Blocks []string `json:"blocks" cbor:"b"`
	Mutes  []string `json:"mutes" cbor:"m"`
}

func upCborRelations(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRow("select data_type from information_schema.columns where table_name = 'shipboard_relations' AND column_name = 'data'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The table doesn't exist and is likely going to be created soon with the
			// correct schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "bytea" {
		return nil
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS shipboard_relations ADD COLUMN IF NOT EXISTS datab BYTEA;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT user_id, data FROM shipboard_relations")
	if err != nil {
		return err
	}
	defer rows.Close()

	blobs := make(map[string][]byte)
	for rows.Next() {
		var userID string
		var data []byte
		if err = rows.Scan(&userID, &data); err != nil {
			return err
		}
		blobs[userID] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for userID, jsonBytes := range blobs {
		var rs relationSet
		if err := json.Unmarshal(jsonBytes, &rs); err != nil {
			return fmt.Errorf("failed to unmarshal JSON: %v -> %v", string(jsonBytes), err)
		}
		cborBytes, err := cbor.Marshal(rs)
		if err != nil {
			return fmt.Errorf("failed to marshal as CBOR: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE shipboard_relations SET datab = $1 WHERE user_id = $2;", cborBytes, userID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS shipboard_relations DROP COLUMN IF EXISTS data;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS shipboard_relations RENAME COLUMN datab TO data;")
	return err
}

func downCborRelations(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS shipboard_relations ADD COLUMN IF NOT EXISTS dataj JSONB;")
	if err != nil {
		return err
	}
	rows, err := tx.Query("SELECT user_id, data FROM shipboard_relations")
	if err != nil {
		return err
	}
	defer rows.Close()

	blobs := make(map[string][]byte)
	for rows.Next() {
		var userID string
		var data []byte
		if err = rows.Scan(&userID, &data); err != nil {
			return err
		}
		blobs[userID] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for userID, cborBytes := range blobs {
		var rs relationSet
		if err := cbor.Unmarshal(cborBytes, &rs); err != nil {
			return fmt.Errorf("failed to unmarshal CBOR: %v", err)
		}
		jsonBytes, err := json.Marshal(rs)
		if err != nil {
			return fmt.Errorf("failed to marshal as JSON: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE shipboard_relations SET dataj = $1 WHERE user_id = $2;", jsonBytes, userID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS shipboard_relations DROP COLUMN IF EXISTS data;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS shipboard_relations RENAME COLUMN dataj TO data;")
	return err
}
