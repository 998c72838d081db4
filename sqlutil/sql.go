package sqlutil

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs a block of code passing in an SQL transaction.
// If the code returns an error or panics then the transaction is rolled back.
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

// Chunker is a subsliceable collection for Chunkify.
type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify breaks down a Chunker into multiple chunks such that each chunk
// contributes at most maxParamsPerCall bound parameters, given that each entry
// in the Chunker consumes numParamsPerEntry parameters. Postgres has a hard
// limit of 65535 parameters per statement, so bulk inserts go through this.
func Chunkify(numParamsPerEntry, maxParamsPerCall int, entries Chunker) []Chunker {
	entriesPerChunk := maxParamsPerCall / numParamsPerEntry
	if entries.Len() <= entriesPerChunk {
		return []Chunker{entries}
	}
	var chunks []Chunker
	for i := 0; i < entries.Len(); i += entriesPerChunk {
		endIndex := i + entriesPerChunk
		if endIndex > entries.Len() {
			endIndex = entries.Len()
		}
		chunks = append(chunks, entries.Subslice(i, endIndex))
	}
	return chunks
}
