package sql

import (
	"context"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
)

// StoreBlockIndex upserts the records in a single transaction. The header of an existing record
// never changes, only its status, tx count and data positions.
func (s *SQL) StoreBlockIndex(ctx context.Context, records ...*model.BlockIndexRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("failed to begin block index transaction", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	q := `
		INSERT INTO block_index (
			 hash
			,previous_hash
			,header
			,height
			,status
			,tx_count
			,data_file
			,data_offset
			,undo_file
			,undo_offset
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hash) DO UPDATE SET
			 status = excluded.status
			,tx_count = excluded.tx_count
			,data_file = excluded.data_file
			,data_offset = excluded.data_offset
			,undo_file = excluded.undo_file
			,undo_offset = excluded.undo_offset
			,updated_at = CURRENT_TIMESTAMP
	`

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return errors.NewStorageError("failed to prepare block index insert", err)
	}

	defer func() {
		_ = stmt.Close()
	}()

	for _, record := range records {
		hash := record.Header.Hash()
		headerBytes := record.Header.Bytes()

		if _, err = stmt.ExecContext(ctx,
			hash[:],
			headerBytes[4:36],
			headerBytes,
			record.Height,
			uint32(record.Status),
			record.TxCount,
			record.DataPos.File,
			record.DataPos.Offset,
			record.UndoPos.File,
			record.UndoPos.Offset,
		); err != nil {
			return errors.NewStorageError("failed to store block index %s", hash, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("failed to commit %d block index records", len(records), err)
	}

	return nil
}
