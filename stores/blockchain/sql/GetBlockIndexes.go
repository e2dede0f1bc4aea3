package sql

import (
	"context"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
)

func (s *SQL) GetBlockIndexes(ctx context.Context) ([]*model.BlockIndexRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := `
		SELECT
			 header
			,height
			,status
			,tx_count
			,data_file
			,data_offset
			,undo_file
			,undo_offset
		FROM block_index
		ORDER BY height ASC
	`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.NewStorageError("failed to query block index", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]*model.BlockIndexRecord, 0, 1024)

	for rows.Next() {
		var (
			headerBytes []byte
			status      uint32
			record      = &model.BlockIndexRecord{}
		)

		if err = rows.Scan(
			&headerBytes,
			&record.Height,
			&status,
			&record.TxCount,
			&record.DataPos.File,
			&record.DataPos.Offset,
			&record.UndoPos.File,
			&record.UndoPos.Offset,
		); err != nil {
			return nil, errors.NewStorageError("failed to scan block index row", err)
		}

		if record.Header, err = model.NewBlockHeaderFromBytes(headerBytes); err != nil {
			return nil, errors.NewCorruptionError("invalid header in block index", err)
		}

		record.Status = model.BlockStatus(status)
		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.NewStorageError("failed to read block index", err)
	}

	return records, nil
}
