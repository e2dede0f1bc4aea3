package sql

import (
	"context"
	"database/sql"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

const bestBlockKey = "bestblock"

func (s *SQL) GetState(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := `
		SELECT data
		FROM state
		WHERE key = $1
	`

	var data []byte

	if err := s.db.QueryRowContext(ctx, q, key).Scan(
		&data,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("state %s not found", key)
		}

		return nil, errors.NewStorageError("failed to get state %s", key, err)
	}

	return data, nil
}

func (s *SQL) SetState(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := `
		INSERT INTO state (key, data)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			 data = excluded.data
			,updated_at = CURRENT_TIMESTAMP
	`

	if _, err := s.db.ExecContext(ctx, q, key, data); err != nil {
		return errors.NewStorageError("failed to set state %s", key, err)
	}

	return nil
}

func (s *SQL) SetBestBlock(ctx context.Context, hash *chainhash.Hash) error {
	return s.SetState(ctx, bestBlockKey, hash[:])
}

func (s *SQL) GetBestBlock(ctx context.Context) (*chainhash.Hash, error) {
	data, err := s.GetState(ctx, bestBlockKey)
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHash(data)
	if err != nil {
		return nil, errors.NewCorruptionError("invalid best block hash of %d bytes", len(data), err)
	}

	return hash, nil
}
