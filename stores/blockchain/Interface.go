// Package blockchain persists the block index: one record per known header with its validation
// status and the position of its block and undo data, plus the hash of the validated tip.
package blockchain

import (
	"context"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

type Store interface {
	Health(ctx context.Context, checkLiveness bool) (int, string, error)

	// StoreBlockIndex inserts the records, or updates status, tx count and positions of
	// records that already exist. All records are written in one transaction.
	StoreBlockIndex(ctx context.Context, records ...*model.BlockIndexRecord) error

	// GetBlockIndexes returns every record ordered by height, parents before children.
	GetBlockIndexes(ctx context.Context) ([]*model.BlockIndexRecord, error)

	SetBestBlock(ctx context.Context, hash *chainhash.Hash) error

	// GetBestBlock returns the validated tip, an ERR_NOT_FOUND error when none was stored.
	GetBestBlock(ctx context.Context) (*chainhash.Hash, error)

	GetState(ctx context.Context, key string) ([]byte, error)
	SetState(ctx context.Context, key string, data []byte) error

	Close() error
}
