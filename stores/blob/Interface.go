// Package blob stores raw blocks and their undo data in append-only containers addressed by
// model.DiskPos.
package blob

import (
	"context"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// Store is the block and undo storage used by the validation engine.
//
// Implementations include:
// - file: blkNNNNN.dat / revNNNNN.dat files in a data folder
// - memory: in-memory storage for tests
type Store interface {
	// Health reports whether the store can be written to.
	Health(ctx context.Context, checkLiveness bool) (int, string, error)

	// WriteBlock appends a serialized block and returns its position.
	WriteBlock(ctx context.Context, block []byte) (model.DiskPos, error)

	// LoadBlock returns the serialized block written at pos.
	LoadBlock(ctx context.Context, pos model.DiskPos) ([]byte, error)

	// WriteUndoBlock appends the undo data of the block with the given hash. The record is
	// checksummed over the block hash and the data.
	WriteUndoBlock(ctx context.Context, undo *model.BlockUndo, blockHash *chainhash.Hash) (model.DiskPos, error)

	// LoadUndoBlock returns the undo data written at pos and verifies it belongs to blockHash.
	// A checksum mismatch is reported as a corruption error.
	LoadUndoBlock(ctx context.Context, pos model.DiskPos, blockHash *chainhash.Hash) (*model.BlockUndo, error)

	// Flush syncs the files currently being appended to.
	Flush(ctx context.Context) error

	Close(ctx context.Context) error
}
