// Package utxo defines the unspent output set the validation engine connects blocks against.
//
// Changes are grouped per block: InsertAll and Remove record changes that become durable with
// BlockFinished, or are discarded by Rollback when the block turns out to be invalid.
// Find and Remove may be called concurrently by the signature chunks of one block.
package utxo

import (
	"context"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

type Store interface {
	Health(ctx context.Context, checkLiveness bool) (int, string, error)

	// Find returns the unspent coin at outpoint, nil when it is unknown or spent.
	Find(ctx context.Context, outpoint model.Outpoint) (*model.Coin, error)

	// InsertAll adds the spendable outputs of txs, created at blockHeight.
	InsertAll(ctx context.Context, blockHeight uint32, txs []*bt.Tx) error

	// Remove spends the coin at outpoint and returns it. A missing coin is an
	// ERR_UTXO_NOT_FOUND error.
	Remove(ctx context.Context, outpoint model.Outpoint) (*model.Coin, error)

	// Insert restores a coin, used when a block is disconnected.
	Insert(ctx context.Context, outpoint model.Outpoint, coin *model.Coin) error

	// BlockFinished makes the changes since the last call permanent. The set then corresponds
	// to the block blockHash at height.
	BlockFinished(ctx context.Context, height uint32, blockHash *chainhash.Hash) error

	// Rollback discards the changes since the last BlockFinished.
	Rollback(ctx context.Context) error

	// BlockID returns the block the set corresponds to, the zero hash for an empty set.
	BlockID() chainhash.Hash

	Close(ctx context.Context) error
}

// Output is a created coin with its position.
type Output struct {
	Outpoint model.Outpoint
	Coin     *model.Coin
}

// NewOutputs returns the spendable outputs of tx created at height. OP_RETURN outputs never
// enter the set.
func NewOutputs(tx *bt.Tx, height uint32) []Output {
	txID := *tx.TxIDChainHash()
	isCoinbase := tx.IsCoinbase()

	outputs := make([]Output, 0, len(tx.Outputs))

	for i, out := range tx.Outputs {
		coin := &model.Coin{
			Satoshis:   out.Satoshis,
			Height:     height,
			IsCoinbase: isCoinbase,
		}

		if out.LockingScript != nil {
			coin.LockingScript = out.LockingScript.Bytes()
		}

		if !coin.IsSpendable() {
			continue
		}

		outputs = append(outputs, Output{
			Outpoint: model.NewOutpoint(txID, uint32(i)), //nolint:gosec // output count is bounded by the block size
			Coin:     coin,
		})
	}

	return outputs
}

// NewNotFoundError is returned by Remove for an unknown or spent outpoint.
func NewNotFoundError(outpoint model.Outpoint) error {
	return errors.NewUtxoNotFoundError("utxo %s not found", outpoint)
}
