package blockvalidation

import (
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// ValidationListener receives the outcome of validation, typically the network layer relaying
// blocks and transactions and scoring peers, and wallets following the chain.
//
// Listeners are called from the engine's strand and must not block on the engine.
type ValidationListener interface {
	// PunishPeer asks the network layer to penalise peer by score (0 to 100).
	PunishPeer(peer int64, score int, reason string)

	// BlockAccepted is called after block became the chain tip.
	BlockAccepted(block *model.Block, idx *model.BlockIndex)

	// BlockDisconnected is called after block was removed from the tip of the chain.
	BlockDisconnected(block *model.Block, idx *model.BlockIndex)

	// BlockRejected is called when a block was found invalid.
	BlockRejected(hash chainhash.Hash, err error)

	TransactionAccepted(tx *bt.Tx)

	// DoubleSpendFound reports a transaction conflicting with one already in the mempool. The
	// proof can be fetched from the validator by proofID.
	DoubleSpendFound(first, second *bt.Tx, proofID int)

	// SyncTransactions passes the transactions of a newly connected block.
	SyncTransactions(block *model.Block)
}

// NoopListener implements ValidationListener doing nothing. Embed it to handle a subset of the
// events.
type NoopListener struct{}

func (NoopListener) PunishPeer(int64, int, string)                    {}
func (NoopListener) BlockAccepted(*model.Block, *model.BlockIndex)     {}
func (NoopListener) BlockDisconnected(*model.Block, *model.BlockIndex) {}
func (NoopListener) BlockRejected(chainhash.Hash, error)               {}
func (NoopListener) TransactionAccepted(*bt.Tx)                        {}
func (NoopListener) DoubleSpendFound(*bt.Tx, *bt.Tx, int)              {}
func (NoopListener) SyncTransactions(*model.Block)                     {}

// listeners fans the events out to every registered listener. It also serves as the
// validator's listener, so mempool events reach the same set.
type listeners struct {
	list []ValidationListener
}

func (l *listeners) add(listener ValidationListener) {
	l.list = append(append([]ValidationListener(nil), l.list...), listener)
}

func (l *listeners) PunishPeer(peer int64, score int, reason string) {
	for _, listener := range l.list {
		listener.PunishPeer(peer, score, reason)
	}
}

func (l *listeners) BlockAccepted(block *model.Block, idx *model.BlockIndex) {
	for _, listener := range l.list {
		listener.BlockAccepted(block, idx)
	}
}

func (l *listeners) BlockDisconnected(block *model.Block, idx *model.BlockIndex) {
	for _, listener := range l.list {
		listener.BlockDisconnected(block, idx)
	}
}

func (l *listeners) BlockRejected(hash chainhash.Hash, err error) {
	for _, listener := range l.list {
		listener.BlockRejected(hash, err)
	}
}

func (l *listeners) TransactionAccepted(tx *bt.Tx) {
	for _, listener := range l.list {
		listener.TransactionAccepted(tx)
	}
}

func (l *listeners) DoubleSpendFound(first, second *bt.Tx, proofID int) {
	for _, listener := range l.list {
		listener.DoubleSpendFound(first, second, proofID)
	}
}

func (l *listeners) SyncTransactions(block *model.Block) {
	for _, listener := range l.list {
		listener.SyncTransactions(block)
	}
}
