package mempool

import (
	"time"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// LockPoints are the last block height and median time past at which the BIP68 sequence
// locks of a transaction are not yet satisfied. -1 means there is no such lock.
type LockPoints struct {
	Height int32
	Time   int64
}

// NoLockPoints is used for transactions without relative lock times.
var NoLockPoints = LockPoints{Height: -1, Time: -1}

// Entry is a transaction in the mempool together with the data gathered when it was accepted
// and its in-mempool ancestor and descendant totals. The totals include the entry itself.
type Entry struct {
	Tx     *bt.Tx
	TxID   chainhash.Hash
	Fee    uint64
	Size   int64
	Time   time.Time
	Height int32 // chain height when the transaction entered the pool
	SigOps int

	// SpendsCoinbaseHeight is the highest height of a coinbase output spent by the transaction,
	// -1 when it spends none.
	SpendsCoinbaseHeight int32
	LockPoints           LockPoints

	// priority is sum(value * age) / size of the confirmed inputs at Height
	priority          float64
	inChainInputValue uint64

	feeDelta int64

	countWithAncestors int
	sizeWithAncestors  int64
	feesWithAncestors  int64

	countWithDescendants int
	sizeWithDescendants  int64
	feesWithDescendants  int64

	parents  map[chainhash.Hash]*Entry
	children map[chainhash.Hash]*Entry
}

// NewEntry creates an entry for tx. priority and inChainInputValue describe the inputs that
// were already confirmed when the transaction was accepted.
func NewEntry(tx *bt.Tx, fee uint64, height int32, priority float64, inChainInputValue uint64) *Entry {
	size := int64(tx.Size())

	return &Entry{
		Tx:                   tx,
		TxID:                 *tx.TxIDChainHash(),
		Fee:                  fee,
		Size:                 size,
		Time:                 time.Now(),
		Height:               height,
		SpendsCoinbaseHeight: -1,
		LockPoints:           NoLockPoints,
		priority:             priority,
		inChainInputValue:    inChainInputValue,
		countWithAncestors:   1,
		sizeWithAncestors:    size,
		feesWithAncestors:    int64(fee), //nolint:gosec // fees are bounded by the money supply
		countWithDescendants: 1,
		sizeWithDescendants:  size,
		feesWithDescendants:  int64(fee), //nolint:gosec // fees are bounded by the money supply
		parents:              make(map[chainhash.Hash]*Entry),
		children:             make(map[chainhash.Hash]*Entry),
	}
}

// ModifiedFee is the fee including any delta set with PrioritiseTransaction.
func (e *Entry) ModifiedFee() int64 {
	return int64(e.Fee) + e.feeDelta //nolint:gosec // fees are bounded by the money supply
}

// Priority returns the coin age priority of the entry at height. Inputs that were confirmed
// when the entry was accepted keep ageing while it waits.
func (e *Entry) Priority(height int32) float64 {
	if e.Size == 0 || height <= e.Height {
		return e.priority
	}

	return e.priority + float64(height-e.Height)*float64(e.inChainInputValue)/float64(e.Size)
}

func (e *Entry) CountWithAncestors() int {
	return e.countWithAncestors
}

func (e *Entry) SizeWithAncestors() int64 {
	return e.sizeWithAncestors
}

func (e *Entry) FeesWithAncestors() int64 {
	return e.feesWithAncestors
}

func (e *Entry) CountWithDescendants() int {
	return e.countWithDescendants
}

func (e *Entry) SizeWithDescendants() int64 {
	return e.sizeWithDescendants
}

func (e *Entry) FeesWithDescendants() int64 {
	return e.feesWithDescendants
}
