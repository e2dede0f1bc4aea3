package mempool

import (
	"testing"
	"time"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/chainvalidator/util/test"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLimits() Limits {
	return Limits{
		AncestorCount:   25,
		AncestorSize:    101000,
		DescendantCount: 25,
		DescendantSize:  101000,
	}
}

// chainOfTxs returns n transactions, each spending the only output of the previous one.
func chainOfTxs(t *testing.T, wallet *test.Wallet, n int) []*bt.Tx {
	t.Helper()

	parent := test.CoinbaseTx(1, wallet.LockingScript, 50e8)
	txs := make([]*bt.Tx, 0, n)

	for i := 0; i < n; i++ {
		tx := wallet.SpendTx(t, parent, 0, 1000)
		txs = append(txs, tx)
		parent = tx
	}

	return txs
}

func insert(t *testing.T, mp *TxMemPool, tx *bt.Tx, fee uint64) *Entry {
	t.Helper()

	entry := NewEntry(tx, fee, 100, 0, 0)

	_, err := mp.CalculateMemPoolAncestors(entry, defaultLimits())
	require.NoError(t, err)
	require.True(t, mp.InsertTx(entry))

	return entry
}

func TestInsertTracksAncestorsAndDescendants(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	txs := chainOfTxs(t, test.NewWallet(t), 3)

	a := insert(t, mp, txs[0], 1000)
	b := insert(t, mp, txs[1], 1000)
	c := insert(t, mp, txs[2], 1000)

	assert.Equal(t, 3, mp.Size())
	assert.Equal(t, a.Size+b.Size+c.Size, mp.Bytes())

	assert.Equal(t, 3, a.CountWithDescendants())
	assert.Equal(t, int64(3000), a.FeesWithDescendants())
	assert.Equal(t, 1, a.CountWithAncestors())

	assert.Equal(t, 2, b.CountWithDescendants())
	assert.Equal(t, 2, b.CountWithAncestors())

	assert.Equal(t, 3, c.CountWithAncestors())
	assert.Equal(t, a.Size+b.Size+c.Size, c.SizeWithAncestors())

	assert.False(t, mp.InsertTx(NewEntry(txs[0], 1000, 100, 0, 0)))

	spender, ok := mp.GetSpender(model.NewOutpoint(*txs[0].TxIDChainHash(), 0))
	require.True(t, ok)
	assert.Equal(t, txs[1].TxID(), spender.TxID())
	assert.NotNil(t, mp.Lookup(*txs[2].TxIDChainHash()))
}

func TestCalculateMemPoolAncestorsLimits(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	txs := chainOfTxs(t, test.NewWallet(t), 3)

	insert(t, mp, txs[0], 1000)
	insert(t, mp, txs[1], 1000)

	limits := defaultLimits()
	limits.AncestorCount = 2

	_, err := mp.CalculateMemPoolAncestors(NewEntry(txs[2], 1000, 100, 0, 0), limits)
	require.Error(t, err)

	rejectData, ok := errors.GetRejectData(err)
	require.True(t, ok)
	assert.Equal(t, errors.RejectNonstandard, rejectData.RejectCode)
	assert.Equal(t, "too-long-mempool-chain", rejectData.Reason)

	limits = defaultLimits()
	limits.DescendantCount = 2

	_, err = mp.CalculateMemPoolAncestors(NewEntry(txs[2], 1000, 100, 0, 0), limits)
	require.Error(t, err)

	ancestors, err := mp.CalculateMemPoolAncestors(NewEntry(txs[2], 1000, 100, 0, 0), defaultLimits())
	require.NoError(t, err)
	assert.Len(t, ancestors, 2)
}

func TestRemoveRecursive(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	txs := chainOfTxs(t, test.NewWallet(t), 3)

	a := insert(t, mp, txs[0], 1000)
	insert(t, mp, txs[1], 1000)
	insert(t, mp, txs[2], 1000)

	removed := mp.RemoveRecursive(txs[1])
	require.Len(t, removed, 2)
	assert.Equal(t, txs[1].TxID(), removed[0].TxID())
	assert.Equal(t, txs[2].TxID(), removed[1].TxID())

	assert.Equal(t, 1, mp.Size())
	assert.Equal(t, a.Size, mp.Bytes())
	assert.Equal(t, 1, a.CountWithDescendants())
	assert.Equal(t, a.Size, a.SizeWithDescendants())

	_, ok := mp.GetSpender(model.NewOutpoint(*txs[0].TxIDChainHash(), 0))
	assert.False(t, ok)
}

func TestRemoveRecursiveOfTxNotInPool(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	txs := chainOfTxs(t, test.NewWallet(t), 3)

	insert(t, mp, txs[1], 1000)
	insert(t, mp, txs[2], 1000)

	removed := mp.RemoveRecursive(txs[0])
	assert.Len(t, removed, 2)
	assert.Equal(t, 0, mp.Size())
}

func TestRemoveForBlock(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	wallet := test.NewWallet(t)

	coinbase := test.CoinbaseTx(1, wallet.LockingScript, 50e8)
	split := wallet.SplitTx(t, coinbase, 0, 2, 1000)

	parent := insert(t, mp, split, 1000)
	child := insert(t, mp, wallet.SpendTx(t, split, 0, 1000), 1000)
	conflict := insert(t, mp, wallet.SpendTx(t, split, 1, 2000), 2000)
	conflictChild := insert(t, mp, wallet.SpendTx(t, conflict.Tx, 0, 1000), 1000)

	// the block contains the split and a different spend of output 1
	mined := wallet.SpendTx(t, split, 1, 5000)

	conflicted := mp.RemoveForBlock([]*bt.Tx{split, mined})
	require.Len(t, conflicted, 2)
	assert.Equal(t, conflict.TxID, *conflicted[0].TxIDChainHash())
	assert.Equal(t, conflictChild.TxID, *conflicted[1].TxIDChainHash())

	assert.False(t, mp.Exists(parent.TxID))
	assert.True(t, mp.Exists(child.TxID))
	assert.Equal(t, 1, mp.Size())
	assert.Equal(t, 1, child.CountWithAncestors())
	assert.Equal(t, child.Size, child.SizeWithAncestors())
}

func TestRemoveForReorg(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	wallet := test.NewWallet(t)

	coinbase := test.CoinbaseTx(5, wallet.LockingScript, 50e8)

	spendsCoinbase := NewEntry(wallet.SpendTx(t, coinbase, 0, 1000), 1000, 105, 0, 0)
	spendsCoinbase.SpendsCoinbaseHeight = 5
	require.True(t, mp.InsertTx(spendsCoinbase))

	other := test.CoinbaseTx(1, wallet.LockingScript, 50e8)
	locked := NewEntry(wallet.SpendTx(t, other, 0, 1000), 1000, 105, 0, 0)
	locked.LockPoints = LockPoints{Height: 102, Time: -1}
	require.True(t, mp.InsertTx(locked))

	free := NewEntry(wallet.SpendTx(t, test.CoinbaseTx(2, wallet.LockingScript, 50e8), 0, 1000), 1000, 105, 0, 0)
	require.True(t, mp.InsertTx(free))

	// the next block is 104: the coinbase of height 5 has 99 confirmations
	removed := mp.RemoveForReorg(103, time.Now().Unix(), 100)
	assert.Len(t, removed, 1)
	assert.Equal(t, spendsCoinbase.TxID, *removed[0].TxIDChainHash())

	// the next block is 102, within the locked height
	removed = mp.RemoveForReorg(101, time.Now().Unix(), 100)
	assert.Len(t, removed, 1)
	assert.Equal(t, locked.TxID, *removed[0].TxIDChainHash())

	assert.True(t, mp.Exists(free.TxID))
}

func TestPrioritiseTransaction(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	txs := chainOfTxs(t, test.NewWallet(t), 2)

	txID := *txs[0].TxIDChainHash()

	// deltas set before the transaction arrives are applied on insertion
	mp.PrioritiseTransaction(txID, 10, 500)

	var priority float64

	var fee int64

	mp.ApplyDeltas(txID, &priority, &fee)
	assert.InDelta(t, 10.0, priority, 0.0001)
	assert.Equal(t, int64(500), fee)

	a := insert(t, mp, txs[0], 1000)
	assert.Equal(t, int64(1500), a.ModifiedFee())

	b := insert(t, mp, txs[1], 1000)
	assert.Equal(t, int64(2500), b.FeesWithAncestors())

	mp.PrioritiseTransaction(txID, 0, -200)
	assert.Equal(t, int64(1300), a.ModifiedFee())
	assert.Equal(t, int64(2300), a.FeesWithDescendants())
	assert.Equal(t, int64(2300), b.FeesWithAncestors())

	mp.ClearPrioritisation(txID)

	priority, fee = 0, 0
	mp.ApplyDeltas(txID, &priority, &fee)
	assert.Zero(t, fee)
}

func TestTrimToSize(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	wallet := test.NewWallet(t)

	cheap := insert(t, mp, wallet.SpendTx(t, test.CoinbaseTx(1, wallet.LockingScript, 50e8), 0, 100), 100)
	rich := insert(t, mp, wallet.SpendTx(t, test.CoinbaseTx(2, wallet.LockingScript, 50e8), 0, 10000), 10000)

	removed := mp.TrimToSize(rich.Size)
	require.Len(t, removed, 1)
	assert.Equal(t, cheap.TxID, *removed[0].TxIDChainHash())
	assert.True(t, mp.Exists(rich.TxID))
}

func TestExpire(t *testing.T) {
	mp := New(ulogger.TestLogger{})
	txs := chainOfTxs(t, test.NewWallet(t), 2)

	old := NewEntry(txs[0], 1000, 100, 0, 0)
	old.Time = time.Now().Add(-2 * time.Hour)
	require.True(t, mp.InsertTx(old))
	insert(t, mp, txs[1], 1000)

	assert.Equal(t, 2, mp.Expire(time.Now().Add(-time.Hour)))
	assert.Equal(t, 0, mp.Size())
	assert.Zero(t, mp.Bytes())
}
