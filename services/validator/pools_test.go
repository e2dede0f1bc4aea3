package validator

import (
	"testing"
	"time"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/util/test"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentRejects(t *testing.T) {
	rejects := NewRecentRejects(10, 0.000001)

	ids := make([]chainhash.Hash, 15)
	for i := range ids {
		ids[i] = chainhash.DoubleHashH([]byte{byte(i)})
	}

	rejects.Add(ids[0])
	assert.True(t, rejects.Contains(ids[0]))
	assert.False(t, rejects.Contains(ids[1]))

	for _, id := range ids[1:] {
		rejects.Add(id)
	}

	// two generations of five: only the last ten are remembered
	assert.False(t, rejects.Contains(ids[0]))
	assert.True(t, rejects.Contains(ids[14]))
	assert.True(t, rejects.Contains(ids[10]))

	rejects.Reset()
	assert.False(t, rejects.Contains(ids[14]))
}

func TestFreeRelayLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	limiter := NewFreeRelayLimiter(1, 10*time.Minute) // 10000 bytes
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow(6000))
	assert.False(t, limiter.Allow(5000))
	assert.True(t, limiter.Allow(3000))

	now = now.Add(10 * time.Minute) // 9000 decays to 4500

	assert.True(t, limiter.Allow(5000))
	assert.False(t, limiter.Allow(1000))
}

func orphanOf(t *testing.T, wallet *test.Wallet, parent *bt.Tx, peer int64) *OrphanTx {
	t.Helper()

	tx := wallet.SpendTx(t, parent, 0, 1000)

	return &OrphanTx{
		Tx:         tx,
		TxID:       *tx.TxIDChainHash(),
		OriginPeer: peer,
		Missing:    []chainhash.Hash{*parent.TxIDChainHash()},
	}
}

func TestOrphanPool(t *testing.T) {
	wallet := test.NewWallet(t)
	parentA := test.CoinbaseTx(1, wallet.LockingScript, 50e8)
	parentB := test.CoinbaseTx(2, wallet.LockingScript, 50e8)

	t.Run("children by parent", func(t *testing.T) {
		pool := NewOrphanPool(10, 100_000, time.Hour)
		defer pool.Stop()

		a := orphanOf(t, wallet, parentA, 1)
		b := orphanOf(t, wallet, parentB, 2)

		require.True(t, pool.Add(a))
		require.True(t, pool.Add(b))

		children := pool.Children(*parentA.TxIDChainHash())
		require.Len(t, children, 1)
		assert.Equal(t, a.TxID, children[0].TxID)

		pool.Remove(a.TxID)
		assert.Empty(t, pool.Children(*parentA.TxIDChainHash()))
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("size limit", func(t *testing.T) {
		pool := NewOrphanPool(10, 100, time.Hour)
		defer pool.Stop()

		assert.False(t, pool.Add(orphanOf(t, wallet, parentA, 1)))
		assert.Equal(t, 0, pool.Len())
	})

	t.Run("oldest evicted at capacity", func(t *testing.T) {
		pool := NewOrphanPool(2, 100_000, time.Hour)
		defer pool.Stop()

		first := orphanOf(t, wallet, parentA, 1)
		second := orphanOf(t, wallet, parentB, 1)
		third := orphanOf(t, wallet, test.CoinbaseTx(3, wallet.LockingScript, 50e8), 1)

		require.True(t, pool.Add(first))
		require.True(t, pool.Add(second))
		require.True(t, pool.Add(third))

		assert.Equal(t, 2, pool.Len())
		assert.False(t, pool.Has(first.TxID))
		assert.Empty(t, pool.Children(*parentA.TxIDChainHash()))
	})

	t.Run("expiry", func(t *testing.T) {
		pool := NewOrphanPool(10, 100_000, time.Millisecond)
		defer pool.Stop()

		a := orphanOf(t, wallet, parentA, 1)
		require.True(t, pool.Add(a))

		time.Sleep(5 * time.Millisecond)
		pool.Expire()

		assert.False(t, pool.Has(a.TxID))
	})
}

func TestDoubleSpendProofs(t *testing.T) {
	wallet := test.NewWallet(t)
	coinbase := test.CoinbaseTx(1, wallet.LockingScript, 50e8)

	first := wallet.SpendTx(t, coinbase, 0, 1000)
	second := wallet.SpendTx(t, coinbase, 0, 2000)

	proofs := NewDoubleSpendProofs(time.Hour)
	proof := proofs.Add(model.NewOutpoint(*coinbase.TxIDChainHash(), 0), first, second)

	got, ok := proofs.Get(proof.ID)
	require.True(t, ok)
	assert.Equal(t, second.TxID(), got.Second.TxID())

	assert.Len(t, proofs.ForTx(*first.TxIDChainHash()), 1)
	assert.Empty(t, proofs.ForTx(*coinbase.TxIDChainHash()))
}

// indexChain links n headers with increasing timestamps, 600 seconds apart.
func indexChain(n int) []*model.BlockIndex {
	chain := make([]*model.BlockIndex, 0, n)

	var prev *model.BlockIndex

	for i := 0; i < n; i++ {
		header := &model.BlockHeader{
			Version:        1,
			HashPrevBlock:  &chainhash.Hash{},
			HashMerkleRoot: &chainhash.Hash{},
			Timestamp:      uint32(1_600_000_000 + 600*i), //nolint:gosec // small test values
			Bits:           model.NBit(0x207fffff),
			Nonce:          uint32(i), //nolint:gosec // small test values
		}

		if prev != nil {
			header.HashPrevBlock = &prev.Hash
		}

		idx := model.NewBlockIndex(header)
		idx.Link(prev)

		chain = append(chain, idx)
		prev = idx
	}

	return chain
}

func TestSequenceLocks(t *testing.T) {
	chain := indexChain(30)
	wallet := test.NewWallet(t)
	coinbase := test.CoinbaseTx(1, wallet.LockingScript, 50e8)

	spend := func(version uint32, sequence uint32) *bt.Tx {
		tx := wallet.SpendTx(t, coinbase, 0, 1000)
		tx.Version = version
		tx.Inputs[0].SequenceNumber = sequence

		return tx
	}

	t.Run("height lock", func(t *testing.T) {
		tx := spend(2, 5)

		lock := CalculateSequenceLocks(tx, []int32{10}, chain[12], true)
		assert.Equal(t, int32(14), lock.MinHeight)
		assert.False(t, EvaluateSequenceLocks(chain[12], lock))
		assert.True(t, EvaluateSequenceLocks(chain[14], lock))
	})

	t.Run("time lock", func(t *testing.T) {
		tx := spend(2, SequenceLockTimeTypeFlag|2)

		lock := CalculateSequenceLocks(tx, []int32{5}, chain[12], true)
		assert.Equal(t, chain[4].MedianTimePast()+2*512-1, lock.MinTime)
		assert.Equal(t, int32(-1), lock.MinHeight)
		assert.True(t, EvaluateSequenceLocks(chain[29], lock))
	})

	t.Run("disabled", func(t *testing.T) {
		lock := CalculateSequenceLocks(spend(2, SequenceLockTimeDisableFlag|5), []int32{10}, chain[12], true)
		assert.Equal(t, SequenceLock{MinHeight: -1, MinTime: -1}, lock)
	})

	t.Run("version 1 is not locked", func(t *testing.T) {
		lock := CalculateSequenceLocks(spend(1, 5), []int32{10}, chain[12], true)
		assert.Equal(t, SequenceLock{MinHeight: -1, MinTime: -1}, lock)
	})

	t.Run("reject", func(t *testing.T) {
		_, err := CheckSequenceLocks(spend(2, 5), []int32{10}, chain[12], 0x40, 0, "non-BIP68-final")
		requireReject(t, err, 0x40, "non-BIP68-final")
	})
}
