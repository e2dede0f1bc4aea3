package validator

import (
	"context"
	"sync"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/mempool"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo/memory"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/chainvalidator/util/test"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChain struct {
	tip   *model.BlockIndex
	store *memory.Memory
}

func (c *testChain) Tip() *model.BlockIndex {
	return c.tip
}

func (c *testChain) UtxoStore() utxo.Store {
	return c.store
}

type recordingListener struct {
	mu           sync.Mutex
	accepted     []*bt.Tx
	doubleSpends [][2]*bt.Tx
	punished     map[int64]int
}

func (l *recordingListener) TransactionAccepted(tx *bt.Tx) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.accepted = append(l.accepted, tx)
}

func (l *recordingListener) DoubleSpendFound(first, second *bt.Tx, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.doubleSpends = append(l.doubleSpends, [2]*bt.Tx{first, second})
}

func (l *recordingListener) PunishPeer(peer int64, score int, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.punished == nil {
		l.punished = make(map[int64]int)
	}

	l.punished[peer] += score
}

type fixture struct {
	validator *Validator
	mempool   *mempool.TxMemPool
	chain     *testChain
	wallet    *test.Wallet
	listener  *recordingListener
	coinbases []*bt.Tx // coinbases[h] is the coinbase of the block at height h
}

// newFixture mines n empty regtest blocks and puts their coinbases in a memory UTXO store.
func newFixture(t *testing.T, n int, adjust ...func(*settings.Settings)) *fixture {
	t.Helper()

	ctx := context.Background()
	tSettings := test.CreateBaseTestSettings(t)

	for _, fn := range adjust {
		fn(tSettings)
	}

	wallet := test.NewWallet(t)
	builder := test.NewChainBuilder(t, tSettings.ChainCfgParams, wallet)

	tip := model.NewBlockIndex(builder.Tip.Header)
	tip.Link(nil)

	store := memory.New()
	coinbases := []*bt.Tx{builder.Tip.Transactions[0]}

	for i := 0; i < n; i++ {
		block := builder.Next()

		idx := model.NewBlockIndex(block.Header)
		idx.Link(tip)
		tip = idx

		require.NoError(t, store.InsertAll(ctx, uint32(idx.Height), block.Transactions)) //nolint:gosec // test heights are small
		require.NoError(t, store.BlockFinished(ctx, uint32(idx.Height), &idx.Hash))     //nolint:gosec // test heights are small

		coinbases = append(coinbases, block.Transactions[0])
	}

	listener := &recordingListener{}
	chain := &testChain{tip: tip, store: store}
	mp := mempool.New(ulogger.TestLogger{})

	v := New(ulogger.TestLogger{}, tSettings, WithListener(listener))
	v.SetChain(chain)
	v.SetMempool(mp)

	t.Cleanup(v.Close)

	return &fixture{
		validator: v,
		mempool:   mp,
		chain:     chain,
		wallet:    wallet,
		listener:  listener,
		coinbases: coinbases,
	}
}

func (f *fixture) submit(t *testing.T, tx *bt.Tx, flags TxFlags, peer int64) string {
	t.Helper()

	state := NewTxValidationState(tx, flags, peer)
	_ = f.validator.AcceptToMemoryPool(context.Background(), state)

	select {
	case result := <-state.Result():
		return result
	default:
		require.FailNow(t, "validation state was not resolved")
		return ""
	}
}

func TestAcceptToMemoryPool(t *testing.T) {
	t.Run("spend of a mature coinbase", func(t *testing.T) {
		f := newFixture(t, 101)

		tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)

		assert.Equal(t, "", f.submit(t, tx, 0, -1))
		assert.True(t, f.mempool.Exists(*tx.TxIDChainHash()))
		assert.Len(t, f.listener.accepted, 1)
	})

	t.Run("spend without fork id", func(t *testing.T) {
		f := newFixture(t, 101)

		tx := f.wallet.SpendTxWithoutForkID(t, f.coinbases[1], 0, 1000)

		assert.Equal(t, "16: mandatory-script-verify-flag-failed", f.submit(t, tx, 0, -1))
		assert.Equal(t, 0, f.mempool.Size())
	})

	t.Run("coinbase", func(t *testing.T) {
		f := newFixture(t, 1)

		assert.Equal(t, "16: coinbase", f.submit(t, f.coinbases[1], 0, -1))
	})

	t.Run("duplicate inputs", func(t *testing.T) {
		f := newFixture(t, 101)

		tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)
		tx.Inputs = append(tx.Inputs, tx.Inputs[0])

		assert.Equal(t, "16: bad-txns-inputs-duplicate", f.submit(t, tx, 0, 7))
		assert.Equal(t, 100, f.listener.punished[7])
	})

	t.Run("immature coinbase", func(t *testing.T) {
		f := newFixture(t, 101)

		tx := f.wallet.SpendTx(t, f.coinbases[100], 0, 1000)

		assert.Equal(t, "16: bad-txns-premature-spend-of-coinbase", f.submit(t, tx, 0, 7))
		assert.Zero(t, f.listener.punished[7])
	})

	t.Run("outputs above inputs", func(t *testing.T) {
		f := newFixture(t, 101)

		tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)
		tx.Outputs[0].Satoshis = f.coinbases[1].Outputs[0].Satoshis + 1

		assert.Equal(t, "16: bad-txns-in-belowout", f.submit(t, tx, 0, -1))
	})

	t.Run("resubmission", func(t *testing.T) {
		f := newFixture(t, 101)

		tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)

		assert.Equal(t, "", f.submit(t, tx, 0, -1))
		assert.Equal(t, "257: txn-already-known", f.submit(t, tx, 0, -1))
		assert.Equal(t, 1, f.mempool.Size())
	})

	t.Run("mempool conflict", func(t *testing.T) {
		f := newFixture(t, 101)

		first := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)
		second := f.wallet.SpendTx(t, f.coinbases[1], 0, 2000)

		assert.Equal(t, "", f.submit(t, first, 0, -1))
		assert.Equal(t, "258: txn-mempool-conflict", f.submit(t, second, 0, -1))

		require.Len(t, f.listener.doubleSpends, 1)
		assert.Equal(t, first.TxID(), f.listener.doubleSpends[0][0].TxID())
		assert.Equal(t, second.TxID(), f.listener.doubleSpends[0][1].TxID())
		assert.Equal(t, 1, f.validator.DoubleSpendProofs().Len())
	})

	t.Run("rate limited free transaction", func(t *testing.T) {
		f := newFixture(t, 101, func(s *settings.Settings) {
			s.Mempool.LimitFreeRelay = 0
		})

		tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 1)

		assert.Equal(t, "66: rate limited free transaction", f.submit(t, tx, 0, -1))
	})

	t.Run("no fee check", func(t *testing.T) {
		f := newFixture(t, 101, func(s *settings.Settings) {
			s.Mempool.LimitFreeRelay = 0
		})

		tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 1)

		assert.Equal(t, "", f.submit(t, tx, FlagNoFeeCheck, -1))
	})

	t.Run("absurd fee", func(t *testing.T) {
		f := newFixture(t, 101)

		tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 10*100_000_000)

		assert.Equal(t, "256: absurdly-high-fee", f.submit(t, tx, FlagRejectAbsurdFee, -1))
		assert.Equal(t, "", f.submit(t, tx, 0, -1))
	})
}

func TestAcceptToMemoryPoolOrphans(t *testing.T) {
	f := newFixture(t, 101)

	parent := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)
	child := f.wallet.SpendTx(t, parent, 0, 1000)
	grandchild := f.wallet.SpendTx(t, child, 0, 1000)

	assert.Equal(t, "16: bad-txns-inputs-missingorspent", f.submit(t, grandchild, 0, 3))
	assert.Equal(t, "16: bad-txns-inputs-missingorspent", f.submit(t, child, 0, 3))
	assert.Equal(t, 2, f.validator.Orphans().Len())
	assert.Zero(t, f.listener.punished[3])

	assert.Equal(t, "", f.submit(t, parent, 0, -1))

	assert.Equal(t, 3, f.mempool.Size())
	assert.Equal(t, 0, f.validator.Orphans().Len())
	assert.Len(t, f.listener.accepted, 3)
}

func TestEraseOrphansFor(t *testing.T) {
	f := newFixture(t, 101)

	parent := f.wallet.SplitTx(t, f.coinbases[1], 0, 2, 1000)
	a := f.wallet.SpendTx(t, parent, 0, 1000)
	b := f.wallet.SpendTx(t, parent, 1, 1000)

	f.submit(t, a, 0, 1)
	f.submit(t, b, 0, 2)
	require.Equal(t, 2, f.validator.Orphans().Len())

	assert.Equal(t, 1, f.validator.EraseOrphansFor(1))
	assert.False(t, f.validator.Orphans().Has(*a.TxIDChainHash()))
	assert.True(t, f.validator.Orphans().Has(*b.TxIDChainHash()))
}

func TestRecentRejectsAreClearedOnTipChange(t *testing.T) {
	f := newFixture(t, 101)

	tx := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)
	tx.Outputs[0].Satoshis = f.coinbases[1].Outputs[0].Satoshis + 1

	assert.Equal(t, "16: bad-txns-in-belowout", f.submit(t, tx, 0, -1))
	assert.Equal(t, "257: txn-already-known", f.submit(t, tx, 0, -1))
	assert.Equal(t, "16: bad-txns-in-belowout", f.submit(t, tx, FlagFromMempool, -1))

	f.validator.TipChanged()

	assert.Equal(t, "16: bad-txns-in-belowout", f.submit(t, tx, 0, -1))
}

func TestOrphanOfRejectedParentIsNotKept(t *testing.T) {
	f := newFixture(t, 101)

	parent := f.wallet.SpendTx(t, f.coinbases[1], 0, 1000)
	parent.Outputs[0].Satoshis = f.coinbases[1].Outputs[0].Satoshis + 1
	child := f.wallet.SpendTx(t, parent, 0, 1000)

	assert.Equal(t, "16: bad-txns-in-belowout", f.submit(t, parent, 0, -1))
	assert.Equal(t, "16: bad-txns-inputs-missingorspent", f.submit(t, child, 0, -1))
	assert.Equal(t, 0, f.validator.Orphans().Len())
	assert.Equal(t, "257: txn-already-known", f.submit(t, child, 0, -1))
}

func TestTxValidationStateResolvesOnce(t *testing.T) {
	tx := test.CoinbaseTx(1, test.NewWallet(t).LockingScript, 50e8)
	state := NewTxValidationState(tx, 0, -1)

	state.Resolve(nil)
	state.Resolve(assert.AnError)

	result, ok := <-state.Result()
	assert.True(t, ok)
	assert.Equal(t, "", result)

	_, ok = <-state.Result()
	assert.False(t, ok)
}
