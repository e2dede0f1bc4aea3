package blockvalidation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	utxomemory "github.com/bsv-blockchain/chainvalidator/stores/utxo/memory"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// faultyStore fails the operations that are switched on and counts the rollbacks.
type faultyStore struct {
	utxo.Store

	failRemove        atomic.Bool
	failInsert        atomic.Bool
	failBlockFinished atomic.Bool
	failRollback      atomic.Bool
	rollbacks         atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: utxomemory.New()}
}

func (s *faultyStore) Remove(ctx context.Context, outpoint model.Outpoint) (*model.Coin, error) {
	if s.failRemove.Load() {
		return nil, errors.NewStorageError("remove of %s failed", outpoint)
	}

	return s.Store.Remove(ctx, outpoint)
}

func (s *faultyStore) Insert(ctx context.Context, outpoint model.Outpoint, coin *model.Coin) error {
	if s.failInsert.Load() {
		return errors.NewStorageError("insert of %s failed", outpoint)
	}

	return s.Store.Insert(ctx, outpoint, coin)
}

func (s *faultyStore) BlockFinished(ctx context.Context, height uint32, blockHash *chainhash.Hash) error {
	if s.failBlockFinished.Load() {
		return errors.NewStorageError("finishing block %s failed", blockHash)
	}

	return s.Store.BlockFinished(ctx, height, blockHash)
}

func (s *faultyStore) Rollback(ctx context.Context) error {
	s.rollbacks.Inc()

	if s.failRollback.Load() {
		return errors.NewStorageError("rollback failed")
	}

	return s.Store.Rollback(ctx)
}

// fatalRecorder is a logger that keeps the Fatalf messages instead of exiting.
type fatalRecorder struct {
	ulogger.TestLogger

	mu     sync.Mutex
	fatals []string
}

func (l *fatalRecorder) Fatalf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fatals = append(l.fatals, fmt.Sprintf(format, args...))
}

func (l *fatalRecorder) New(_ string, _ ...ulogger.Option) ulogger.Logger {
	return l
}

func (l *fatalRecorder) Duplicate(_ ...ulogger.Option) ulogger.Logger {
	return l
}

func (l *fatalRecorder) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.fatals)
}

func (f *fixture) coin(t *testing.T, txID *chainhash.Hash, vout uint32) *model.Coin {
	t.Helper()

	coin, err := f.chain.UtxoStore().Find(f.ctx, model.NewOutpoint(*txID, vout))
	require.NoError(t, err)

	return coin
}

func (f *fixture) requireStopped(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return f.engine.State() == StateStopped
	}, 10*time.Second, 10*time.Millisecond)
}

func TestEngineDisconnectTipRollsBackFailedUndo(t *testing.T) {
	store := newFaultyStore()
	logger := &fatalRecorder{}
	f := newFixtureWithStore(t, store, logger)

	blocks := f.builder.NextN(101)
	f.submit(t, blocks...)

	funding := blocks[0].Transactions[0]
	spend := f.wallet.SpendTx(t, funding, 0, 1000)
	block := f.builder.Next(spend)
	f.submit(t, block)

	tip := f.tip()
	require.Equal(t, int32(102), tip.Height)

	rollbacks := store.rollbacks.Load()

	// the outputs of the block are already removed when restoring the spent coin fails
	store.failInsert.Store(true)

	_, err := f.engine.DisconnectTip(f.ctx, block, tip)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorageError))

	assert.Equal(t, rollbacks+1, store.rollbacks.Load())
	assert.Equal(t, tip, f.tip())
	assert.Equal(t, tip.Hash, store.BlockID())

	assert.NotNil(t, f.coin(t, block.Transactions[0].TxIDChainHash(), 0))
	assert.NotNil(t, f.coin(t, spend.TxIDChainHash(), 0))
	assert.Nil(t, f.coin(t, funding.TxIDChainHash(), 0))

	// a failure that was rolled back leaves the engine running
	assert.Zero(t, logger.count())
	assert.Equal(t, StateRunning, f.engine.State())

	store.failInsert.Store(false)

	clean, err := f.engine.DisconnectTip(f.ctx, block, tip)
	require.NoError(t, err)
	assert.True(t, clean)

	assert.Equal(t, int32(101), f.tip().Height)
	assert.Nil(t, f.coin(t, block.Transactions[0].TxIDChainHash(), 0))
	assert.NotNil(t, f.coin(t, funding.TxIDChainHash(), 0))
}

func TestEngineStopsWhenDisconnectCannotBeRolledBack(t *testing.T) {
	store := newFaultyStore()
	logger := &fatalRecorder{}
	f := newFixtureWithStore(t, store, logger)

	blocks := f.builder.NextN(3)
	f.submit(t, blocks...)

	tip := f.tip()

	store.failRemove.Store(true)
	store.failRollback.Store(true)

	_, err := f.engine.DisconnectTip(f.ctx, blocks[2], tip)
	require.Error(t, err)

	assert.Equal(t, 1, logger.count())
	f.requireStopped(t)

	assert.Equal(t, tip, f.tip())

	// nothing is accepted anymore
	handle := f.engine.AddBlock(f.builder.Next(), 1)
	assert.True(t, errors.IsShutdownError(handle.WaitUntilFinished()))
}

func TestEngineStopsWhenValidBlockCannotBeStored(t *testing.T) {
	store := newFaultyStore()
	logger := &fatalRecorder{}
	f := newFixtureWithStore(t, store, logger)

	blocks := f.builder.NextN(2)
	f.submit(t, blocks...)

	store.failBlockFinished.Store(true)

	block := f.builder.Next()

	err := f.engine.AddBlock(block, 1).WaitUntilFinished()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorageError))

	assert.Equal(t, 1, logger.count())
	f.requireStopped(t)

	assert.Equal(t, *blocks[1].Hash(), f.tip().Hash)
	assert.Equal(t, f.tip().Hash, store.BlockID())
	assert.Nil(t, f.coin(t, block.Transactions[0].TxIDChainHash(), 0))

	// the block is not to blame
	assert.False(t, f.chain.Lookup(*block.Hash()).HasFailed())

	f.listener.mu.Lock()
	assert.Zero(t, f.listener.punished[1])
	f.listener.mu.Unlock()
}

func TestEngineStopsWhenSpendFails(t *testing.T) {
	store := newFaultyStore()
	logger := &fatalRecorder{}
	f := newFixtureWithStore(t, store, logger)

	blocks := f.builder.NextN(101)
	f.submit(t, blocks...)

	funding := blocks[0].Transactions[0]
	spend := f.wallet.SpendTx(t, funding, 0, 1000)
	block := f.builder.Next(spend)

	rollbacks := store.rollbacks.Load()

	store.failRemove.Store(true)

	err := f.engine.AddBlock(block, 1).WaitUntilFinished()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorageError))

	_, isReject := errors.GetRejectData(err)
	assert.False(t, isReject)

	assert.Equal(t, rollbacks+1, store.rollbacks.Load())
	assert.Equal(t, 1, logger.count())
	f.requireStopped(t)

	assert.Equal(t, int32(101), f.tip().Height)
	assert.False(t, f.chain.Lookup(*block.Hash()).HasFailed())

	// the outputs inserted for the block are gone again
	assert.Nil(t, f.coin(t, block.Transactions[0].TxIDChainHash(), 0))
	assert.NotNil(t, f.coin(t, funding.TxIDChainHash(), 0))
}
