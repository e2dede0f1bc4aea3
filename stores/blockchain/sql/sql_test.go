package sql

import (
	"context"
	"net/url"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryStore(t *testing.T) *SQL {
	t.Helper()

	storeURL, err := url.Parse("sqlitememory:///blockindex")
	require.NoError(t, err)

	s, err := New(ulogger.NewErrorTestLogger(t), storeURL, settings.NewSettingsForNetwork("regtest"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

func genesisIndex(t *testing.T) *model.BlockIndex {
	t.Helper()

	header, err := model.NewBlockHeaderFromBytes(chaincfg.RegressionNetParams.GenesisBlock[:model.BlockHeaderSize])
	require.NoError(t, err)

	idx := model.NewBlockIndex(header)
	idx.Link(nil)
	idx.TxCount = 1

	return idx
}

func childIndex(prev *model.BlockIndex, nonce uint32) *model.BlockIndex {
	merkle := chainhash.HashH([]byte{byte(nonce)})

	idx := model.NewBlockIndex(&model.BlockHeader{
		Version:        4,
		HashPrevBlock:  &prev.Hash,
		HashMerkleRoot: &merkle,
		Timestamp:      prev.Header.Timestamp + 600,
		Bits:           prev.Header.Bits,
		Nonce:          nonce,
	})
	idx.Link(prev)

	return idx
}

func TestStoreAndLoadBlockIndex(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	code, _, err := s.Health(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 200, code)

	genesis := genesisIndex(t)
	genesis.RaiseValidity(model.StatusValidScripts)
	genesis.AddStatus(model.StatusHaveData)
	genesis.DataPos = model.DiskPos{File: 0, Offset: 8}

	block1 := childIndex(genesis, 1)
	block1.RaiseValidity(model.StatusValidTree)

	block2 := childIndex(block1, 2)

	// stored out of order, loaded by height
	require.NoError(t, s.StoreBlockIndex(ctx, block2.Record(), genesis.Record(), block1.Record()))

	records, err := s.GetBlockIndexes(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, genesis.Hash, *records[0].Header.Hash())
	assert.Equal(t, int32(0), records[0].Height)
	assert.Equal(t, model.StatusValidScripts|model.StatusHaveData, records[0].Status)
	assert.Equal(t, model.DiskPos{File: 0, Offset: 8}, records[0].DataPos)
	assert.True(t, records[0].UndoPos.IsNull())
	assert.Equal(t, uint32(1), records[0].TxCount)

	assert.Equal(t, block1.Hash, *records[1].Header.Hash())
	assert.Equal(t, block2.Hash, *records[2].Header.Hash())
	assert.Equal(t, int32(2), records[2].Height)
	assert.Equal(t, *records[1].Header.Hash(), *records[2].Header.HashPrevBlock)

	t.Run("update keeps a single record", func(t *testing.T) {
		block2.AddStatus(model.StatusHaveData | model.StatusHaveUndo)
		block2.RaiseValidity(model.StatusValidScripts)
		block2.DataPos = model.DiskPos{File: 1, Offset: 1234}
		block2.UndoPos = model.DiskPos{File: 1, Offset: 88}
		block2.TxCount = 3

		require.NoError(t, s.StoreBlockIndex(ctx, block2.Record()))

		records, err := s.GetBlockIndexes(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)

		updated := records[2]
		assert.True(t, updated.Status&model.StatusHaveUndo != 0)
		assert.Equal(t, model.StatusValidScripts, updated.Status&model.StatusValidityMask)
		assert.Equal(t, model.DiskPos{File: 1, Offset: 1234}, updated.DataPos)
		assert.Equal(t, model.DiskPos{File: 1, Offset: 88}, updated.UndoPos)
		assert.Equal(t, uint32(3), updated.TxCount)
	})

	t.Run("failed status survives", func(t *testing.T) {
		block1.AddStatus(model.StatusFailed)
		require.NoError(t, s.StoreBlockIndex(ctx, block1.Record()))

		records, err := s.GetBlockIndexes(ctx)
		require.NoError(t, err)
		assert.True(t, records[1].Status&model.StatusFailed != 0)
	})

	t.Run("empty store call", func(t *testing.T) {
		require.NoError(t, s.StoreBlockIndex(ctx))
	})
}

func TestBestBlock(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	_, err := s.GetBestBlock(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	first := chainhash.HashH([]byte("first"))
	second := chainhash.HashH([]byte("second"))

	require.NoError(t, s.SetBestBlock(ctx, &first))

	best, err := s.GetBestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, *best)

	require.NoError(t, s.SetBestBlock(ctx, &second))

	best, err = s.GetBestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, *best)
}

func TestCorruptBestBlock(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	require.NoError(t, s.SetState(ctx, bestBlockKey, []byte{1, 2, 3}))

	_, err := s.GetBestBlock(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCorruptionPossible(err))
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a := newMemoryStore(t)
	b := newMemoryStore(t)

	require.NoError(t, a.StoreBlockIndex(ctx, genesisIndex(t).Record()))

	records, err := b.GetBlockIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
