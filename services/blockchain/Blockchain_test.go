package blockchain

import (
	"context"
	"net/url"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/settings"
	blobmemory "github.com/bsv-blockchain/chainvalidator/stores/blob/memory"
	blockchain_store "github.com/bsv-blockchain/chainvalidator/stores/blockchain"
	utxomemory "github.com/bsv-blockchain/chainvalidator/stores/utxo/memory"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/chainvalidator/util/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStores struct {
	blocks *blobmemory.Memory
	utxos  *utxomemory.Memory
	index  blockchain_store.Store
}

func newTestStores(t *testing.T, tSettings *settings.Settings) *testStores {
	t.Helper()

	storeURL, err := url.Parse("sqlitememory:///blockindex")
	require.NoError(t, err)

	index, err := blockchain_store.NewStore(ulogger.NewErrorTestLogger(t), storeURL, tSettings)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = index.Close()
	})

	return &testStores{
		blocks: blobmemory.New(),
		utxos:  utxomemory.New(),
		index:  index,
	}
}

func (s *testStores) chain(tSettings *settings.Settings) *Blockchain {
	return New(ulogger.TestLogger{}, tSettings, s.blocks, s.utxos, s.index)
}

// addBlocks links blocks on top of the tip of b and stores their data, without validating
// them.
func addBlocks(t *testing.T, b *Blockchain, prev *model.BlockIndex, blocks ...*model.Block) []*model.BlockIndex {
	t.Helper()

	idxs := make([]*model.BlockIndex, 0, len(blocks))

	for _, block := range blocks {
		idx := model.NewBlockIndex(block.Header)
		idx.Link(prev)
		idx.TxCount = uint32(len(block.Transactions)) //nolint:gosec // test blocks are small
		idx.RaiseValidity(model.StatusValidTree)

		b.Insert(idx)
		require.NoError(t, b.WriteBlock(context.Background(), idx, block.Bytes()))

		if best := b.BestHeader(); best == nil || idx.ChainWork.Cmp(best.ChainWork) > 0 {
			b.SetBestHeader(idx)
		}

		idxs = append(idxs, idx)
		prev = idx
	}

	return idxs
}

func TestLoadInitialisesGenesis(t *testing.T) {
	ctx := context.Background()
	tSettings := test.CreateBaseTestSettings(t)
	params := tSettings.ChainCfgParams

	stores := newTestStores(t, tSettings)
	b := stores.chain(tSettings)

	require.NoError(t, b.Load(ctx))

	tip := b.Tip()
	require.NotNil(t, tip)
	assert.Equal(t, *params.GenesisHash, tip.Hash)
	assert.Equal(t, int32(0), b.Height())
	assert.Equal(t, tip, b.BestHeader())
	assert.Equal(t, 1, b.Count())
	assert.True(t, tip.IsValid(model.StatusValidScripts))
	assert.True(t, tip.HaveData())
	assert.Equal(t, *params.GenesisHash, stores.utxos.BlockID())

	block, err := b.ReadBlock(ctx, tip)
	require.NoError(t, err)
	assert.Equal(t, params.GenesisBlock, block.Bytes())

	best, err := stores.index.GetBestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, *params.GenesisHash, *best)

	code, _, err := b.Health(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 200, code)
}

func TestLoadRestoresTree(t *testing.T) {
	ctx := context.Background()
	tSettings := test.CreateBaseTestSettings(t)
	params := tSettings.ChainCfgParams

	stores := newTestStores(t, tSettings)
	b := stores.chain(tSettings)
	require.NoError(t, b.Load(ctx))

	builder := test.NewChainBuilder(t, params, test.NewWallet(t))
	idxs := addBlocks(t, b, b.Tip(), builder.NextN(3)...)

	// the utxo set and the tip are at block 2, block 3 is only known as a header with data
	idxs[0].RaiseValidity(model.StatusValidScripts)
	idxs[1].RaiseValidity(model.StatusValidScripts)
	require.NoError(t, stores.utxos.BlockFinished(ctx, 2, &idxs[1].Hash))
	require.NoError(t, b.SetTip(ctx, idxs[1]))

	reloaded := stores.chain(tSettings)
	require.NoError(t, reloaded.Load(ctx))

	assert.Equal(t, 4, reloaded.Count())
	assert.Equal(t, idxs[1].Hash, reloaded.Tip().Hash)
	assert.Equal(t, int32(2), reloaded.Height())
	assert.Equal(t, idxs[2].Hash, reloaded.BestHeader().Hash)
	assert.Equal(t, 0, idxs[2].ChainWork.Cmp(reloaded.BestHeader().ChainWork))

	third := reloaded.Lookup(idxs[2].Hash)
	require.NotNil(t, third)
	assert.True(t, third.HaveData())
	assert.Equal(t, idxs[2].DataPos, third.DataPos)
	assert.True(t, reloaded.Chain().Contains(reloaded.Lookup(idxs[0].Hash)))
	assert.False(t, reloaded.Chain().Contains(third))

	block, err := reloaded.ReadBlock(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, idxs[2].Hash, *block.Hash())
}

func TestLoadRejectsUnknownUtxoTip(t *testing.T) {
	ctx := context.Background()
	tSettings := test.CreateBaseTestSettings(t)

	stores := newTestStores(t, tSettings)
	require.NoError(t, stores.chain(tSettings).Load(ctx))

	builder := test.NewChainBuilder(t, tSettings.ChainCfgParams, test.NewWallet(t))
	unknown := builder.Next()
	require.NoError(t, stores.utxos.BlockFinished(ctx, 1, unknown.Hash()))

	err := stores.chain(tSettings).Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCorruptionPossible(err))
}

func TestMarkFailedAndReconsider(t *testing.T) {
	ctx := context.Background()
	tSettings := test.CreateBaseTestSettings(t)
	params := tSettings.ChainCfgParams

	b := newTestStores(t, tSettings).chain(tSettings)
	require.NoError(t, b.Load(ctx))

	builder := test.NewChainBuilder(t, params, test.NewWallet(t))
	blocks := builder.NextN(3)
	mainChain := addBlocks(t, b, b.Tip(), blocks...)

	side := addBlocks(t, b, mainChain[0], builder.Fork(blocks[0], 1).Next())[0]

	assert.Equal(t, mainChain[2], b.BestHeader())

	descendants := b.MarkFailed(mainChain[1])
	require.Len(t, descendants, 1)
	assert.Equal(t, mainChain[2], descendants[0])

	assert.True(t, mainChain[1].Status()&model.StatusFailed != 0)
	assert.True(t, mainChain[2].Status()&model.StatusFailedParent != 0)
	assert.False(t, mainChain[0].HasFailed())
	assert.False(t, side.HasFailed())

	// the side branch at height 2 is now the heaviest valid header
	assert.Equal(t, side, b.FindBestHeader())

	b.ReconsiderBlock(mainChain[2])
	assert.False(t, mainChain[1].HasFailed())
	assert.False(t, mainChain[2].HasFailed())
	assert.Equal(t, mainChain[2], b.FindBestHeader())
}

func TestUndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	tSettings := test.CreateBaseTestSettings(t)

	b := newTestStores(t, tSettings).chain(tSettings)
	require.NoError(t, b.Load(ctx))

	builder := test.NewChainBuilder(t, tSettings.ChainCfgParams, test.NewWallet(t))
	idx := addBlocks(t, b, b.Tip(), builder.Next())[0]

	_, err := b.ReadUndo(ctx, idx)
	require.Error(t, err)

	undo := &model.BlockUndo{Txs: []*model.TxUndo{{Coins: []*model.Coin{{
		Satoshis:      5000,
		LockingScript: []byte{0x51},
		Height:        1,
		IsCoinbase:    true,
	}}}}}

	require.NoError(t, b.WriteUndo(ctx, idx, undo))
	assert.True(t, idx.HaveUndo())

	loaded, err := b.ReadUndo(ctx, idx)
	require.NoError(t, err)
	require.Len(t, loaded.Txs, 1)
	assert.Equal(t, undo.Txs[0].Coins[0], loaded.Txs[0].Coins[0])
}

func TestReadBlockWithoutData(t *testing.T) {
	ctx := context.Background()
	tSettings := test.CreateBaseTestSettings(t)

	b := newTestStores(t, tSettings).chain(tSettings)
	require.NoError(t, b.Load(ctx))

	builder := test.NewChainBuilder(t, tSettings.ChainCfgParams, test.NewWallet(t))
	block := builder.Next()

	idx := model.NewBlockIndex(block.Header)
	idx.Link(b.Tip())
	b.Insert(idx)

	_, err := b.ReadBlock(ctx, idx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBlockNotFound))
}
