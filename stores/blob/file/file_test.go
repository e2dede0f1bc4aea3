package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUndo() *model.BlockUndo {
	return &model.BlockUndo{
		Txs: []*model.TxUndo{
			{Coins: []*model.Coin{
				{Satoshis: 5000000000, LockingScript: []byte{0x76, 0xa9, 0x14}, Height: 1, IsCoinbase: true},
			}},
			{Coins: []*model.Coin{
				{Satoshis: 1, LockingScript: []byte{0x51}, Height: 7},
				{Satoshis: 2, LockingScript: nil, Height: 8},
			}},
		},
	}
}

func TestBlockRoundTrip(t *testing.T) {
	ctx := context.Background()
	params := &chaincfg.RegressionNetParams

	store, err := NewFromPath(ulogger.TestLogger{}, t.TempDir(), WithNetwork(params.Net))
	require.NoError(t, err)

	defer func() {
		_ = store.Close(ctx)
	}()

	before, err := model.NewBlockFromBytes(params.GenesisBlock)
	require.NoError(t, err)

	pos, err := store.WriteBlock(ctx, params.GenesisBlock)
	require.NoError(t, err)
	assert.Equal(t, model.DiskPos{File: 0, Offset: recordHeaderSize}, pos)

	loaded, err := store.LoadBlock(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, params.GenesisBlock, loaded)

	after, err := model.NewBlockFromBytes(loaded)
	require.NoError(t, err)
	assert.Equal(t, before.Hash(), after.Hash())

	// the second record follows the first one
	pos2, err := store.WriteBlock(ctx, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint32(2*recordHeaderSize+len(params.GenesisBlock)), pos2.Offset)

	loaded, err = store.LoadBlock(ctx, pos2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, loaded)
}

func TestUndoRoundTripAndChecksum(t *testing.T) {
	ctx := context.Background()

	store, err := NewFromPath(ulogger.TestLogger{}, t.TempDir())
	require.NoError(t, err)

	defer func() {
		_ = store.Close(ctx)
	}()

	blockHash := chainhash.HashH([]byte("block"))
	undo := testUndo()

	pos, err := store.WriteUndoBlock(ctx, undo, &blockHash)
	require.NoError(t, err)

	loaded, err := store.LoadUndoBlock(ctx, pos, &blockHash)
	require.NoError(t, err)
	assert.Equal(t, undo.Bytes(), loaded.Bytes())

	// undo data read for another block fails the checksum
	other := chainhash.HashH([]byte("other"))
	_, err = store.LoadUndoBlock(ctx, pos, &other)
	require.Error(t, err)
	assert.True(t, errors.IsCorruptionPossible(err))
}

func TestCorruptedUndoIsDetected(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFromPath(ulogger.TestLogger{}, dir)
	require.NoError(t, err)

	blockHash := chainhash.HashH([]byte("block"))

	pos, err := store.WriteUndoBlock(ctx, testUndo(), &blockHash)
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	name := filepath.Join(dir, "rev00000.dat")
	data, err := os.ReadFile(name)
	require.NoError(t, err)

	data[pos.Offset+2] ^= 0xff
	require.NoError(t, os.WriteFile(name, data, 0o600))

	store, err = NewFromPath(ulogger.TestLogger{}, dir)
	require.NoError(t, err)

	defer func() {
		_ = store.Close(ctx)
	}()

	_, err = store.LoadUndoBlock(ctx, pos, &blockHash)
	require.Error(t, err)
	assert.True(t, errors.IsCorruptionPossible(err))
}

func TestWrongNetworkMagic(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFromPath(ulogger.TestLogger{}, dir, WithNetwork(chaincfg.MainNetParams.Net))
	require.NoError(t, err)

	pos, err := store.WriteBlock(ctx, []byte("block"))
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	store, err = NewFromPath(ulogger.TestLogger{}, dir, WithNetwork(chaincfg.RegressionNetParams.Net))
	require.NoError(t, err)

	defer func() {
		_ = store.Close(ctx)
	}()

	_, err = store.LoadBlock(ctx, pos)
	require.Error(t, err)
	assert.True(t, errors.IsCorruptionPossible(err))
}

func TestRollOverAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFromPath(ulogger.TestLogger{}, dir, WithMaxFileSize(100))
	require.NoError(t, err)

	payload := make([]byte, 60)

	var positions []model.DiskPos

	for i := 0; i < 3; i++ {
		payload[0] = byte(i)

		pos, err := store.WriteBlock(ctx, payload)
		require.NoError(t, err)

		positions = append(positions, pos)
	}

	// each record of 68 bytes gets its own file
	assert.Equal(t, int32(0), positions[0].File)
	assert.Equal(t, int32(1), positions[1].File)
	assert.Equal(t, int32(2), positions[2].File)

	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.Close(ctx))

	_, err = store.WriteBlock(ctx, payload)
	require.Error(t, err, "closed store must not accept writes")

	// reopening continues the last file
	store, err = NewFromPath(ulogger.TestLogger{}, dir, WithMaxFileSize(1000))
	require.NoError(t, err)

	defer func() {
		_ = store.Close(ctx)
	}()

	pos, err := store.WriteBlock(ctx, []byte{9})
	require.NoError(t, err)
	assert.Equal(t, model.DiskPos{File: 2, Offset: 68 + recordHeaderSize}, pos)

	for i, p := range positions {
		loaded, err := store.LoadBlock(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, byte(i), loaded[0])
		assert.Len(t, loaded, 60)
	}

	_, err = store.LoadBlock(ctx, model.DiskPos{File: 7, Offset: recordHeaderSize})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = store.LoadBlock(ctx, model.NullDiskPos)
	require.Error(t, err)
}
