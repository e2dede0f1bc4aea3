package model

import (
	"math/big"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNBit(t *testing.T) {
	bits, err := NewNBitFromString("1d00ffff")
	require.NoError(t, err)
	require.Equal(t, "1d00ffff", bits.String())

	difficulty, _ := bits.CalculateDifficulty().Float64()
	assert.InDelta(t, 1.0, difficulty, 1e-12)

	assert.Equal(t, "26959535291011309493156476344723991336010898738574164086137773096960", bits.CalculateTarget().String())
	assert.Equal(t, "4295032833", bits.CalcWork().String())

	_, err = NewNBitFromString("zz")
	require.Error(t, err)

	_, err = NewNBitFromString("1d00")
	require.Error(t, err)
}

func TestCompactRoundTrip(t *testing.T) {
	for _, compact := range []uint32{0x1d00ffff, 0x1d00d86a, 0x1804dafe, 0x207fffff, 0x180f7f7d, 0x03123456, 0x05009234} {
		assert.Equal(t, compact, BigToCompact(CompactToBig(compact)), "%08x", compact)
	}

	assert.Equal(t, uint32(0), BigToCompact(big.NewInt(0)))

	// 0x80 would set the sign bit, so the exponent grows
	assert.Equal(t, uint32(0x02008000), BigToCompact(big.NewInt(0x80)))
}

func TestCompactToBigChecked(t *testing.T) {
	_, negative, overflow := CompactToBigChecked(0x01fedcba)
	assert.True(t, negative)
	assert.False(t, overflow)

	_, negative, overflow = CompactToBigChecked(0xff123456)
	assert.False(t, negative)
	assert.True(t, overflow)

	target, negative, overflow := CompactToBigChecked(0x1d00ffff)
	assert.False(t, negative)
	assert.False(t, overflow)
	assert.Positive(t, target.Sign())
}

func TestGenesisBlock(t *testing.T) {
	for _, params := range []*chaincfg.Params{&chaincfg.MainNetParams, &chaincfg.RegressionNetParams} {
		t.Run(params.Name, func(t *testing.T) {
			block, err := NewBlockFromBytes(params.GenesisBlock)
			require.NoError(t, err)

			assert.Equal(t, *params.GenesisHash, *block.Hash())
			assert.Equal(t, params.GenesisBlock, block.Bytes())
			assert.Equal(t, len(params.GenesisBlock), block.Size())
			require.Len(t, block.Transactions, 1)
			assert.True(t, block.CoinbaseTx().IsCoinbase())
			require.NoError(t, block.CheckMerkleRoot())

			header, err := NewBlockHeaderFromBytes(params.GenesisBlock[:BlockHeaderSize])
			require.NoError(t, err)
			assert.Equal(t, params.GenesisBlock[:BlockHeaderSize], header.Bytes())
		})
	}
}

func TestNewBlockFromBytesErrors(t *testing.T) {
	_, err := NewBlockFromBytes(make([]byte, 10))
	require.Error(t, err)

	trailing := append(append([]byte(nil), chaincfg.MainNetParams.GenesisBlock...), 0x00)
	_, err = NewBlockFromBytes(trailing)
	require.Error(t, err)
	assert.Equal(t, "1: bad-blk-length", errors.RejectReason(err))

	_, err = NewBlockHeaderFromBytes(make([]byte, 79))
	require.Error(t, err)
}

func TestCalcMerkleRoot(t *testing.T) {
	a := chainhash.HashH([]byte("a"))
	b := chainhash.HashH([]byte("b"))
	c := chainhash.HashH([]byte("c"))

	root, mutated := CalcMerkleRoot([]chainhash.Hash{a})
	assert.Equal(t, a, root)
	assert.False(t, mutated)

	// an odd level duplicates the last hash, which is not a mutation
	rootABC, mutated := CalcMerkleRoot([]chainhash.Hash{a, b, c})
	assert.False(t, mutated)

	// the explicit duplicate produces the same root and is detected
	rootABCC, mutated := CalcMerkleRoot([]chainhash.Hash{a, b, c, c})
	assert.True(t, mutated)
	assert.Equal(t, rootABC, rootABCC)

	empty, mutated := CalcMerkleRoot(nil)
	assert.Equal(t, chainhash.Hash{}, empty)
	assert.False(t, mutated)
}

func TestCoinbaseHeightScript(t *testing.T) {
	tests := []struct {
		height int32
		expect []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x51}},
		{16, []byte{0x60}},
		{17, []byte{0x01, 0x11}},
		{127, []byte{0x01, 0x7f}},
		{128, []byte{0x02, 0x80, 0x00}},
		{227931, []byte{0x03, 0x5b, 0x7a, 0x03}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expect, CoinbaseHeightScript(tt.height), "height %d", tt.height)
	}
}

func buildIndexChain(t *testing.T, n int, parent *BlockIndex, salt uint32) []*BlockIndex {
	t.Helper()

	nodes := make([]*BlockIndex, 0, n)
	prev := parent

	for i := 0; i < n; i++ {
		header := &BlockHeader{
			Version:        1,
			HashPrevBlock:  &chainhash.Hash{},
			HashMerkleRoot: &chainhash.Hash{},
			Timestamp:      1600000000 + uint32(i)*600,
			Bits:           0x207fffff,
			Nonce:          uint32(i) + salt<<16,
		}

		if prev != nil {
			header.HashPrevBlock = &prev.Hash
		}

		idx := NewBlockIndex(header)
		assert.Equal(t, int32(-1), idx.Height)
		idx.Link(prev)

		nodes = append(nodes, idx)
		prev = idx
	}

	return nodes
}

func TestBlockIndexGetAncestor(t *testing.T) {
	nodes := buildIndexChain(t, 2000, nil, 0)
	tip := nodes[len(nodes)-1]

	assert.Equal(t, int32(1999), tip.Height)

	for _, h := range []int32{0, 1, 2, 17, 1024, 1500, 1998, 1999} {
		require.Same(t, nodes[h], tip.GetAncestor(h), "height %d", h)
	}

	assert.Nil(t, tip.GetAncestor(2000))
	assert.Nil(t, tip.GetAncestor(-1))

	work := new(big.Int).Mul(NBit(0x207fffff).CalcWork(), big.NewInt(2000))
	assert.Equal(t, work, tip.ChainWork)
}

func TestBlockIndexStatus(t *testing.T) {
	idx := buildIndexChain(t, 1, nil, 0)[0]

	assert.True(t, idx.RaiseValidity(StatusValidTree))
	assert.False(t, idx.RaiseValidity(StatusValidHeader))
	assert.True(t, idx.IsValid(StatusValidTree))
	assert.False(t, idx.IsValid(StatusValidScripts))

	assert.True(t, idx.AddStatus(StatusHaveData))
	assert.False(t, idx.AddStatus(StatusHaveData))
	assert.True(t, idx.HaveData())
	assert.Equal(t, StatusValidTree, idx.Status()&StatusValidityMask)

	idx.AddStatus(StatusFailed)
	assert.True(t, idx.HasFailed())
	assert.False(t, idx.RaiseValidity(StatusValidScripts))
	assert.False(t, idx.IsValid(StatusValidHeader))

	idx.RemoveStatus(StatusFailed)
	assert.False(t, idx.HasFailed())
	assert.True(t, idx.IsValid(StatusValidTree))
}

func TestBlockIndexMedianTimePast(t *testing.T) {
	nodes := buildIndexChain(t, 20, nil, 0)

	// timestamps increase by 600, the median of the last 11 is 5 blocks back
	assert.Equal(t, int64(nodes[14].Header.Timestamp), nodes[19].MedianTimePast())
	assert.Equal(t, int64(nodes[0].Header.Timestamp), nodes[0].MedianTimePast())
}

func TestChainSetTipAndFork(t *testing.T) {
	main := buildIndexChain(t, 10, nil, 0)
	fork := buildIndexChain(t, 3, main[5], 1)

	chain := NewChain()
	assert.Nil(t, chain.Tip())
	assert.Equal(t, int32(-1), chain.Height())

	chain.SetTip(main[9])
	assert.Same(t, main[9], chain.Tip())
	assert.Same(t, main[0], chain.Genesis())
	assert.True(t, chain.Contains(main[4]))
	assert.Same(t, main[5], chain.Next(main[4]))
	assert.Nil(t, chain.Next(main[9]))

	assert.Same(t, main[5], chain.FindFork(fork[2]))
	assert.Same(t, main[5], LastCommonAncestor(main[9], fork[2]))

	// shrink to the fork, then extend back to the old tip
	chain.SetTip(fork[0])
	assert.Same(t, fork[0], chain.Tip())
	assert.False(t, chain.Contains(main[6]))

	chain.SetTip(main[8])
	for h := int32(0); h <= 8; h++ {
		require.Same(t, main[h], chain.At(h))
	}

	assert.False(t, chain.Contains(fork[0]))
	assert.Nil(t, chain.At(9))

	chain.SetTip(nil)
	assert.Nil(t, chain.Tip())
}

func TestBlockUndoRoundTrip(t *testing.T) {
	undo := &BlockUndo{
		Txs: []*TxUndo{
			{Coins: []*Coin{
				{Satoshis: 5000000000, LockingScript: []byte{0x76, 0xa9}, Height: 1, IsCoinbase: true},
				{Satoshis: 1, LockingScript: nil, Height: 700000},
			}},
			{Coins: []*Coin{}},
		},
	}

	decoded, err := NewBlockUndoFromBytes(undo.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded.Txs, 2)
	require.Len(t, decoded.Txs[0].Coins, 2)

	assert.Equal(t, uint64(5000000000), decoded.Txs[0].Coins[0].Satoshis)
	assert.True(t, decoded.Txs[0].Coins[0].IsCoinbase)
	assert.Equal(t, []byte{0x76, 0xa9}, decoded.Txs[0].Coins[0].LockingScript)
	assert.Equal(t, uint32(700000), decoded.Txs[0].Coins[1].Height)
	assert.False(t, decoded.Txs[0].Coins[1].IsCoinbase)
	assert.Empty(t, decoded.Txs[1].Coins)

	_, err = NewBlockUndoFromBytes(append(undo.Bytes(), 0x01))
	require.Error(t, err)
	assert.True(t, errors.IsCorruptionPossible(err))
}

func TestOutpoint(t *testing.T) {
	assert.True(t, Outpoint{Index: 0xffffffff}.IsNull())
	assert.False(t, Outpoint{Index: 0}.IsNull())

	op := NewOutpoint(chainhash.HashH([]byte("x")), 3)
	assert.Len(t, op.Bytes(), 36)
	assert.Equal(t, byte(3), op.Bytes()[32])

	assert.False(t, (&Coin{LockingScript: []byte{0x6a, 0x01}}).IsSpendable())
	assert.True(t, (&Coin{LockingScript: []byte{0x51}}).IsSpendable())
}

func TestCoinBytes(t *testing.T) {
	coin := &Coin{Satoshis: 625000000, LockingScript: []byte{0x76, 0xa9}, Height: 840000, IsCoinbase: true}

	parsed, err := NewCoinFromBytes(coin.Bytes())
	require.NoError(t, err)
	assert.Equal(t, coin, parsed)

	_, err = NewCoinFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.IsCorruptionPossible(err))
}
