// Package test holds the helpers shared by the package tests: settings, keys, signed
// transactions and mined regtest blocks.
package test

import (
	"bytes"
	"context"
	"sort"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/blockchain/pow"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/bsv-blockchain/go-bt/v2/sighash"
	"github.com/bsv-blockchain/go-bt/v2/unlocker"
	bec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/stretchr/testify/require"
)

// coinbaseTag pads the coinbase scriptSig so the transaction meets the 100 byte minimum.
var coinbaseTag = []byte("/chainvalidator-test/")

// CreateBaseTestSettings returns regtest settings with in-memory stores. The chain params are
// a private copy, tests may change them freely.
func CreateBaseTestSettings(t *testing.T) *settings.Settings {
	t.Helper()

	tSettings := settings.NewSettingsForNetwork("regtest")

	params := *tSettings.ChainCfgParams
	tSettings.ChainCfgParams = &params

	tSettings.BlockValidation.Concurrency = 4

	return tSettings
}

// Wallet is a key with its P2PKH locking script.
type Wallet struct {
	PrivateKey    *bec.PrivateKey
	LockingScript *bscript.Script
}

func NewWallet(t *testing.T) *Wallet {
	t.Helper()

	privateKey, err := bec.NewPrivateKey()
	require.NoError(t, err)

	lockingScript, err := bscript.NewP2PKHFromPubKeyBytes(privateKey.PubKey().Compressed())
	require.NoError(t, err)

	return &Wallet{
		PrivateKey:    privateKey,
		LockingScript: lockingScript,
	}
}

// Subsidy returns the block reward at height.
func Subsidy(height int32, params *chaincfg.Params) uint64 {
	return params.BlockSubsidy(height)
}

// CoinbaseTx creates a coinbase paying satoshis to lockingScript. The scriptSig starts with
// the BIP34 height so coinbases of different heights never share a txid.
func CoinbaseTx(height int32, lockingScript *bscript.Script, satoshis uint64) *bt.Tx {
	scriptSig := model.CoinbaseHeightScript(height)
	scriptSig = append(scriptSig, byte(len(coinbaseTag)))
	scriptSig = append(scriptSig, coinbaseTag...)

	input := &bt.Input{
		PreviousTxOutIndex: 0xffffffff,
		SequenceNumber:     0xffffffff,
		UnlockingScript:    bscript.NewFromBytes(scriptSig),
	}
	_ = input.PreviousTxIDAdd(&chainhash.Hash{})

	tx := bt.NewTx()
	tx.Inputs = append(tx.Inputs, input)
	tx.AddOutput(&bt.Output{
		Satoshis:      satoshis,
		LockingScript: lockingScript,
	})

	return tx
}

// SpendTx spends output vout of parent back to the wallet, paying fee. The input is signed with
// SIGHASH_ALL|FORKID.
func (w *Wallet) SpendTx(t *testing.T, parent *bt.Tx, vout uint32, fee uint64) *bt.Tx {
	t.Helper()

	tx := w.unsignedSpend(t, parent, vout, fee)

	require.NoError(t, tx.FillAllInputs(context.Background(), &unlocker.Getter{PrivateKey: w.PrivateKey}))

	return tx
}

// SpendTxWithoutForkID is SpendTx signed with plain SIGHASH_ALL, which is invalid once UAHF is
// active.
func (w *Wallet) SpendTxWithoutForkID(t *testing.T, parent *bt.Tx, vout uint32, fee uint64) *bt.Tx {
	t.Helper()

	tx := w.unsignedSpend(t, parent, vout, fee)

	err := tx.FillInput(context.Background(), &unlocker.Simple{PrivateKey: w.PrivateKey}, bt.UnlockerParams{
		InputIdx:     0,
		SigHashFlags: sighash.All,
	})
	require.NoError(t, err)

	return tx
}

// SplitTx spends output vout of parent into n equal outputs back to the wallet.
func (w *Wallet) SplitTx(t *testing.T, parent *bt.Tx, vout uint32, n int, fee uint64) *bt.Tx {
	t.Helper()

	output := parent.Outputs[vout]
	require.Greater(t, output.Satoshis, fee)

	tx := bt.NewTx()
	require.NoError(t, tx.FromUTXOs(&bt.UTXO{
		TxIDHash:      parent.TxIDChainHash(),
		Vout:          vout,
		LockingScript: output.LockingScript,
		Satoshis:      output.Satoshis,
	}))

	each := (output.Satoshis - fee) / uint64(n) //nolint:gosec // n is small and positive
	for i := 0; i < n; i++ {
		tx.AddOutput(&bt.Output{Satoshis: each, LockingScript: w.LockingScript})
	}

	require.NoError(t, tx.FillAllInputs(context.Background(), &unlocker.Getter{PrivateKey: w.PrivateKey}))

	return tx
}

func (w *Wallet) unsignedSpend(t *testing.T, parent *bt.Tx, vout uint32, fee uint64) *bt.Tx {
	t.Helper()

	output := parent.Outputs[vout]
	require.Greater(t, output.Satoshis, fee)

	tx := bt.NewTx()
	require.NoError(t, tx.FromUTXOs(&bt.UTXO{
		TxIDHash:      parent.TxIDChainHash(),
		Vout:          vout,
		LockingScript: output.LockingScript,
		Satoshis:      output.Satoshis,
	}))

	tx.AddOutput(&bt.Output{
		Satoshis:      output.Satoshis - fee,
		LockingScript: w.LockingScript,
	})

	return tx
}

// SortCTOR sorts the non-coinbase transactions in canonical order.
func SortCTOR(txs []*bt.Tx) {
	sort.Slice(txs, func(i, j int) bool {
		return bytes.Compare(txs[i].TxIDChainHash()[:], txs[j].TxIDChainHash()[:]) < 0
	})
}

// ChainBuilder mines regtest blocks on top of each other.
type ChainBuilder struct {
	t      *testing.T
	params *chaincfg.Params
	wallet *Wallet

	// Tip is the block the next block is built on.
	Tip    *model.Block
	Height int32

	extraNonce uint32
}

// NewChainBuilder starts a builder at the genesis block of params.
func NewChainBuilder(t *testing.T, params *chaincfg.Params, wallet *Wallet) *ChainBuilder {
	t.Helper()

	genesis, err := model.NewBlockFromBytes(params.GenesisBlock)
	require.NoError(t, err)

	return &ChainBuilder{
		t:      t,
		params: params,
		wallet: wallet,
		Tip:    genesis,
		Height: 0,
	}
}

// Fork returns a builder continuing from block at height, leaving b untouched.
func (b *ChainBuilder) Fork(block *model.Block, height int32) *ChainBuilder {
	return &ChainBuilder{
		t:          b.t,
		params:     b.params,
		wallet:     b.wallet,
		Tip:        block,
		Height:     height,
		extraNonce: b.extraNonce + 1000,
	}
}

// Next mines a block containing a coinbase paying the subsidy to the wallet followed by txs in
// canonical order, and makes it the new tip.
func (b *ChainBuilder) Next(txs ...*bt.Tx) *model.Block {
	b.t.Helper()

	height := b.Height + 1
	coinbase := CoinbaseTx(height, b.wallet.LockingScript, Subsidy(height, b.params))

	if b.extraNonce > 0 {
		// forks at the same height need distinct coinbases
		_ = coinbase.Inputs[0].UnlockingScript.AppendPushData([]byte{byte(b.extraNonce), byte(b.extraNonce >> 8)})
	}

	b.extraNonce++

	sorted := append([]*bt.Tx(nil), txs...)
	SortCTOR(sorted)

	block := b.Mine(append([]*bt.Tx{coinbase}, sorted...))

	b.Tip = block
	b.Height = height

	return block
}

// Mine builds and mines a block on the tip with exactly txs, without reordering them.
func (b *ChainBuilder) Mine(txs []*bt.Tx) *model.Block {
	b.t.Helper()

	return MineBlock(b.t, b.params, b.Tip.Header, txs)
}

// NextN mines n empty blocks and returns them in order.
func (b *ChainBuilder) NextN(n int) []*model.Block {
	b.t.Helper()

	blocks := make([]*model.Block, 0, n)
	for i := 0; i < n; i++ {
		blocks = append(blocks, b.Next())
	}

	return blocks
}

// MineBlock builds a block on prev with txs and searches a nonce meeting the regtest target.
func MineBlock(t *testing.T, params *chaincfg.Params, prev *model.BlockHeader, txs []*bt.Tx) *model.Block {
	t.Helper()

	return MineBlockWith(t, params, prev, txs, nil)
}

// MineBlockWith is MineBlock with adjust applied to the header before the nonce search, for
// blocks with a custom timestamp or target.
func MineBlockWith(t *testing.T, params *chaincfg.Params, prev *model.BlockHeader, txs []*bt.Tx, adjust func(*model.BlockHeader)) *model.Block {
	t.Helper()

	txIDs := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		txIDs[i] = *tx.TxIDChainHash()
	}

	merkleRoot, _ := model.CalcMerkleRoot(txIDs)

	header := &model.BlockHeader{
		Version:        4,
		HashPrevBlock:  prev.Hash(),
		HashMerkleRoot: &merkleRoot,
		Timestamp:      prev.Timestamp + 600,
		Bits:           model.NBit(params.PowLimitBits),
	}

	if adjust != nil {
		adjust(header)
	}

	for header.Nonce = 0; ; header.Nonce++ {
		if pow.CheckProofOfWork(header.Hash(), header.Bits, params) == nil {
			break
		}

		require.Less(t, header.Nonce, uint32(1<<20), "no nonce found")
	}

	return model.NewBlock(header, txs)
}
