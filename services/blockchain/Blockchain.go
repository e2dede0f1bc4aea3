// Package blockchain holds the block tree known to the node: every header that could be linked
// to genesis, the best header chain and the active chain of fully validated blocks, together
// with the stores the tree and the blocks are kept in.
//
// The tree is only mutated by the validation engine's strand. Lookups may come from any
// goroutine.
package blockchain

import (
	"context"
	"net/http"
	"sync"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/stores/blob"
	blockchain_store "github.com/bsv-blockchain/chainvalidator/stores/blockchain"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	utxofactory "github.com/bsv-blockchain/chainvalidator/stores/utxo/factory"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/dolthub/swiss"
)

type Blockchain struct {
	logger   ulogger.Logger
	settings *settings.Settings
	params   *chaincfg.Params

	blockStore blob.Store
	utxoStore  utxo.Store
	indexStore blockchain_store.Store

	mu    sync.RWMutex
	index *swiss.Map[chainhash.Hash, *model.BlockIndex]
	dirty map[*model.BlockIndex]struct{}

	chain   *model.Chain
	headers *model.Chain
}

// New creates an empty chain object on the given stores. Load must be called before use.
func New(logger ulogger.Logger, tSettings *settings.Settings, blockStore blob.Store, utxoStore utxo.Store, indexStore blockchain_store.Store) *Blockchain {
	return &Blockchain{
		logger:     logger,
		settings:   tSettings,
		params:     tSettings.ChainCfgParams,
		blockStore: blockStore,
		utxoStore:  utxoStore,
		indexStore: indexStore,
		index:      swiss.NewMap[chainhash.Hash, *model.BlockIndex](1024),
		dirty:      make(map[*model.BlockIndex]struct{}),
		chain:      model.NewChain(),
		headers:    model.NewChain(),
	}
}

// NewFromSettings opens the block, utxo and block index stores configured in tSettings.
func NewFromSettings(ctx context.Context, logger ulogger.Logger, tSettings *settings.Settings) (*Blockchain, error) {
	blockStore, err := blob.NewStore(logger, tSettings.Stores.BlockStore, tSettings)
	if err != nil {
		return nil, err
	}

	utxoStore, err := utxofactory.NewStore(ctx, logger, tSettings.Stores.UtxoStore, tSettings)
	if err != nil {
		_ = blockStore.Close(ctx)
		return nil, err
	}

	indexStore, err := blockchain_store.NewStore(logger, tSettings.Stores.BlockIndexStore, tSettings)
	if err != nil {
		_ = blockStore.Close(ctx)
		_ = utxoStore.Close(ctx)

		return nil, err
	}

	return New(logger, tSettings, blockStore, utxoStore, indexStore), nil
}

func (b *Blockchain) Params() *chaincfg.Params {
	return b.params
}

func (b *Blockchain) BlockStore() blob.Store {
	return b.blockStore
}

func (b *Blockchain) UtxoStore() utxo.Store {
	return b.utxoStore
}

// Health reports the health of the three stores, the first failure wins.
func (b *Blockchain) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	for _, check := range []func(context.Context, bool) (int, string, error){
		b.blockStore.Health,
		b.utxoStore.Health,
		b.indexStore.Health,
	} {
		if status, details, err := check(ctx, checkLiveness); err != nil || status != http.StatusOK {
			return status, details, err
		}
	}

	return http.StatusOK, "OK", nil
}

// Load rebuilds the block tree from the block index store. An empty store is initialised with
// the genesis block of the network.
//
// The active chain is set to the block the UTXO set corresponds to. When the node stopped
// before the UTXO set was flushed that block is behind the persisted best block, and the
// blocks in between are validated again.
func (b *Blockchain) Load(ctx context.Context) error {
	records, err := b.indexStore.GetBlockIndexes(ctx)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return b.initGenesis(ctx)
	}

	b.mu.Lock()

	var bestHeader *model.BlockIndex

	for _, record := range records {
		idx := model.NewBlockIndex(record.Header)
		idx.SetStatus(record.Status)
		idx.TxCount = record.TxCount
		idx.DataPos = record.DataPos
		idx.UndoPos = record.UndoPos

		if idx.Hash.IsEqual(b.params.GenesisHash) {
			idx.Link(nil)
		} else {
			prev, ok := b.index.Get(*record.Header.HashPrevBlock)
			if !ok {
				b.logger.Warnf("[Blockchain:Load] block %s at height %d has no parent in the index, skipping", idx.Hash, record.Height)
				continue
			}

			idx.Link(prev)
		}

		b.index.Put(idx.Hash, idx)

		if !idx.HasFailed() && (bestHeader == nil || idx.ChainWork.Cmp(bestHeader.ChainWork) > 0) {
			bestHeader = idx
		}
	}

	b.mu.Unlock()

	genesis := b.Lookup(*b.params.GenesisHash)
	if genesis == nil {
		return errors.NewCorruptionError("block index has no genesis block %s", b.params.GenesisHash)
	}

	tip := genesis

	utxoTip := b.utxoStore.BlockID()
	if !utxoTip.IsEqual(&chainhash.Hash{}) {
		if tip = b.Lookup(utxoTip); tip == nil {
			return errors.NewCorruptionError("utxo set is at block %s which is not in the block index", utxoTip)
		}
	}

	if best, err := b.indexStore.GetBestBlock(ctx); err == nil && !best.IsEqual(&tip.Hash) {
		b.logger.Warnf("[Blockchain:Load] best block %s differs from the utxo set at %s, the blocks after %d are validated again", best, tip.Hash, tip.Height)
	}

	b.chain.SetTip(tip)
	b.headers.SetTip(bestHeader)

	if !b.headers.Contains(tip) {
		// the tip is on a branch with less work, the engine repairs this once it starts
		b.logger.Warnf("[Blockchain:Load] tip %s is not on the best header chain ending at %s", tip, bestHeader)
	}

	b.logger.Infof("[Blockchain:Load] loaded %d block headers, tip %s, best header %s", b.index.Count(), tip, bestHeader)

	return nil
}

func (b *Blockchain) initGenesis(ctx context.Context) error {
	block, err := model.NewBlockFromBytes(b.params.GenesisBlock)
	if err != nil {
		return errors.NewConfigurationError("invalid genesis block for %s", b.params.Name, err)
	}

	pos, err := b.blockStore.WriteBlock(ctx, b.params.GenesisBlock)
	if err != nil {
		return err
	}

	idx := model.NewBlockIndex(block.Header)
	idx.Link(nil)
	idx.TxCount = uint32(len(block.Transactions)) //nolint:gosec // genesis has a single transaction
	idx.DataPos = pos
	idx.AddStatus(model.StatusHaveData)
	idx.RaiseValidity(model.StatusValidScripts)

	// the genesis coinbase is not spendable and never enters the utxo set
	if err = b.utxoStore.BlockFinished(ctx, 0, &idx.Hash); err != nil {
		return err
	}

	b.Insert(idx)
	b.headers.SetTip(idx)

	if err = b.SetTip(ctx, idx); err != nil {
		return err
	}

	b.logger.Infof("[Blockchain:initGenesis] initialised %s with genesis block %s", b.params.Name, idx.Hash)

	return nil
}

// Lookup returns the node of the block with the given hash, nil when it is not in the tree.
func (b *Blockchain) Lookup(hash chainhash.Hash) *model.BlockIndex {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, _ := b.index.Get(hash)

	return idx
}

// Insert adds a linked node to the tree. From then on the tree owns it.
func (b *Blockchain) Insert(idx *model.BlockIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.index.Put(idx.Hash, idx)
	b.dirty[idx] = struct{}{}
}

// MarkDirty schedules nodes whose status or positions changed to be written with the next
// flush.
func (b *Blockchain) MarkDirty(idxs ...*model.BlockIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, idx := range idxs {
		b.dirty[idx] = struct{}{}
	}
}

// Count returns the number of nodes in the tree.
func (b *Blockchain) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.index.Count()
}

// Chain returns the active chain of validated blocks.
func (b *Blockchain) Chain() *model.Chain {
	return b.chain
}

// HeaderChain returns the chain of headers with the most work.
func (b *Blockchain) HeaderChain() *model.Chain {
	return b.headers
}

func (b *Blockchain) Tip() *model.BlockIndex {
	return b.chain.Tip()
}

func (b *Blockchain) Height() int32 {
	return b.chain.Height()
}

func (b *Blockchain) BestHeader() *model.BlockIndex {
	return b.headers.Tip()
}

// SetBestHeader moves the tip of the header chain.
func (b *Blockchain) SetBestHeader(idx *model.BlockIndex) {
	b.headers.SetTip(idx)
}

// SetTip moves the active chain to idx and persists the tip together with all changed nodes.
func (b *Blockchain) SetTip(ctx context.Context, idx *model.BlockIndex) error {
	b.chain.SetTip(idx)

	if err := b.FlushIndex(ctx); err != nil {
		return err
	}

	return b.indexStore.SetBestBlock(ctx, &idx.Hash)
}

// FlushIndex writes the changed nodes to the block index store.
func (b *Blockchain) FlushIndex(ctx context.Context) error {
	b.mu.Lock()

	if len(b.dirty) == 0 {
		b.mu.Unlock()
		return nil
	}

	records := make([]*model.BlockIndexRecord, 0, len(b.dirty))

	for idx := range b.dirty {
		if idx.IsLinked() {
			records = append(records, idx.Record())
		}
	}

	clear(b.dirty)
	b.mu.Unlock()

	return b.indexStore.StoreBlockIndex(ctx, records...)
}

// FindBestHeader returns the node with the most work that has not failed. Used to move the
// header chain off a branch that turned out to be invalid.
func (b *Blockchain) FindBestHeader() *model.BlockIndex {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var best *model.BlockIndex

	b.index.Iter(func(_ chainhash.Hash, idx *model.BlockIndex) bool {
		if idx.IsLinked() && !idx.HasFailed() && (best == nil || idx.ChainWork.Cmp(best.ChainWork) > 0) {
			best = idx
		}

		return false
	})

	return best
}

// MarkFailed marks idx as failed and every known descendant as having a failed parent. It
// returns the descendants that were marked.
func (b *Blockchain) MarkFailed(idx *model.BlockIndex) []*model.BlockIndex {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx.AddStatus(model.StatusFailed)
	b.dirty[idx] = struct{}{}

	var descendants []*model.BlockIndex

	b.index.Iter(func(_ chainhash.Hash, other *model.BlockIndex) bool {
		if other.Height > idx.Height && other.GetAncestor(idx.Height) == idx {
			if other.AddStatus(model.StatusFailedParent) {
				b.dirty[other] = struct{}{}
			}

			descendants = append(descendants, other)
		}

		return false
	})

	return descendants
}

// ReconsiderBlock clears the failure flags of idx, its ancestors and its descendants.
func (b *Blockchain) ReconsiderBlock(idx *model.BlockIndex) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.index.Iter(func(_ chainhash.Hash, other *model.BlockIndex) bool {
		related := (other.Height >= idx.Height && other.GetAncestor(idx.Height) == idx) ||
			(other.Height < idx.Height && idx.GetAncestor(other.Height) == other)

		if related && other.HasFailed() {
			other.RemoveStatus(model.StatusFailedMask)
			b.dirty[other] = struct{}{}
		}

		return false
	})
}

// WriteBlock stores the serialized block of idx and records its position.
func (b *Blockchain) WriteBlock(ctx context.Context, idx *model.BlockIndex, blockBytes []byte) error {
	pos, err := b.blockStore.WriteBlock(ctx, blockBytes)
	if err != nil {
		return err
	}

	b.mu.Lock()
	idx.DataPos = pos
	idx.AddStatus(model.StatusHaveData)
	b.dirty[idx] = struct{}{}
	b.mu.Unlock()

	return nil
}

// ReadBlock loads and parses the stored block of idx.
func (b *Blockchain) ReadBlock(ctx context.Context, idx *model.BlockIndex) (*model.Block, error) {
	if !idx.HaveData() {
		return nil, errors.NewBlockNotFoundError("block %s has no data", idx)
	}

	blockBytes, err := b.blockStore.LoadBlock(ctx, idx.DataPos)
	if err != nil {
		return nil, err
	}

	block, err := model.NewBlockFromBytes(blockBytes)
	if err != nil {
		return nil, errors.NewCorruptionError("stored block %s at %s cannot be parsed", idx, idx.DataPos, err)
	}

	if !block.Hash().IsEqual(&idx.Hash) {
		return nil, errors.NewCorruptionError("stored block at %s is %s, expected %s", idx.DataPos, block.Hash(), idx.Hash)
	}

	return block, nil
}

// WriteUndo stores the undo data of idx and records its position.
func (b *Blockchain) WriteUndo(ctx context.Context, idx *model.BlockIndex, undo *model.BlockUndo) error {
	pos, err := b.blockStore.WriteUndoBlock(ctx, undo, &idx.Hash)
	if err != nil {
		return err
	}

	b.mu.Lock()
	idx.UndoPos = pos
	idx.AddStatus(model.StatusHaveUndo)
	b.dirty[idx] = struct{}{}
	b.mu.Unlock()

	return nil
}

// ReadUndo loads the undo data of idx.
func (b *Blockchain) ReadUndo(ctx context.Context, idx *model.BlockIndex) (*model.BlockUndo, error) {
	if !idx.HaveUndo() {
		return nil, errors.NewCorruptionError("block %s has no undo data", idx)
	}

	return b.blockStore.LoadUndoBlock(ctx, idx.UndoPos, &idx.Hash)
}

// Close flushes the index and closes the stores.
func (b *Blockchain) Close(ctx context.Context) error {
	var errs []error

	if err := b.FlushIndex(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := b.blockStore.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := b.utxoStore.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := b.indexStore.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
