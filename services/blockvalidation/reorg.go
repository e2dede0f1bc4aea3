package blockvalidation

import (
	"context"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/validator"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
)

// checkReorg disconnects blocks from the tip until it is on the best header chain again. Only
// reorganisations up to MaxAutoReorgDepth blocks are done automatically, deeper ones need an
// operator to invalidate the offending branch. Runs on the strand with no block connecting.
func (e *Engine) checkReorg() {
	tip := e.chain.Tip()
	headerChain := e.chain.HeaderChain()

	if tip == nil || headerChain.Contains(tip) {
		return
	}

	best := headerChain.Tip()

	fork := model.LastCommonAncestor(tip, best)
	if fork == nil {
		e.logger.Errorf("[Engine:checkReorg] tip %s shares no ancestor with best header %s", tip.Hash, best.Hash)
		return
	}

	depth := tip.Height - fork.Height

	if depth > e.settings.BlockValidation.MaxAutoReorgDepth {
		if e.deepReorgLogged != best {
			e.deepReorgLogged = best
			e.logger.Errorf("[Engine:checkReorg] best header %s forks %d blocks below tip %s, more than %d: invalidate the tip branch to follow it", best.Hash, depth, tip.Hash, e.settings.BlockValidation.MaxAutoReorgDepth)
		}

		return
	}

	// only give up the tip once the first block of the new branch can be validated
	if next := headerChain.At(fork.Height + 1); next != nil && !next.HaveData() {
		return
	}

	e.logger.Infof("[Engine:checkReorg] reorganising from %s at height %d to fork point %s at height %d", tip.Hash, tip.Height, fork.Hash, fork.Height)

	disconnected, err := e.disconnectTo(fork)
	if err != nil {
		// the tip cannot follow the best chain anymore
		e.fatal("[Engine:checkReorg] failed to disconnect to %s: %v", fork.Hash, err)
		return
	}

	if len(disconnected) == 0 {
		return
	}

	prometheusBlockValidationReorgDepth.Observe(float64(len(disconnected)))

	if depth <= e.settings.BlockValidation.MempoolReinsertMaxDepth {
		e.reinsertTransactions(disconnected)
	}

	if e.mempool != nil {
		newTip := e.chain.Tip()
		removed := e.mempool.RemoveForReorg(newTip.Height, newTip.MedianTimePast(), int32(e.params.CoinbaseMaturity))

		if len(removed) > 0 {
			e.logger.Debugf("[Engine:checkReorg] removed %d transactions no longer valid after the reorganisation", len(removed))
		}
	}
}

// disconnectTo disconnects blocks until fork is the tip. It returns the disconnected blocks,
// the former tip first.
func (e *Engine) disconnectTo(fork *model.BlockIndex) ([]*model.Block, error) {
	var disconnected []*model.Block

	defer func() {
		if len(disconnected) > 0 {
			e.anchor.Reset()
			e.validator.TipChanged()
		}
	}()

	for e.chain.Tip() != fork && e.chain.Tip().Height > fork.Height {
		idx := e.chain.Tip()

		block, err := e.chain.ReadBlock(e.ctx, idx)
		if err != nil {
			return disconnected, err
		}

		clean, err := e.disconnectTip(e.ctx, block, idx)
		if err != nil {
			return disconnected, err
		}

		if !clean {
			e.logger.Warnf("[Engine:disconnectTo] utxo set was inconsistent while disconnecting block %s", idx.Hash)
		}

		e.listeners.BlockDisconnected(block, idx)
		prometheusBlockValidationDisconnected.Inc()

		disconnected = append(disconnected, block)
	}

	return disconnected, nil
}

// reinsertTransactions returns the transactions of disconnected blocks to the mempool, the
// oldest block first. Transactions that conflict with the new chain are rejected.
func (e *Engine) reinsertTransactions(disconnected []*model.Block) {
	if e.mempool == nil {
		return
	}

	reinserted := 0

	for i := len(disconnected) - 1; i >= 0; i-- {
		for _, tx := range disconnected[i].Transactions[1:] {
			state := validator.NewTxValidationState(tx, validator.FlagFromMempool|validator.FlagNoFeeCheck, -1)

			if err := e.validator.AcceptToMemoryPool(e.ctx, state); err == nil {
				reinserted++
			}
		}
	}

	e.logger.Debugf("[Engine:reinsertTransactions] returned %d transactions to the mempool", reinserted)
}

// disconnectTip undoes the UTXO changes of block, which must be the tip, and moves the tip to
// its parent. clean is false when the set did not match the block, which happens after an
// unclean shutdown and is repaired by the disconnect. A failure before the set is finished
// rolls the set back and leaves the tip in place.
func (e *Engine) disconnectTip(ctx context.Context, block *model.Block, idx *model.BlockIndex) (bool, error) {
	if idx != e.chain.Tip() {
		return false, errors.NewInvalidArgumentError("block %s is not the tip", idx.Hash)
	}

	if idx.Prev == nil {
		return false, errors.NewInvalidArgumentError("cannot disconnect the genesis block")
	}

	undo, err := e.chain.ReadUndo(ctx, idx)
	if err != nil {
		return false, err
	}

	if len(undo.Txs) != len(block.Transactions)-1 {
		return false, errors.NewCorruptionError("undo data of block %s has %d transactions, expected %d", idx.Hash, len(undo.Txs), len(block.Transactions)-1)
	}

	prev := idx.Prev

	prevHeight, err := safeconversion.IntToUint32(int(prev.Height))
	if err != nil {
		return false, errors.NewProcessingError("invalid block height %d", prev.Height, err)
	}

	utxoStore := e.chain.UtxoStore()

	clean, err := e.undoBlock(ctx, block, idx, undo)
	if err == nil {
		err = utxoStore.BlockFinished(ctx, prevHeight, &prev.Hash)
	}

	if err != nil {
		if rollbackErr := utxoStore.Rollback(ctx); rollbackErr != nil {
			e.fatal("[Engine:disconnectTip] failed to roll back disconnecting block %s: %v", idx.Hash, rollbackErr)
		}

		return false, err
	}

	if err = e.chain.SetTip(ctx, prev); err != nil {
		// the set is already at prev
		e.fatal("[Engine:disconnectTip] utxo set is at %s but the tip could not be moved from %s: %v", prev.Hash, idx.Hash, err)
		return false, err
	}

	e.logger.Infof("[Engine:disconnectTip] disconnected block %s at height %d", idx.Hash, idx.Height)

	return clean, nil
}

// undoBlock removes the outputs created by block from the UTXO set and restores the coins it
// spent from undo. The changes are left unfinished.
func (e *Engine) undoBlock(ctx context.Context, block *model.Block, idx *model.BlockIndex, undo *model.BlockUndo) (bool, error) {
	txs := block.Transactions

	height, err := safeconversion.IntToUint32(int(idx.Height))
	if err != nil {
		return false, errors.NewProcessingError("invalid block height %d", idx.Height, err)
	}

	createdInBlock := make(map[chainhash.Hash]struct{}, len(txs))
	for _, tx := range txs {
		createdInBlock[*tx.TxIDChainHash()] = struct{}{}
	}

	spentInBlock := make(map[model.Outpoint]struct{})

	for _, tx := range txs[1:] {
		for _, input := range tx.Inputs {
			if _, ok := createdInBlock[*input.PreviousTxIDChainHash()]; ok {
				spentInBlock[model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)] = struct{}{}
			}
		}
	}

	utxoStore := e.chain.UtxoStore()
	clean := true

	for i := len(txs) - 1; i >= 0; i-- {
		for _, output := range utxo.NewOutputs(txs[i], height) {
			if _, ok := spentInBlock[output.Outpoint]; ok {
				continue
			}

			if _, err = utxoStore.Remove(ctx, output.Outpoint); err != nil {
				if !errors.Is(err, errors.ErrUtxoNotFound) {
					return false, err
				}

				clean = false
			}
		}
	}

	for i := len(txs) - 1; i >= 1; i-- {
		tx := txs[i]
		txUndo := undo.Txs[i-1]

		if txUndo == nil || len(txUndo.Coins) != len(tx.Inputs) {
			return false, errors.NewCorruptionError("undo data of transaction %s does not match its inputs", tx.TxIDChainHash())
		}

		for j, input := range tx.Inputs {
			if _, ok := createdInBlock[*input.PreviousTxIDChainHash()]; ok {
				continue
			}

			outpoint := model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)

			existing, err := utxoStore.Find(ctx, outpoint)
			if err != nil {
				return false, err
			}

			if existing != nil {
				clean = false
			}

			if err = utxoStore.Insert(ctx, outpoint, txUndo.Coins[j]); err != nil {
				return false, err
			}
		}
	}

	return clean, nil
}

// DisconnectTip removes block, which must be the current tip, from the active chain. The
// block stays in the tree, so a later scheduling pass connects it again unless its branch is
// invalidated. A failed disconnect leaves the tip and the UTXO set as they were.
func (e *Engine) DisconnectTip(ctx context.Context, block *model.Block, idx *model.BlockIndex) (clean bool, err error) {
	err = e.whenIdleWait(ctx, func() error {
		var innerErr error

		clean, innerErr = e.disconnectTip(ctx, block, idx)
		if innerErr != nil {
			return innerErr
		}

		e.listeners.BlockDisconnected(block, idx)
		prometheusBlockValidationDisconnected.Inc()

		e.anchor.Reset()
		e.validator.TipChanged()

		return nil
	})

	return clean, err
}

// InvalidateBlock marks idx and its descendants invalid and disconnects them from the active
// chain. The chain then follows the best remaining branch.
func (e *Engine) InvalidateBlock(ctx context.Context, idx *model.BlockIndex) error {
	return e.whenIdleWait(ctx, func() error {
		if idx.Prev == nil {
			return errors.NewInvalidArgumentError("cannot invalidate the genesis block")
		}

		e.markFailed(nil, idx)

		if e.chain.Chain().Contains(idx) {
			if _, err := e.disconnectTo(idx.Prev); err != nil {
				return err
			}
		}

		if best := e.chain.FindBestHeader(); best != nil {
			e.chain.SetBestHeader(best)
		}

		e.logger.Infof("[Engine:InvalidateBlock] invalidated block %s at height %d, tip is %s", idx.Hash, idx.Height, e.chain.Tip().Hash)

		e.findMoreJobs()

		return nil
	})
}

// whenIdleWait runs fn on the strand once no block is being connected and waits for it.
func (e *Engine) whenIdleWait(ctx context.Context, fn func() error) error {
	if !e.finiteStateMachine.Is(StateRunning) {
		return errors.NewServiceNotStartedError("block validation engine is not running")
	}

	done := make(chan error, 1)

	e.post(func() {
		e.whenIdle(func() {
			if e.shuttingDown.Load() {
				done <- errors.NewShutdownError("block validation engine is shutting down")
				return
			}

			done <- fn()
		})
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.NewContextCanceledError("waiting for the block validation engine", ctx.Err())
	}
}
