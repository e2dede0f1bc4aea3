package blockvalidation

import (
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/validator"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
)

// finishUp runs once every chunk of a connecting block has finished. Runs on the strand.
func (e *Engine) finishUp(state *BlockValidationState) {
	if e.connecting == state {
		e.connecting = nil
	}

	if e.shuttingDown.Load() {
		e.abort(state)
		return
	}

	if !state.isInvalid() {
		if err := e.checkBlockTotals(state); err != nil {
			state.fail(err)
		}
	}

	if state.isInvalid() {
		err := state.getError()

		e.rollbackUtxo(state)

		if isLocalFailure(err) {
			e.fatal("[Engine:finishUp] storage failure while connecting block %s: %v", state.hash, err)
		}

		if state.validityOnly() {
			e.release(state, err)
		} else {
			e.failBlock(state, err)
		}

		e.runIdleTasks()
		e.findMoreJobs()

		return
	}

	if state.validityOnly() {
		e.logger.Debugf("[Engine:finishUp] block %s is valid on top of %s", state.hash, state.index.Prev.Hash)
		e.release(state, nil)
		e.runIdleTasks()
		e.findMoreJobs()

		return
	}

	e.processNewBlock(state)
}

// checkBlockTotals checks the limits summed over the whole block once all chunks are done.
func (e *Engine) checkBlockTotals(state *BlockValidationState) error {
	block := state.block

	reward := state.fees.Load() + e.params.BlockSubsidy(state.index.Height)
	if paid := block.Transactions[0].TotalOutputSatoshis(); paid > reward {
		return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-cb-amount", errors.NewBlockInvalidError("coinbase pays too much (actual=%d vs limit=%d)", paid, reward))
	}

	blockSize, err := safeconversion.IntToUint64(block.Size())
	if err != nil {
		return errors.NewProcessingError("invalid block size", err)
	}

	sigOps := state.legacySigOps + state.sigChecks.Load()
	if maxSigOps := validator.MaxBlockSigOps(blockSize); uint64(sigOps) > maxSigOps { //nolint:gosec // counts are positive
		return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-blk-sigops", errors.NewBlockInvalidError("%d sigops exceed %d", sigOps, maxSigOps))
	}

	return nil
}

// rollbackUtxo discards the UTXO changes of a block that is not connected. A set that cannot
// be rolled back no longer matches the tip.
func (e *Engine) rollbackUtxo(state *BlockValidationState) {
	if !state.utxoInserted {
		return
	}

	state.utxoInserted = false

	if err := e.chain.UtxoStore().Rollback(e.ctx); err != nil {
		e.fatal("[Engine:rollbackUtxo] failed to roll back utxo changes of block %s: %v", state.hash, err)
	}
}

// processNewBlock makes a validated block the new tip, unless the header chain moved to
// another branch while it was validated.
func (e *Engine) processNewBlock(state *BlockValidationState) {
	idx := state.index
	tip := e.chain.Tip()

	if !e.chain.HeaderChain().Contains(idx) || idx.Prev != tip {
		e.logger.Infof("[Engine:processNewBlock] block %s is no longer on the best chain, keeping it stored", state.hash)
		e.rollbackUtxo(state)
		e.release(state, nil)
		e.runIdleTasks()
		e.findMoreJobs()

		return
	}

	if err := e.connectTip(state); err != nil {
		// a valid block that cannot be stored would be retried forever
		e.rollbackUtxo(state)
		e.fatal("[Engine:processNewBlock] failed to connect block %s: %v", state.hash, err)
		e.release(state, err)
		e.runIdleTasks()

		return
	}

	e.logger.Infof("[Engine:processNewBlock] new tip %s at height %d with %d transactions", state.hash, idx.Height, len(state.block.Transactions))

	if state.hasFlag(CheckMemPool) && e.mempool != nil {
		conflicted := e.mempool.RemoveForBlock(state.block.Transactions)
		if len(conflicted) > 0 {
			e.logger.Debugf("[Engine:processNewBlock] removed %d conflicting transactions from the mempool", len(conflicted))
		}
	}

	e.validator.TipChanged()

	e.listeners.SyncTransactions(state.block)
	e.listeners.BlockAccepted(state.block, idx)

	prometheusBlockValidationAccepted.Inc()
	prometheusBlockValidationTransactions.Observe(float64(len(state.block.Transactions)))

	e.runIdleTasks()

	children := state.children
	state.children = nil

	e.release(state, nil)

	for _, hash := range children {
		child, ok := e.arena[hash]
		if ok && child.phase == phaseReady && child.index.Prev == e.chain.Tip() && e.connecting == nil {
			e.connect(child)
		}
	}

	e.findMoreJobs()
}

// connectTip writes the undo data of the block, makes the UTXO changes durable and moves the
// tip.
func (e *Engine) connectTip(state *BlockValidationState) error {
	idx := state.index

	if err := e.chain.WriteUndo(e.ctx, idx, state.undo); err != nil {
		return err
	}

	height, err := safeconversion.IntToUint32(int(idx.Height))
	if err != nil {
		return errors.NewProcessingError("invalid block height %d", idx.Height, err)
	}

	if err = e.chain.UtxoStore().BlockFinished(e.ctx, height, &idx.Hash); err != nil {
		return err
	}

	state.utxoInserted = false

	level := model.StatusValidScripts
	if state.assumeValid {
		level = model.StatusValidChain
	}

	idx.TxCount = uint32(len(state.block.Transactions)) //nolint:gosec // bounded by the block size
	idx.RaiseValidity(level)
	e.chain.MarkDirty(idx)

	return e.chain.SetTip(e.ctx, idx)
}
