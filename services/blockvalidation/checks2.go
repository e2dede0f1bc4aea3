package blockvalidation

import (
	"bytes"
	"fmt"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/blockchain/pow"
	"github.com/bsv-blockchain/chainvalidator/services/validator"
	"github.com/bsv-blockchain/chainvalidator/util"
)

// checks2HaveParentHeaders runs the checks that depend on the ancestors of the block. Runs on
// the pool, the ancestors are linked and never change.
func (e *Engine) checks2HaveParentHeaders(state *BlockValidationState) {
	if err := e.checkBlockHeaderContext(state); err != nil {
		state.fail(err)
		return
	}

	if state.block != nil {
		if err := e.checkBlockContext(state); err != nil {
			state.fail(err)
			return
		}
	}

	state.addStatus(statusValidTree | statusValidChainHeaders)
}

func (e *Engine) checkBlockHeaderContext(state *BlockValidationState) error {
	idx := state.index
	prev := idx.Prev
	header := state.header

	bits, err := pow.NextWorkRequired(prev, header, e.params, e.anchor)
	if err != nil {
		return err
	}

	if header.Bits != bits {
		return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-diffbits", errors.NewBlockInvalidError("incorrect proof of work %s, expected %s", header.Bits, bits))
	}

	if int64(header.Timestamp) <= prev.MedianTimePast() {
		return errors.NewBlockRejectError(errors.RejectInvalid, 100, "time-too-old", errors.NewBlockInvalidError("block timestamp %d is not after median time past %d", header.Timestamp, prev.MedianTimePast()))
	}

	if (header.Version < 2 && idx.Height >= e.params.BIP0034Height) ||
		(header.Version < 3 && idx.Height >= e.params.BIP0066Height) ||
		(header.Version < 4 && idx.Height >= e.params.BIP0065Height) {
		return errors.NewBlockRejectError(errors.RejectObsolete, 0, fmt.Sprintf("bad-version(0x%08x)", header.Version), errors.NewBlockInvalidError("rejected nVersion=0x%08x block", header.Version))
	}

	state.validationFlags = validator.NewValidationFlags(prev, e.params)

	return nil
}

func (e *Engine) checkBlockContext(state *BlockValidationState) error {
	block := state.block
	flags := state.validationFlags
	height := state.index.Height
	lockTimeCutoff := flags.LockTimeCutoff(int64(block.Header.Timestamp))

	var sigOps int64

	for _, tx := range block.Transactions {
		if !util.IsFinalTx(tx, height, lockTimeCutoff) {
			return errors.NewBlockRejectError(errors.RejectInvalid, 10, "bad-txns-nonfinal", errors.NewBlockInvalidError("transaction %s is not final", tx.TxIDChainHash()))
		}

		if flags.MagneticAnomaly && tx.Size() < validator.MinTxSize {
			return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-txns-undersize", errors.NewBlockInvalidError("transaction %s is %d bytes", tx.TxIDChainHash(), tx.Size()))
		}

		sigOps += int64(validator.GetLegacySigOpCount(tx))
	}

	if flags.BIP34 {
		expected := model.CoinbaseHeightScript(height)
		scriptSig := block.Transactions[0].Inputs[0].UnlockingScript.Bytes()

		if !bytes.HasPrefix(scriptSig, expected) {
			return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-cb-height", errors.NewBlockInvalidError("block height mismatch in coinbase"))
		}
	}

	maxSigOps := validator.MaxBlockSigOps(uint64(block.Size())) //nolint:gosec // sizes are positive
	if uint64(sigOps) > maxSigOps {                              //nolint:gosec // counts are positive
		return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-blk-sigops", errors.NewBlockInvalidError("%d sigops exceed %d", sigOps, maxSigOps))
	}

	state.legacySigOps = sigOps

	return nil
}

// checks2Done records the outcome of the contextual checks in the tree and decides whether the
// block is connected next, waits for its parent, or is only stored. Runs on the strand.
func (e *Engine) checks2Done(state *BlockValidationState) {
	if e.shuttingDown.Load() {
		e.abort(state)
		return
	}

	if state.isInvalid() {
		e.failBlock(state, state.getError())
		e.findMoreJobs()

		return
	}

	e.freeHeaderSlot(state)

	if state.validityOnly() {
		state.phase = phaseValidityQueued
		e.validityQueue = append(e.validityQueue, state)
		e.findMoreJobs()

		return
	}

	idx := state.index

	idx.RaiseValidity(model.StatusValidTree)

	if state.block != nil {
		idx.RaiseValidity(model.StatusValidTransactions)
		idx.TxCount = uint32(len(state.block.Transactions)) //nolint:gosec // bounded by the block size
	}

	e.chain.MarkDirty(idx)

	if best := e.chain.BestHeader(); best == nil || idx.ChainWork.Cmp(best.ChainWork) > 0 {
		e.chain.SetBestHeader(idx)
	}

	if state.headerOnly {
		e.release(state, nil)
		e.findMoreJobs()

		return
	}

	if !idx.HaveData() {
		if err := e.storeBlock(state); err != nil {
			e.logger.Errorf("[Engine:checks2Done] failed to store block %s: %v", state.hash, err)
			e.release(state, err)
			e.findMoreJobs()

			return
		}
	}

	state.blockBytes = nil

	tip := e.chain.Tip()
	parent, parentInFlight := e.arena[idx.Prev.Hash]

	switch {
	case !e.chain.HeaderChain().Contains(idx),
		!state.scheduled && idx.Height > tip.Height+int32(e.concurrency()), //nolint:gosec // concurrency is small
		idx.Prev != tip && !parentInFlight:
		// stored, findMoreJobs validates it once the chain gets there
		e.logger.Debugf("[Engine:checks2Done] stored block %s at height %d", state.hash, idx.Height)
		e.release(state, nil)

	default:
		state.phase = phaseReady

		if parentInFlight {
			parent.children = append(parent.children, state.hash)
		}
	}

	e.findMoreJobs()
}

func (e *Engine) storeBlock(state *BlockValidationState) error {
	if state.fromDisk {
		state.index.DataPos = state.pos
		state.index.AddStatus(model.StatusHaveData)
		e.chain.MarkDirty(state.index)

		return nil
	}

	return e.chain.WriteBlock(e.ctx, state.index, state.blockBytes)
}
