package blockvalidation

import (
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
)

// abort ends a state after shutdown started. Changes made to the UTXO set for the state are
// discarded. Runs on the strand.
func (e *Engine) abort(state *BlockValidationState) {
	e.rollbackUtxo(state)

	e.release(state, errors.NewShutdownError("block validation engine is shutting down"))

	if e.connecting == state {
		e.connecting = nil
		e.runIdleTasks()
	}
}

func (e *Engine) punish(state *BlockValidationState, err error) {
	if state.originPeer < 0 {
		return
	}

	if punishment := errors.PunishmentOf(err); punishment > 0 {
		e.listeners.PunishPeer(state.originPeer, punishment, errors.RejectReason(err))
	}
}

// failBlock rejects a block. Blocks with a committed index are marked failed in the tree
// together with their descendants, unless the failure may have been caused by local
// corruption. Runs on the strand.
func (e *Engine) failBlock(state *BlockValidationState, err error) {
	if err == nil {
		err = errors.NewProcessingError("block %s failed without an error", state.hash)
	}

	if _, ok := errors.GetRejectData(err); !ok {
		e.logger.Errorf("[Engine:failBlock] block %s: %v", state.hash, err)
		e.release(state, err)

		return
	}

	idx := state.index

	if idx != nil && state.indexCommitted && !errors.IsCorruptionPossible(err) {
		e.markFailed(state, idx)
	}

	e.dropOrphansOf(state.hash)
	e.punish(state, err)
	e.listeners.BlockRejected(state.hash, err)

	if data, ok := errors.GetRejectData(err); ok {
		prometheusBlockValidationRejected.WithLabelValues(data.Reason).Inc()
	}

	e.logger.Warnf("[Engine:failBlock] block %s rejected: %s", state.hash, errors.RejectReason(err))

	e.release(state, err)
}

// markFailed marks idx and its descendants failed in the tree. Descendants being validated are
// failed too, right away when they are parked, otherwise when their stage returns. state is
// the state of idx itself, nil when idx is invalidated by the operator.
func (e *Engine) markFailed(state *BlockValidationState, idx *model.BlockIndex) {
	descendants := e.chain.MarkFailed(idx)

	for _, descendant := range descendants {
		child, ok := e.arena[descendant.Hash]
		if !ok || (state != nil && child == state) {
			continue
		}

		parentErr := errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-prevblk", errors.NewBlockParentInvalidError("ancestor %s of block %s is invalid", idx.Hash, descendant.Hash))

		if child.phase == phaseReady {
			e.failBlock(child, parentErr)
		} else {
			child.fail(parentErr)
		}
	}

	if e.chain.HeaderChain().Contains(idx) {
		if best := e.chain.FindBestHeader(); best != nil {
			e.chain.SetBestHeader(best)
		}
	}

	if err := e.chain.FlushIndex(e.ctx); err != nil {
		e.logger.Errorf("[Engine:markFailed] failed to flush block index: %v", err)
	}
}
