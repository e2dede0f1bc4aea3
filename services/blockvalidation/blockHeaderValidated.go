package blockvalidation

import (
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// blockHeaderValidated places the header of a block that passed the context free checks in the
// block tree. Runs on the strand.
func (e *Engine) blockHeaderValidated(state *BlockValidationState) {
	if e.shuttingDown.Load() {
		e.abort(state)
		return
	}

	if state.isInvalid() {
		e.failBlock(state, state.getError())
		return
	}

	switch {
	case state.scheduled:
		// stored block scheduled by findMoreJobs, already in the tree and the arena
		e.spawn(state, func() { e.checks2HaveParentHeaders(state) }, func() { e.checks2Done(state) })
		return

	case state.validityOnly():
		e.acceptValidityOnlyHeader(state)
		return
	}

	if e.isDuplicate(state) {
		return
	}

	if idx := e.chain.Lookup(state.hash); idx != nil {
		state.index = idx
		state.indexCommitted = true

		e.enterArena(state)
		state.settings.resolveHeader(idx, nil)
		e.spawn(state, func() { e.checks2HaveParentHeaders(state) }, func() { e.checks2Done(state) })

		return
	}

	prev := e.chain.Lookup(*state.header.HashPrevBlock)
	if prev == nil {
		e.addOrphan(state)
		return
	}

	if e.acceptHeader(state, prev) {
		e.adoptOrphans(state.hash)
	}
}

// isDuplicate rejects submissions of blocks already in flight or already known, and releases
// header only submissions of known headers.
func (e *Engine) isDuplicate(state *BlockValidationState) bool {
	// the data of a block whose header is still being checked is not a duplicate
	if existing, ok := e.arena[state.hash]; ok && !(existing.headerOnly && !state.headerOnly) {
		e.release(state, errors.NewBlockRejectError(errors.RejectDuplicate, 0, "duplicate", errors.NewBlockExistsError("block %s is already being validated", state.hash)))
		return true
	}

	if _, ok := e.orphans[state.hash]; ok {
		e.release(state, errors.NewBlockRejectError(errors.RejectDuplicate, 0, "duplicate", errors.NewBlockExistsError("block %s is already waiting for its parent", state.hash)))
		return true
	}

	idx := e.chain.Lookup(state.hash)
	if idx == nil {
		return false
	}

	switch {
	case idx.HasFailed():
		e.release(state, errors.NewBlockRejectError(errors.RejectDuplicate, 0, "duplicate-invalid", errors.NewBlockInvalidError("block %s is marked invalid", state.hash)))
	case state.headerOnly:
		state.index = idx
		state.indexCommitted = true
		e.release(state, nil)
	case idx.HaveData():
		e.release(state, errors.NewBlockRejectError(errors.RejectDuplicate, 0, "duplicate", errors.NewBlockExistsError("block %s is already stored", state.hash)))
	default:
		// header known, the block data is new
		return false
	}

	return true
}

// acceptHeader links the header of state to prev, checks it against its position in the tree
// and commits it to the block tree. It returns false when the header was rejected.
func (e *Engine) acceptHeader(state *BlockValidationState, prev *model.BlockIndex) bool {
	idx := model.NewBlockIndex(state.header)
	idx.Link(prev)

	state.index = idx

	if prev.HasFailed() {
		idx.AddStatus(model.StatusFailedParent)
		e.chain.Insert(idx)
		state.indexCommitted = true

		e.failBlock(state, errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-prevblk", errors.NewBlockParentInvalidError("parent %s of block %s is invalid", prev.Hash, idx.Hash)))

		return false
	}

	if err := e.checkCheckpoint(idx); err != nil {
		// the index is owned by the state and dropped with it
		e.failBlock(state, err)
		return false
	}

	state.addStatus(statusValidParent)

	e.chain.Insert(idx)
	idx.RaiseValidity(model.StatusValidHeader)
	state.indexCommitted = true

	e.enterArena(state)
	state.settings.resolveHeader(idx, nil)

	e.spawn(state, func() { e.checks2HaveParentHeaders(state) }, func() { e.checks2Done(state) })

	return true
}

func (e *Engine) checkCheckpoint(idx *model.BlockIndex) error {
	if !e.settings.BlockValidation.CheckpointsEnabled {
		return nil
	}

	if hash, ok := e.params.CheckpointAt(idx.Height); ok && !hash.IsEqual(&idx.Hash) {
		return errors.NewBlockRejectError(errors.RejectCheckpoint, 100, "checkpoint mismatch", errors.NewCheckpointError("block %s at height %d does not match checkpoint %s", idx.Hash, idx.Height, hash))
	}

	return nil
}

// acceptValidityOnlyHeader links a block to be tested to the tip with an index owned by the
// state. The block never enters the tree.
func (e *Engine) acceptValidityOnlyHeader(state *BlockValidationState) {
	tip := e.chain.Tip()

	if !state.header.HashPrevBlock.IsEqual(&tip.Hash) {
		e.release(state, errors.NewBlockRejectError(errors.RejectInvalid, 0, "inconclusive-not-best-prevblk", errors.NewBlockInvalidError("block does not build on tip %s", tip.Hash)))
		return
	}

	if state.block == nil {
		e.release(state, errors.NewBlockRejectError(errors.RejectInvalid, 0, "bad-blk-length", errors.NewBlockInvalidError("validity check needs the full block")))
		return
	}

	idx := model.NewBlockIndex(state.header)
	idx.Link(tip)
	state.index = idx

	if err := e.checkCheckpoint(idx); err != nil {
		e.release(state, err)
		return
	}

	state.addStatus(statusValidParent)
	state.settings.resolveHeader(idx, nil)

	e.spawn(state, func() { e.checks2HaveParentHeaders(state) }, func() { e.checks2Done(state) })
}

func (e *Engine) enterArena(state *BlockValidationState) {
	e.arena[state.hash] = state
	state.inArena = true
	state.phase = phaseChecks
}

// addOrphan parks a block whose parent is unknown. Orphans give up their slots so that a
// peer sending blocks out of order cannot stall the engine.
func (e *Engine) addOrphan(state *BlockValidationState) {
	limit := e.settings.BlockValidation.MaxOrphanBlocks
	if limit < 1 {
		limit = 1
	}

	for len(e.orphanOrder) >= limit {
		oldest := e.orphanOrder[0]
		e.orphanOrder = e.orphanOrder[1:]

		if evicted := e.removeOrphan(oldest); evicted != nil {
			e.logger.Debugf("[Engine:addOrphan] orphan pool full, dropping %s", oldest)
			e.release(evicted, errors.NewThresholdExceededError("orphan block pool is full, dropped block %s", oldest))
		}
	}

	prevHash := *state.header.HashPrevBlock

	state.phase = phaseOrphan
	e.orphans[state.hash] = state
	e.orphansByPrev[prevHash] = append(e.orphansByPrev[prevHash], state.hash)
	e.orphanOrder = append(e.orphanOrder, state.hash)

	e.freeSlots(state)

	e.orphansChanged()

	e.logger.Debugf("[Engine:addOrphan] block %s is an orphan, parent %s unknown", state.hash, prevHash)
}

// removeOrphan takes an orphan out of the maps. The order list is left to the caller.
func (e *Engine) removeOrphan(hash chainhash.Hash) *BlockValidationState {
	state, ok := e.orphans[hash]
	if !ok {
		return nil
	}

	delete(e.orphans, hash)

	prevHash := *state.header.HashPrevBlock
	siblings := e.orphansByPrev[prevHash]

	for i, sibling := range siblings {
		if sibling == hash {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}

	if len(siblings) == 0 {
		delete(e.orphansByPrev, prevHash)
	} else {
		e.orphansByPrev[prevHash] = siblings
	}

	e.orphansChanged()

	return state
}

// adoptOrphans links the orphans waiting for parent, and transitively their own orphans.
func (e *Engine) adoptOrphans(parent chainhash.Hash) {
	queue := []chainhash.Hash{parent}

	for len(queue) > 0 {
		parentHash := queue[0]
		queue = queue[1:]

		waiting := append([]chainhash.Hash(nil), e.orphansByPrev[parentHash]...)

		for _, hash := range waiting {
			orphan := e.removeOrphan(hash)
			if orphan == nil {
				continue
			}

			e.removeOrphanOrder(hash)

			prev := e.chain.Lookup(parentHash)
			if prev == nil {
				e.release(orphan, errors.NewBlockRejectError(errors.RejectInvalid, 0, "bad-prevblk", errors.NewBlockParentInvalidError("parent %s of block %s was not accepted", parentHash, hash)))
				continue
			}

			e.logger.Debugf("[Engine:adoptOrphans] adopting orphan %s of %s", hash, parentHash)

			if e.acceptHeader(orphan, prev) {
				queue = append(queue, hash)
			}
		}
	}
}

func (e *Engine) removeOrphanOrder(hash chainhash.Hash) {
	for i, h := range e.orphanOrder {
		if h == hash {
			e.orphanOrder = append(e.orphanOrder[:i], e.orphanOrder[i+1:]...)
			return
		}
	}
}

// dropOrphansOf rejects the orphans waiting for a block that failed, and their own orphans.
func (e *Engine) dropOrphansOf(parent chainhash.Hash) {
	queue := []chainhash.Hash{parent}

	for len(queue) > 0 {
		parentHash := queue[0]
		queue = queue[1:]

		waiting := append([]chainhash.Hash(nil), e.orphansByPrev[parentHash]...)

		for _, hash := range waiting {
			orphan := e.removeOrphan(hash)
			if orphan == nil {
				continue
			}

			e.removeOrphanOrder(hash)

			err := errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-prevblk", errors.NewBlockParentInvalidError("parent %s of block %s is invalid", parentHash, hash))
			e.punish(orphan, err)
			e.release(orphan, err)

			queue = append(queue, hash)
		}
	}
}
