package blockvalidation

import (
	"fmt"
	"time"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
)

// findMoreJobs moves the chain towards the best header: it repairs reorganisations, starts
// the connection of the block following the tip and schedules stored blocks that nobody
// submitted again. Runs on the strand whenever the tree or the tip changed.
func (e *Engine) findMoreJobs() {
	if e.shuttingDown.Load() || e.connecting != nil || e.chain == nil {
		return
	}

	e.checkReorg()

	if e.connecting != nil {
		return
	}

	headerChain := e.chain.HeaderChain()

	// parked blocks the header chain moved away from are only stored
	for _, state := range e.arena {
		if state.phase == phaseReady && !headerChain.Contains(state.index) {
			e.release(state, nil)
		}
	}

	for len(e.validityQueue) > 0 {
		state := e.validityQueue[0]
		e.validityQueue[0] = nil
		e.validityQueue = e.validityQueue[1:]

		tip := e.chain.Tip()

		if state.index.Prev != tip {
			e.release(state, errors.NewBlockRejectError(errors.RejectInvalid, 0, "inconclusive-not-best-prevblk", errors.NewBlockInvalidError("tip moved to %s", tip.Hash)))
			continue
		}

		e.connect(state)

		return
	}

	tip := e.chain.Tip()

	if !headerChain.Contains(tip) {
		// a deep reorganisation that is not repaired automatically
		return
	}

	best := headerChain.Tip()

	e.mu.Lock()
	blocksInFlight := e.blocksInFlight
	e.mu.Unlock()

	limit := e.concurrency()

	maxHeight := best.Height
	if window := tip.Height + int32(limit); window < maxHeight { //nolint:gosec // concurrency is small
		maxHeight = window
	}

	for h := tip.Height + 1; h <= maxHeight; h++ {
		idx := headerChain.At(h)

		if idx.HasFailed() {
			break
		}

		if state, ok := e.arena[idx.Hash]; ok && !state.headerOnly {
			if h == tip.Height+1 && state.phase == phaseReady && idx.Prev == tip {
				e.connect(state)
				return
			}

			continue
		}

		if !idx.HaveData() {
			break
		}

		if blocksInFlight >= limit && h != tip.Height+1 {
			break
		}

		e.scheduleStored(idx)
		blocksInFlight++
	}
}

// scheduleStored validates a block that is stored and on the header chain but was never
// connected, either because it arrived too far ahead of the tip or after a restart.
func (e *Engine) scheduleStored(idx *model.BlockIndex) {
	state := newBlockValidationState(DefaultCheckFlags, -1)
	state.hash = idx.Hash
	state.pos = idx.DataPos
	state.fromDisk = true
	state.scheduled = true
	state.index = idx
	state.indexCommitted = true

	e.mu.Lock()

	if e.stopping {
		e.mu.Unlock()
		return
	}

	e.live[state] = struct{}{}
	state.holdsBlockSlot = true
	e.blocksInFlight++
	e.updateInFlightGaugesLocked()
	e.mu.Unlock()

	// nobody holds a reference to the handle of a scheduled block
	state.settings = newValidationSettings(e, state)
	state.settings.refs.Store(0)
	state.settings.started.Store(true)

	e.enterArena(state)

	e.logger.Debugf("[Engine:scheduleStored] scheduling stored block %s at height %d", idx.Hash, idx.Height)

	e.spawn(state, func() { e.checks1NoContext(state) }, func() { e.blockHeaderValidated(state) })
}

// connect starts the UTXO and script validation of state on top of the tip. Only one block
// is connected at a time.
func (e *Engine) connect(state *BlockValidationState) {
	e.connecting = state
	state.phase = phaseConnecting

	if best := e.chain.BestHeader(); best != nil && !state.validityOnly() {
		state.assumeValid = best.Height-state.index.Height > e.settings.BlockValidation.AssumeValidDepth
	}

	e.logger.Debugf("[Engine:connect] connecting block %s at height %d, assume valid %t", state.hash, state.index.Height, state.assumeValid)

	e.pool.submit(func() {
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorf("[Engine:connect] recovered from panic connecting block %s: %v", state.hash, r)
				state.fail(errors.NewProcessingError("panic connecting block %s: %s", state.hash, fmt.Sprint(r)))
				e.post(func() { e.finishUp(state) })
			}
		}()

		if err := e.updateUtxoAndStartValidation(state); err != nil {
			state.fail(err)
			e.post(func() { e.finishUp(state) })

			return
		}

		e.logger.Debugf("[Engine:connect] block %s utxo update took %s", state.hash, time.Since(start))
	})
}
