package blockvalidation

import (
	"time"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/blockchain/pow"
	"github.com/bsv-blockchain/chainvalidator/services/validator"
	"golang.org/x/sync/errgroup"
)

// checks1NoContext runs the checks that need nothing but the block itself. It runs on the
// pool and only touches the state.
func (e *Engine) checks1NoContext(state *BlockValidationState) {
	if err := e.parseBlock(state); err != nil {
		state.fail(err)
		return
	}

	if err := e.checkBlockNoContext(state); err != nil {
		state.fail(err)
		return
	}

	state.addStatus(statusValidHeader)
}

func (e *Engine) parseBlock(state *BlockValidationState) error {
	if state.fromDisk && state.blockBytes == nil {
		blockBytes, err := e.chain.BlockStore().LoadBlock(e.ctx, state.pos)
		if err != nil {
			return errors.NewStorageError("failed to load block at %s", state.pos, err)
		}

		state.blockBytes = blockBytes
	}

	if len(state.blockBytes) == model.BlockHeaderSize {
		header, err := model.NewBlockHeaderFromBytes(state.blockBytes)
		if err != nil {
			return errors.NewBlockRejectError(errors.RejectMalformed, 100, "bad-header", err)
		}

		state.header = header
		state.headerOnly = true
	} else {
		block, err := model.NewBlockFromBytes(state.blockBytes)
		if err != nil {
			if state.fromDisk {
				return errors.NewCorruptionError("stored block at %s cannot be parsed", state.pos, err)
			}

			return err
		}

		state.block = block
		state.header = block.Header
	}

	hash := *state.header.Hash()

	if state.scheduled && !hash.IsEqual(&state.hash) {
		return errors.NewCorruptionError("stored block at %s is %s, expected %s", state.pos, hash, state.hash)
	}

	state.hash = hash

	return nil
}

func (e *Engine) checkBlockNoContext(state *BlockValidationState) error {
	header := state.header

	if state.hasFlag(CheckPoW) {
		if err := pow.CheckProofOfWork(&state.hash, header.Bits, e.params); err != nil {
			return err
		}
	}

	maxTime := time.Now().Add(e.settings.BlockValidation.MaxFutureBlockTime)
	if header.Time().After(maxTime) {
		return errors.NewBlockRejectError(errors.RejectInvalid, 0, "time-too-new", errors.NewBlockInvalidError("block timestamp %s is too far in the future", header.Time()))
	}

	if state.block == nil || !state.hasFlag(CheckTransactionValidity) {
		return nil
	}

	return e.checkBlockTransactions(state)
}

func (e *Engine) checkBlockTransactions(state *BlockValidationState) error {
	block := state.block
	txs := block.Transactions

	size := uint64(block.Size()) //nolint:gosec // sizes are positive
	if size > e.params.MaxBlockSize {
		// the more a peer exceeds the limit, the more it is punished
		punishment := int(100*(size-e.params.MaxBlockSize)/e.params.MaxBlockSize) + 1 //nolint:gosec // clamped by the reject error

		return errors.NewBlockRejectError(errors.RejectInvalid, punishment, "bad-blk-length", errors.NewBlockInvalidError("size %d exceeds %d", size, e.params.MaxBlockSize))
	}

	if len(txs) == 0 {
		return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-blk-length", errors.NewBlockInvalidError("block has no transactions"))
	}

	if state.hasFlag(CheckMerkleRoot) {
		if err := block.CheckMerkleRoot(); err != nil {
			return err
		}
	}

	if err := validator.CheckCoinbase(txs[0]); err != nil {
		return err
	}

	g := errgroup.Group{}
	g.SetLimit(e.concurrency())

	for _, tx := range txs[1:] {
		g.Go(func() error {
			if tx.IsCoinbase() {
				return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-cb-multiple", errors.NewBlockInvalidError("more than one coinbase"))
			}

			return validator.CheckRegularTransaction(tx)
		})
	}

	return g.Wait()
}
