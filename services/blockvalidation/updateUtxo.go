package blockvalidation

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/validator"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// txsPerChunk is the minimum number of transactions worth a chunk of their own.
const txsPerChunk = 10

// updateUtxoAndStartValidation checks the transaction order, adds the outputs of the block to
// the UTXO set and splits the transactions into chunks validated in parallel. Runs on the
// pool while the state is connecting.
func (e *Engine) updateUtxoAndStartValidation(state *BlockValidationState) error {
	txs := state.block.Transactions
	flags := state.validationFlags

	height, err := safeconversion.IntToUint32(int(state.index.Height))
	if err != nil {
		return errors.NewProcessingError("invalid block height %d", state.index.Height, err)
	}

	if err = checkTransactionOrder(txs, flags.MagneticAnomaly); err != nil {
		return err
	}

	utxoStore := e.chain.UtxoStore()

	if !flags.BIP34 {
		for _, tx := range txs {
			for _, output := range utxo.NewOutputs(tx, height) {
				coin, err := utxoStore.Find(e.ctx, output.Outpoint)
				if err != nil {
					return errors.NewStorageError("failed to look up %s", output.Outpoint, err)
				}

				if coin != nil {
					return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-txns-BIP30", errors.NewBlockInvalidError("transaction %s overwrites an unspent output", tx.TxIDChainHash()))
				}
			}
		}
	}

	if state.validityOnly() {
		state.created = make(map[model.Outpoint]*model.Coin)
		state.spent = make(map[model.Outpoint]struct{})

		for _, tx := range txs {
			for _, output := range utxo.NewOutputs(tx, height) {
				state.created[output.Outpoint] = output.Coin
			}
		}
	} else {
		// a failed insert may have left part of the outputs behind
		state.utxoInserted = true

		if err = utxoStore.InsertAll(e.ctx, height, txs); err != nil {
			return errors.NewStorageError("failed to insert outputs of block %s", state.hash, err)
		}
	}

	state.undo = &model.BlockUndo{Txs: make([]*model.TxUndo, len(txs)-1)}

	count := len(txs) - 1

	chunks := (count + txsPerChunk - 1) / txsPerChunk
	if chunks > e.concurrency() {
		chunks = e.concurrency()
	}

	if chunks < 1 {
		chunks = 1
	}

	state.txChunksToStart.Store(int32(chunks))  //nolint:gosec // bounded by the concurrency
	state.txChunksToFinish.Store(int32(chunks)) //nolint:gosec // bounded by the concurrency

	for i := 0; i < chunks; i++ {
		from := 1 + i*count/chunks
		to := 1 + (i+1)*count/chunks

		e.pool.submit(func() {
			e.checkSignaturesChunk(state, from, to)
		})
	}

	return nil
}

// checkTransactionOrder enforces the canonical order by txid once it is active, the
// topological order before.
func checkTransactionOrder(txs []*bt.Tx, canonical bool) error {
	if canonical {
		for i := 2; i < len(txs); i++ {
			cmp := bytes.Compare(txs[i-1].TxIDChainHash()[:], txs[i].TxIDChainHash()[:])

			if cmp == 0 {
				return errors.NewBlockRejectError(errors.RejectInvalid, 100, "tx-duplicate", errors.NewBlockInvalidError("transaction %s appears twice", txs[i].TxIDChainHash()))
			}

			if cmp > 0 {
				return errors.NewBlockRejectError(errors.RejectInvalid, 100, "tx-ordering-not-CTOR", errors.NewBlockInvalidError("transaction %s is out of order", txs[i].TxIDChainHash()))
			}
		}

		return nil
	}

	positions := make(map[chainhash.Hash]int, len(txs))

	for i, tx := range txs {
		txID := *tx.TxIDChainHash()

		if _, ok := positions[txID]; ok {
			return errors.NewBlockRejectError(errors.RejectInvalid, 100, "tx-duplicate", errors.NewBlockInvalidError("transaction %s appears twice", txID))
		}

		positions[txID] = i
	}

	for i, tx := range txs[1:] {
		for _, input := range tx.Inputs {
			parent := *input.PreviousTxIDChainHash()

			if pos, ok := positions[parent]; ok && pos > i {
				// spends an output of a transaction later in the block
				return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-txns-inputs-missingorspent", errors.NewBlockInvalidError("transaction %s spends %s before it is created", tx.TxIDChainHash(), parent))
			}
		}
	}

	return nil
}

// checkSignaturesChunk validates the transactions [from, to) of the block against the coins
// they spend. The last chunk to finish hands the state back to the strand.
func (e *Engine) checkSignaturesChunk(state *BlockValidationState, from, to int) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("[Engine:checkSignaturesChunk] recovered from panic validating block %s: %v", state.hash, r)
			state.fail(errors.NewProcessingError("panic validating block %s: %s", state.hash, fmt.Sprint(r)))
		}

		prometheusBlockValidationChunk.Observe(float64(time.Since(start).Microseconds()) / 1_000)

		if state.txChunksToFinish.Dec() == 0 {
			e.post(func() { e.finishUp(state) })
		}
	}()

	state.txChunksToStart.Dec()

	txs := state.block.Transactions

	for i := from; i < to; i++ {
		if state.isInvalid() || e.shuttingDown.Load() {
			return
		}

		if err := e.checkBlockTransaction(state, i, txs[i]); err != nil {
			state.fail(err)
			return
		}
	}
}

func (e *Engine) checkBlockTransaction(state *BlockValidationState, i int, tx *bt.Tx) error {
	flags := state.validationFlags

	coins, err := e.spendInputs(state, tx)
	if err != nil {
		return err
	}

	state.undo.Txs[i-1] = &model.TxUndo{Coins: coins}

	fee, err := validator.CheckTxInputs(tx, coins, state.index.Height, e.params)
	if err != nil {
		return err
	}

	if flags.CSV {
		heights := make([]int32, len(coins))

		for j, coin := range coins {
			heights[j] = int32(coin.Height) //nolint:gosec // heights fit an int32
		}

		if _, err = validator.CheckSequenceLocks(tx, heights, state.index.Prev, errors.RejectInvalid, 100, "bad-txns-nonfinal"); err != nil {
			return err
		}
	}

	if !state.assumeValid {
		scriptFlags := flags.ScriptFlags()

		if err = validator.CheckInputScripts(e.verifier, tx, coins, scriptFlags, scriptFlags); err != nil {
			return err
		}
	}

	state.sigChecks.Add(int64(validator.GetP2SHSigOpCount(tx, coins, flags.MagneticAnomaly)))
	state.fees.Add(fee)

	return nil
}

// spendInputs removes the coins spent by tx from the UTXO set and returns them in input
// order. In validity only mode the set is only read and the spends are tracked by the state.
func (e *Engine) spendInputs(state *BlockValidationState, tx *bt.Tx) ([]*model.Coin, error) {
	utxoStore := e.chain.UtxoStore()
	coins := make([]*model.Coin, len(tx.Inputs))

	for j, input := range tx.Inputs {
		outpoint := model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)

		var (
			coin *model.Coin
			err  error
		)

		if state.validityOnly() {
			coin = state.created[outpoint]

			if coin == nil {
				coin, err = utxoStore.Find(e.ctx, outpoint)
			}

			if coin != nil && !state.markSpent(outpoint) {
				coin = nil
			}
		} else {
			coin, err = utxoStore.Remove(e.ctx, outpoint)
			if errors.Is(err, errors.ErrUtxoNotFound) {
				coin, err = nil, nil
			}
		}

		if err != nil {
			return nil, errors.NewStorageError("failed to spend %s", outpoint, err)
		}

		if coin == nil {
			return nil, errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-txns-inputs-missingorspent", errors.NewTxInvalidError("transaction %s spends unknown or spent output %s", tx.TxIDChainHash(), outpoint))
		}

		coins[j] = coin
	}

	return coins, nil
}
