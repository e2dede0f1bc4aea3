/*
Package validator implements Bitcoin Cash transaction validation.

It holds the context-free transaction checks shared by block and mempool validation, the
checks against the spent coins, script verification, sigop counting, sequence locks, the
standardness policy and the mempool acceptance pipeline with its orphan pool, recent-rejects
filter and free relay rate limiter.

The consensus checks are plain functions so the block validation stages can call them from
any goroutine. The Validator type is only used from the validation engine's strand.
*/
package validator

import (
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
)

const (
	// MaxMoney is the number of satoshis that will ever exist.
	MaxMoney uint64 = 21_000_000 * 100_000_000

	// MaxTxSize is the consensus limit of a serialized transaction.
	MaxTxSize = 1_000_000

	// MinTxSize applies from the Magnetic Anomaly upgrade.
	MinTxSize = 100

	// MaxTxSigOps is the consensus limit of sigops in one transaction.
	MaxTxSigOps = 20_000

	// MaxBlockSigOpsPerMB is the number of sigops allowed per started megabyte of block.
	MaxBlockSigOpsPerMB = 20_000

	coinbaseScriptSigMinSize = 2
	coinbaseScriptSigMaxSize = 100
)

// MaxBlockSigOps returns the sigop limit of a block of blockSize bytes.
func MaxBlockSigOps(blockSize uint64) uint64 {
	if blockSize == 0 {
		return MaxBlockSigOpsPerMB
	}

	return ((blockSize-1)/1_000_000 + 1) * MaxBlockSigOpsPerMB
}

// CheckTransaction runs the context-free checks of a transaction, using the coinbase rules
// when tx is a coinbase.
func CheckTransaction(tx *bt.Tx) error {
	if tx.IsCoinbase() {
		return CheckCoinbase(tx)
	}

	return CheckRegularTransaction(tx)
}

// CheckCoinbase checks a transaction that must be a coinbase.
func CheckCoinbase(tx *bt.Tx) error {
	if !tx.IsCoinbase() {
		return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-cb-missing", errors.NewTxInvalidError("first transaction is not a coinbase"))
	}

	if err := checkTransactionCommon(tx); err != nil {
		return err
	}

	scriptSigSize := 0
	if tx.Inputs[0].UnlockingScript != nil {
		scriptSigSize = len(*tx.Inputs[0].UnlockingScript)
	}

	if scriptSigSize < coinbaseScriptSigMinSize || scriptSigSize > coinbaseScriptSigMaxSize {
		return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-cb-length", errors.NewTxInvalidError("coinbase scriptSig of %d bytes", scriptSigSize))
	}

	return nil
}

// CheckRegularTransaction checks a transaction that must not be a coinbase.
func CheckRegularTransaction(tx *bt.Tx) error {
	if tx.IsCoinbase() {
		return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-tx-coinbase")
	}

	if err := checkTransactionCommon(tx); err != nil {
		return err
	}

	seen := make(map[model.Outpoint]struct{}, len(tx.Inputs))

	for i, input := range tx.Inputs {
		outpoint := model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)

		if _, ok := seen[outpoint]; ok {
			return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-inputs-duplicate", errors.NewTxInvalidError("input %d spends %s twice", i, outpoint))
		}

		seen[outpoint] = struct{}{}

		if outpoint.IsNull() {
			return errors.NewTxRejectError(errors.RejectInvalid, 10, "bad-txns-prevout-null")
		}
	}

	return nil
}

func checkTransactionCommon(tx *bt.Tx) error {
	if len(tx.Inputs) == 0 {
		return errors.NewTxRejectError(errors.RejectInvalid, 10, "bad-txns-vin-empty")
	}

	if len(tx.Outputs) == 0 {
		return errors.NewTxRejectError(errors.RejectInvalid, 10, "bad-txns-vout-empty")
	}

	if size := tx.Size(); size > MaxTxSize {
		return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-oversize", errors.NewTxInvalidError("transaction of %d bytes", size))
	}

	var total uint64

	for i, output := range tx.Outputs {
		if output.Satoshis > MaxMoney {
			return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-vout-toolarge", errors.NewTxInvalidError("output %d of %d satoshis", i, output.Satoshis))
		}

		total += output.Satoshis
		if total > MaxMoney {
			return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-txouttotal-toolarge")
		}
	}

	if sigOps := GetLegacySigOpCount(tx); sigOps > MaxTxSigOps {
		return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txn-sigops", errors.NewTxInvalidError("%d sigops", sigOps))
	}

	return nil
}
