package validator

import (
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/bsv-blockchain/go-bt/v2/bscript/interpreter"
)

const (
	maxStandardVersion = 2

	// maxP2SHSigOps bounds the sigops of a standard P2SH redeem script.
	maxP2SHSigOps = 15

	// spendingInputSize is the size of a typical input spending an output, used to price dust.
	spendingInputSize = 32 + 4 + 1 + 107 + 4
)

func nonStandard(reason string, params ...interface{}) error {
	return errors.NewTxRejectError(errors.RejectNonstandard, 0, reason, params...)
}

// IsStandardTx applies the relay policy to the structure of tx.
func IsStandardTx(tx *bt.Tx, policy *settings.PolicySettings) error {
	if tx.Version < 1 || tx.Version > maxStandardVersion {
		return nonStandard("version")
	}

	if tx.Size() > policy.MaxTxSizePolicy {
		return nonStandard("tx-size")
	}

	for _, input := range tx.Inputs {
		scriptSig := input.UnlockingScript
		if scriptSig != nil && len(*scriptSig) > policy.MaxScriptSigSize {
			return nonStandard("scriptsig-size")
		}

		if !isPushOnlyScript(scriptSig) {
			return nonStandard("scriptsig-not-pushonly")
		}
	}

	dataOutputs := 0

	for _, output := range tx.Outputs {
		script := output.LockingScript

		switch {
		case script == nil:
			return nonStandard("scriptpubkey")
		case script.IsData():
			if !policy.DataCarrier || len(*script) > policy.DataCarrierSize {
				return nonStandard("scriptpubkey")
			}

			dataOutputs++

			continue
		case script.IsMultiSigOut():
			if !policy.PermitBareMultisig {
				return nonStandard("bare-multisig")
			}
		case script.IsP2PKH(), script.IsP2SH(), script.IsP2PK():
		default:
			if !policy.AcceptNonStdOutputs {
				return nonStandard("scriptpubkey")
			}
		}

		if IsDust(output, policy.DustRelayFee) {
			return nonStandard("dust")
		}
	}

	if dataOutputs > 1 {
		return nonStandard("multi-op-return")
	}

	return nil
}

// AreInputsStandard checks that the outputs spent by tx are of a standard type and that P2SH
// redeem scripts stay within the standard sigop limit.
func AreInputsStandard(tx *bt.Tx, coins []*model.Coin) bool {
	for i, input := range tx.Inputs {
		if i >= len(coins) || coins[i] == nil {
			return false
		}

		lockingScript := bscript.NewFromBytes(coins[i].LockingScript)

		switch {
		case lockingScript.IsP2SH():
			scriptSig := scriptBytes(input.UnlockingScript)
			if !isPushOnly(scriptSig) {
				return false
			}

			if countScriptSigOps(lastPush(scriptSig), true, true) > maxP2SHSigOps {
				return false
			}
		case lockingScript.IsP2PKH(), lockingScript.IsP2PK(), lockingScript.IsMultiSigOut():
		default:
			return false
		}
	}

	return true
}

// DustThreshold is the smallest value of output that is worth spending at dustRelayFee
// satoshis per kB.
func DustThreshold(output *bt.Output, dustRelayFee int64) uint64 {
	if output.LockingScript != nil && output.LockingScript.IsData() {
		return 0
	}

	size := int64(8 + bt.VarInt(uint64(len(scriptBytes(output.LockingScript)))).Length() + len(scriptBytes(output.LockingScript)))
	size += spendingInputSize

	threshold := 3 * dustRelayFee * size / 1000
	if threshold < 0 {
		return 0
	}

	return uint64(threshold)
}

func IsDust(output *bt.Output, dustRelayFee int64) bool {
	return output.Satoshis < DustThreshold(output, dustRelayFee)
}

func isPushOnlyScript(script *bscript.Script) bool {
	if script == nil {
		return true
	}

	parser := interpreter.DefaultOpcodeParser{}

	parsed, err := parser.Parse(script)
	if err != nil {
		return false
	}

	return parsed.IsPushOnly()
}
