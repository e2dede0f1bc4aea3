package validator

import (
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/bsv-blockchain/go-bt/v2/bscript/interpreter"
	"github.com/bsv-blockchain/go-bt/v2/bscript/interpreter/scriptflag"
)

// ScriptVerifier runs the unlocking script of one input against the locking script of the
// output it spends.
type ScriptVerifier interface {
	VerifyScript(tx *bt.Tx, inputIdx int, prevOutput *bt.Output, flags scriptflag.Flag) error
}

// GoBTScriptVerifier verifies scripts with the go-bt interpreter.
type GoBTScriptVerifier struct{}

func NewGoBTScriptVerifier() *GoBTScriptVerifier {
	return &GoBTScriptVerifier{}
}

func (v *GoBTScriptVerifier) VerifyScript(tx *bt.Tx, inputIdx int, prevOutput *bt.Output, flags scriptflag.Flag) error {
	return interpreter.NewEngine().Execute(
		interpreter.WithTx(tx, inputIdx, prevOutput),
		interpreter.WithFlags(flags),
	)
}

// CheckInputScripts verifies every input of tx with flags. When an input fails and flags
// include more than the consensus flags in mandatory, the input is retried with mandatory
// only, so that a policy failure is reported as non-standard instead of invalid.
func CheckInputScripts(verifier ScriptVerifier, tx *bt.Tx, coins []*model.Coin, flags, mandatory scriptflag.Flag) error {
	for i := range tx.Inputs {
		if i >= len(coins) || coins[i] == nil {
			return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-inputs-missingorspent")
		}

		prevOutput := &bt.Output{
			Satoshis:      coins[i].Satoshis,
			LockingScript: bscript.NewFromBytes(coins[i].LockingScript),
		}

		err := verifier.VerifyScript(tx, i, prevOutput, flags)
		if err == nil {
			continue
		}

		if flags != mandatory {
			if mandatoryErr := verifier.VerifyScript(tx, i, prevOutput, mandatory); mandatoryErr == nil {
				return errors.NewTxRejectError(errors.RejectNonstandard, 0, "non-mandatory-script-verify-flag", errors.NewTxInvalidError("input %d", i, err))
			}
		}

		return errors.NewTxRejectError(errors.RejectInvalid, 100, "mandatory-script-verify-flag-failed", errors.NewTxInvalidError("input %d", i, err))
	}

	return nil
}
