package validator

import (
	"encoding/binary"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
)

const (
	opPushData1           = 0x4c
	opPushData2           = 0x4d
	opPushData4           = 0x4e
	op1                   = 0x51
	op16                  = 0x60
	opCheckSig            = 0xac
	opCheckSigVerify      = 0xad
	opCheckMultiSig       = 0xae
	opCheckMultiSigVerify = 0xaf
	opCheckDataSig        = 0xba
	opCheckDataSigVerify  = 0xbb

	maxPubKeysPerMultiSig = 20
)

// nextOp reads the opcode at pos and its push data. ok is false when the script ends in the
// middle of a push.
func nextOp(script []byte, pos int) (opcode byte, data []byte, next int, ok bool) {
	if pos >= len(script) {
		return 0, nil, pos, false
	}

	opcode = script[pos]
	pos++

	var size int

	switch {
	case opcode < opPushData1:
		size = int(opcode)
	case opcode == opPushData1:
		if pos+1 > len(script) {
			return opcode, nil, pos, false
		}

		size = int(script[pos])
		pos++
	case opcode == opPushData2:
		if pos+2 > len(script) {
			return opcode, nil, pos, false
		}

		size = int(binary.LittleEndian.Uint16(script[pos:]))
		pos += 2
	case opcode == opPushData4:
		if pos+4 > len(script) {
			return opcode, nil, pos, false
		}

		size = int(binary.LittleEndian.Uint32(script[pos:]))
		pos += 4
	default:
		return opcode, nil, pos, true
	}

	if size < 0 || pos+size > len(script) {
		return opcode, nil, pos, false
	}

	return opcode, script[pos : pos+size], pos + size, true
}

// countScriptSigOps counts the signature operations of a script. With accurate set, a
// multisig preceded by OP_1..OP_16 counts as that many keys instead of the maximum.
func countScriptSigOps(script []byte, accurate, checkDataSig bool) int {
	count := 0
	lastOpcode := byte(0xff)

	for pos := 0; pos < len(script); {
		opcode, _, next, ok := nextOp(script, pos)
		if !ok {
			break
		}

		switch opcode {
		case opCheckSig, opCheckSigVerify:
			count++
		case opCheckDataSig, opCheckDataSigVerify:
			if checkDataSig {
				count++
			}
		case opCheckMultiSig, opCheckMultiSigVerify:
			if accurate && lastOpcode >= op1 && lastOpcode <= op16 {
				count += int(lastOpcode-op1) + 1
			} else {
				count += maxPubKeysPerMultiSig
			}
		}

		lastOpcode = opcode
		pos = next
	}

	return count
}

func isPushOnly(script []byte) bool {
	for pos := 0; pos < len(script); {
		opcode, _, next, ok := nextOp(script, pos)
		if !ok || opcode > op16 {
			return false
		}

		pos = next
	}

	return true
}

// lastPush returns the data of the last push of a push-only script.
func lastPush(script []byte) []byte {
	var data []byte

	for pos := 0; pos < len(script); {
		_, d, next, ok := nextOp(script, pos)
		if !ok {
			return nil
		}

		data = d
		pos = next
	}

	return data
}

func scriptBytes(s *bscript.Script) []byte {
	if s == nil {
		return nil
	}

	return *s
}

// GetLegacySigOpCount counts the sigops of all input and output scripts the way the original
// block limit did, without looking into P2SH redeem scripts.
func GetLegacySigOpCount(tx *bt.Tx) int {
	count := 0

	for _, input := range tx.Inputs {
		count += countScriptSigOps(scriptBytes(input.UnlockingScript), false, false)
	}

	for _, output := range tx.Outputs {
		count += countScriptSigOps(scriptBytes(output.LockingScript), false, false)
	}

	return count
}

// GetP2SHSigOpCount counts the sigops of the redeem scripts of the P2SH outputs spent by tx.
func GetP2SHSigOpCount(tx *bt.Tx, coins []*model.Coin, checkDataSig bool) int {
	if tx.IsCoinbase() {
		return 0
	}

	count := 0

	for i, input := range tx.Inputs {
		if i >= len(coins) || coins[i] == nil {
			continue
		}

		if !bscript.NewFromBytes(coins[i].LockingScript).IsP2SH() {
			continue
		}

		scriptSig := scriptBytes(input.UnlockingScript)
		if !isPushOnly(scriptSig) {
			continue
		}

		count += countScriptSigOps(lastPush(scriptSig), true, checkDataSig)
	}

	return count
}

// GetTransactionSigOpCount returns the legacy sigops of tx plus, when P2SH is enforced, the
// sigops of the redeem scripts it spends.
func GetTransactionSigOpCount(tx *bt.Tx, coins []*model.Coin, flags ValidationFlags) int {
	count := GetLegacySigOpCount(tx)

	if flags.P2SH {
		count += GetP2SHSigOpCount(tx, coins, flags.MagneticAnomaly)
	}

	return count
}
