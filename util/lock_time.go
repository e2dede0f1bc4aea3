package util

import (
	"github.com/bsv-blockchain/go-bt/v2"
)

// LockTimeThreshold is the number below which a lock time is interpreted as a block height,
// and at or above which it is a unix timestamp.
const LockTimeThreshold = 500000000

// SequenceFinal disables the lock time of an input.
const SequenceFinal = 0xffffffff

// ValidLockTime reports whether lockTime is satisfied by a block at blockHeight with the given
// lock time cutoff. Since BIP113 the cutoff is the median time past of the previous block,
// before that the block time itself.
func ValidLockTime(lockTime uint32, blockHeight int32, lockTimeCutoff int64) bool {
	if lockTime < LockTimeThreshold {
		return int64(lockTime) < int64(blockHeight)
	}

	return int64(lockTime) < lockTimeCutoff
}

// IsFinalTx reports whether tx may be included in a block at blockHeight. A transaction with a
// lock time that is not yet satisfied is still final when every input has a final sequence.
func IsFinalTx(tx *bt.Tx, blockHeight int32, lockTimeCutoff int64) bool {
	if tx.LockTime == 0 {
		return true
	}

	if ValidLockTime(tx.LockTime, blockHeight, lockTimeCutoff) {
		return true
	}

	for _, input := range tx.Inputs {
		if input.SequenceNumber != SequenceFinal {
			return false
		}
	}

	return true
}
